package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"web3university/pkg/domain"
)

// courseManagerABI covers the slice of the contract this service reads.
const courseManagerABI = `[
	{"type":"function","name":"purchased","stateMutability":"view",
	 "inputs":[{"name":"courseId","type":"string"},{"name":"buyer","type":"address"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"exchangeRateEthPerYD","stateMutability":"view",
	 "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"CoursePurchased","anonymous":false,
	 "inputs":[{"name":"courseId","type":"string","indexed":false},
	           {"name":"buyer","type":"address","indexed":false},
	           {"name":"priceYD","type":"uint256","indexed":false}]}
]`

// EthClient implements Client against a JSON-RPC endpoint. Subscriptions
// require a websocket endpoint; read calls work over either transport.
type EthClient struct {
	ec       *ethclient.Client
	contract common.Address
	abi      abi.ABI
}

// Dial connects to the RPC endpoint and binds the contract address.
func Dial(ctx context.Context, rpcURL, contractAddr string) (*EthClient, error) {
	parsed, err := abi.JSON(strings.NewReader(courseManagerABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("invalid contract address %q", contractAddr)
	}
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrLedgerUnavailable, rpcURL, err)
	}
	return &EthClient{
		ec:       ec,
		contract: common.HexToAddress(contractAddr),
		abi:      parsed,
	}, nil
}

// Close releases the underlying RPC connection.
func (c *EthClient) Close() {
	c.ec.Close()
}

// Purchased calls purchased(courseId, buyer) on the contract.
func (c *EthClient) Purchased(ctx context.Context, courseID, address string) (bool, error) {
	if !common.IsHexAddress(address) {
		return false, fmt.Errorf("invalid address %q", address)
	}
	data, err := c.abi.Pack("purchased", courseID, common.HexToAddress(address))
	if err != nil {
		return false, fmt.Errorf("pack purchased: %w", err)
	}
	raw, err := c.ec.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("%w: purchased call: %v", ErrLedgerUnavailable, err)
	}
	out, err := c.abi.Unpack("purchased", raw)
	if err != nil || len(out) != 1 {
		return false, fmt.Errorf("unpack purchased: %w", err)
	}
	purchased, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unpack purchased: unexpected type %T", out[0])
	}
	return purchased, nil
}

// ExchangeRate calls exchangeRateEthPerYD() on the contract.
func (c *EthClient) ExchangeRate(ctx context.Context) (*big.Int, error) {
	data, err := c.abi.Pack("exchangeRateEthPerYD")
	if err != nil {
		return nil, fmt.Errorf("pack exchangeRateEthPerYD: %w", err)
	}
	raw, err := c.ec.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: exchange rate call: %v", ErrLedgerUnavailable, err)
	}
	out, err := c.abi.Unpack("exchangeRateEthPerYD", raw)
	if err != nil || len(out) != 1 {
		return nil, fmt.Errorf("unpack exchangeRateEthPerYD: %w", err)
	}
	rate, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack exchangeRateEthPerYD: unexpected type %T", out[0])
	}
	return rate, nil
}

// SubscribePurchases backfills historical CoursePurchased logs from
// fromBlock, then follows the live stream. The returned subscription
// ends with an error on transport failure; the caller resubscribes from
// its watermark, tolerating duplicates in the overlap window.
func (c *EthClient) SubscribePurchases(ctx context.Context, fromBlock uint64) (Subscription, error) {
	topic := c.abi.Events["CoursePurchased"].ID
	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{topic}},
	}

	var backfill []types.Log
	if fromBlock > 0 {
		historic := query
		historic.FromBlock = new(big.Int).SetUint64(fromBlock)
		logs, err := c.ec.FilterLogs(ctx, historic)
		if err != nil {
			return nil, fmt.Errorf("%w: backfill logs from %d: %v", ErrLedgerUnavailable, fromBlock, err)
		}
		backfill = logs
	}

	rawCh := make(chan types.Log, 64)
	ethSub, err := c.ec.SubscribeFilterLogs(ctx, query, rawCh)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe logs: %v", ErrLedgerUnavailable, err)
	}

	sub := &ethSubscription{
		events: make(chan PurchaseEvent, 64),
		errs:   make(chan error, 1),
		stop:   make(chan struct{}),
		inner:  ethSub,
	}
	go sub.run(c, backfill, rawCh)
	return sub, nil
}

type ethSubscription struct {
	events chan PurchaseEvent
	errs   chan error
	stop   chan struct{}
	inner  ethereum.Subscription
}

func (s *ethSubscription) Events() <-chan PurchaseEvent { return s.events }
func (s *ethSubscription) Err() <-chan error            { return s.errs }

func (s *ethSubscription) Unsubscribe() {
	s.inner.Unsubscribe()
	close(s.stop)
}

func (s *ethSubscription) run(c *EthClient, backfill []types.Log, rawCh <-chan types.Log) {
	defer close(s.events)
	for _, lg := range backfill {
		if !s.emit(c, lg) {
			return
		}
	}
	for {
		select {
		case lg := <-rawCh:
			if !s.emit(c, lg) {
				return
			}
		case err := <-s.inner.Err():
			s.errs <- fmt.Errorf("%w: subscription: %v", ErrLedgerUnavailable, err)
			return
		case <-s.stop:
			return
		}
	}
}

func (s *ethSubscription) emit(c *EthClient, lg types.Log) bool {
	if lg.Removed {
		// Reorged-out log; the canonical emission arrives again.
		return true
	}
	event, err := c.decodePurchase(lg)
	if err != nil {
		s.errs <- err
		return false
	}
	select {
	case s.events <- event:
		return true
	case <-s.stop:
		return false
	}
}

func (c *EthClient) decodePurchase(lg types.Log) (PurchaseEvent, error) {
	out, err := c.abi.Unpack("CoursePurchased", lg.Data)
	if err != nil || len(out) != 3 {
		return PurchaseEvent{}, fmt.Errorf("decode CoursePurchased %s: %w", lg.TxHash.Hex(), err)
	}
	courseID, ok := out[0].(string)
	if !ok {
		return PurchaseEvent{}, fmt.Errorf("decode CoursePurchased: courseId is %T", out[0])
	}
	buyer, ok := out[1].(common.Address)
	if !ok {
		return PurchaseEvent{}, fmt.Errorf("decode CoursePurchased: buyer is %T", out[1])
	}
	price, ok := out[2].(*big.Int)
	if !ok {
		return PurchaseEvent{}, fmt.Errorf("decode CoursePurchased: priceYD is %T", out[2])
	}
	return PurchaseEvent{
		CourseID:    courseID,
		Buyer:       domain.NormalizeAddress(buyer.Hex()),
		PriceYD:     price,
		EventID:     fmt.Sprintf("%s:%d", lg.TxHash.Hex(), lg.Index),
		BlockNumber: lg.BlockNumber,
	}, nil
}
