// Package sigverify recovers wallet addresses from EIP-191 personal
// message signatures. It is the only authentication mechanism in the
// system: there are no passwords and no sessions, every protected
// request carries a fresh signature over a purpose-bound message.
package sigverify

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"

	"web3university/pkg/domain"
)

// ErrInvalidSignature is returned when recovery fails or the recovered
// address does not match the claimed one.
var ErrInvalidSignature = errors.New("invalid signature")

// Message templates. Each purpose embeds a request-specific field so a
// signature captured for one purpose cannot be replayed for another.
// The strings match what the wallet client signs verbatim.

// LoginMessage builds the login message for the address exactly as the
// client submitted it; the wallet signed that literal string, so it must
// not be normalized here.
func LoginMessage(address string) string {
	return "web3-university-login-" + address
}

// CourseDetailMessage builds the message signed to request protected
// course content.
func CourseDetailMessage(courseID string) string {
	return "request-course-" + courseID
}

// NicknameMessage builds the message signed to change a nickname.
func NicknameMessage(nickname string) string {
	return "Web3U-SetName:" + nickname
}

// Recover returns the lowercase hex address that produced signature over
// message. The signature is the 65-byte [R || S || V] form produced by
// personal_sign, hex-encoded with or without the 0x prefix.
func Recover(message string, signature string) (string, error) {
	sig, err := decodeSignature(signature)
	if err != nil {
		return "", err
	}
	// Wallets emit V as 27/28; go-ethereum expects 0/1.
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return "", fmt.Errorf("%w: recovery id out of range", ErrInvalidSignature)
	}
	hash := accounts.TextHash([]byte(message))
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return domain.NormalizeAddress(crypto.PubkeyToAddress(*pub).Hex()), nil
}

// VerifyAddress recovers the signer of message and checks it against the
// claimed address, case-insensitively.
func VerifyAddress(message, signature, claimed string) error {
	recovered, err := Recover(message, signature)
	if err != nil {
		return err
	}
	if !domain.SameAddress(recovered, claimed) {
		return fmt.Errorf("%w: signer %s does not match claimed address", ErrInvalidSignature, recovered)
	}
	return nil
}

func decodeSignature(signature string) ([]byte, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(signature), "0x")
	sig, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: not hex", ErrInvalidSignature)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("%w: length %d, want %d", ErrInvalidSignature, len(sig), crypto.SignatureLength)
	}
	return sig, nil
}
