// Package app holds the request-path business logic of the api service:
// signature login, course metadata, the access-gated course detail, and
// exchange quotes. The event ingestor runs elsewhere; the only shared
// state is the reconciliation store.
package app

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"web3university/pkg/access"
	"web3university/pkg/domain"
	"web3university/pkg/exchange"
	"web3university/pkg/ledger"
	"web3university/pkg/sigverify"
	"web3university/pkg/store"
)

// Config holds runtime configuration.
type Config struct {
	DatabaseURL         string
	Store               store.Store // overrides DatabaseURL when set
	Ledger              ledger.Client
	LedgerRetryAttempts int
	LedgerRetryDelay    time.Duration
}

// App implements the api operations.
type App struct {
	store  store.Store
	ledger ledger.Client
	gate   *access.Gate
}

// New constructs the app core with persistence and the access gate.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger client required")
	}
	gate := access.New(dataStore, cfg.Ledger,
		access.WithLedgerRetries(cfg.LedgerRetryAttempts, cfg.LedgerRetryDelay))
	return &App{
		store:  dataStore,
		ledger: cfg.Ledger,
		gate:   gate,
	}, nil
}

// UserStatus is the /user/check response.
type UserStatus struct {
	Exists   bool   `json:"exists"`
	Nickname string `json:"nickname,omitempty"`
}

// CheckUser reports whether an address has registered and its nickname.
func (a *App) CheckUser(address string) (UserStatus, error) {
	if strings.TrimSpace(address) == "" {
		return UserStatus{}, ErrAddressRequired
	}
	user, ok, err := a.store.GetUser(address)
	if err != nil {
		return UserStatus{}, err
	}
	if !ok {
		return UserStatus{Exists: false}, nil
	}
	return UserStatus{Exists: true, Nickname: user.Nickname}, nil
}

// Login verifies the signed login message and registers (or refreshes)
// the user. The message embeds the address exactly as submitted, so the
// signature cannot be replayed for another account or purpose.
func (a *App) Login(address, signature, nickname string) error {
	if strings.TrimSpace(address) == "" {
		return ErrAddressRequired
	}
	if strings.TrimSpace(signature) == "" {
		return ErrSignatureRequired
	}
	if err := sigverify.VerifyAddress(sigverify.LoginMessage(address), signature, address); err != nil {
		return err
	}
	return a.store.UpsertUser(domain.User{
		Address:       address,
		LastSignature: signature,
		Nickname:      nickname,
	})
}

// UpdateNickname changes the nickname of a registered address. When the
// client supplies a signature it must cover the nickname template;
// otherwise the prior registration alone gates the change.
func (a *App) UpdateNickname(address, nickname, signature string) error {
	if strings.TrimSpace(address) == "" {
		return ErrAddressRequired
	}
	if strings.TrimSpace(nickname) == "" {
		return ErrNicknameRequired
	}
	if strings.TrimSpace(signature) != "" {
		if err := sigverify.VerifyAddress(sigverify.NicknameMessage(nickname), signature, address); err != nil {
			return err
		}
	}
	return a.store.UpdateNickname(address, nickname)
}

// CreateCourseInput mirrors the course creation payload. The on-chain
// createCourse call has already succeeded by the time this runs; this
// only persists the off-chain metadata.
type CreateCourseInput struct {
	ID          string
	Author      string
	Title       string
	Cover       string
	Description string
	Content     string
	Price       string
	CreatedAt   time.Time
}

// CreateCourse stores new course metadata. The author must be a
// registered user; the course ID is minted server-side when absent.
func (a *App) CreateCourse(in CreateCourseInput) (domain.Course, error) {
	if strings.TrimSpace(in.Author) == "" {
		return domain.Course{}, ErrAddressRequired
	}
	if strings.TrimSpace(in.Title) == "" {
		return domain.Course{}, fmt.Errorf("title required")
	}
	price, err := decimal.NewFromString(strings.TrimSpace(in.Price))
	if err != nil || price.IsNegative() {
		return domain.Course{}, ErrInvalidPrice
	}
	if _, ok, err := a.store.GetUser(in.Author); err != nil {
		return domain.Course{}, err
	} else if !ok {
		return domain.Course{}, ErrUnregistered
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	course := domain.Course{
		ID:          id,
		Author:      domain.NormalizeAddress(in.Author),
		Title:       in.Title,
		Cover:       in.Cover,
		Description: in.Description,
		Content:     in.Content,
		Price:       price,
		CreatedAt:   in.CreatedAt,
	}
	if err := a.store.SaveCourse(course); err != nil {
		return domain.Course{}, err
	}
	return course, nil
}

// ListCourses returns all courses with per-row purchased flags for the
// requesting address. The requester must be registered: the flag leaks
// purchase state, so anonymous listing is refused.
func (a *App) ListCourses(address string) ([]domain.CourseListing, error) {
	if strings.TrimSpace(address) == "" {
		return nil, ErrAddressRequired
	}
	if _, ok, err := a.store.GetUser(address); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrUnregistered
	}
	courses, err := a.store.ListCourses()
	if err != nil {
		return nil, err
	}
	purchases, err := a.store.ListPurchasesByBuyer(address)
	if err != nil {
		return nil, err
	}
	bought := make(map[string]struct{}, len(purchases))
	for _, p := range purchases {
		bought[p.CourseID] = struct{}{}
	}
	listings := make([]domain.CourseListing, 0, len(courses))
	for _, c := range courses {
		_, purchased := bought[c.ID]
		listings = append(listings, c.Listing(purchased))
	}
	return listings, nil
}

// ListPurchasedCourses returns the courses the address has bought,
// content included: ownership is already established by the cache.
func (a *App) ListPurchasedCourses(address string) ([]domain.Course, error) {
	if strings.TrimSpace(address) == "" {
		return nil, ErrAddressRequired
	}
	return a.store.ListCoursesByBuyer(address)
}

// CourseDetail is protected content released after authorization.
type CourseDetail struct {
	ID       string          `json:"id"`
	Title    string          `json:"title"`
	Content  string          `json:"content"`
	Price    decimal.Decimal `json:"price"`
	Nickname string          `json:"nickname"`
}

// GetCourseDetail verifies the request signature, runs the access gate,
// and returns the protected content only on an allow decision.
func (a *App) GetCourseDetail(ctx context.Context, courseID, address, signature string) (CourseDetail, error) {
	if strings.TrimSpace(courseID) == "" {
		return CourseDetail{}, ErrCourseIDRequired
	}
	if strings.TrimSpace(address) == "" {
		return CourseDetail{}, ErrAddressRequired
	}
	if strings.TrimSpace(signature) == "" {
		return CourseDetail{}, ErrSignatureRequired
	}
	if err := sigverify.VerifyAddress(sigverify.CourseDetailMessage(courseID), signature, address); err != nil {
		return CourseDetail{}, err
	}

	decision, err := a.gate.Authorize(ctx, address, courseID)
	if err != nil {
		return CourseDetail{}, err
	}
	if !decision.Allowed {
		switch decision.Reason {
		case domain.ReasonUnregistered:
			return CourseDetail{}, ErrUnregistered
		case domain.ReasonServiceDegraded:
			return CourseDetail{}, ErrServiceDegraded
		default:
			return CourseDetail{}, ErrNotPurchased
		}
	}

	course, ok, err := a.store.GetCourse(courseID)
	if err != nil {
		return CourseDetail{}, err
	}
	if !ok {
		return CourseDetail{}, ErrCourseNotFound
	}
	user, _, err := a.store.GetUser(address)
	if err != nil {
		return CourseDetail{}, err
	}
	return CourseDetail{
		ID:       course.ID,
		Title:    course.Title,
		Content:  course.Content,
		Price:    course.Price,
		Nickname: user.Nickname,
	}, nil
}

// Quote is the /exchange/quote response. Amounts are base-unit strings.
type Quote struct {
	NativeAmount string `json:"nativeAmount"`
	RatePerToken string `json:"ratePerToken"`
	TokenAmount  string `json:"tokenAmount"`
}

// QuoteExchange reads the current rate from the ledger and returns the
// floor-truncated token amount for the given native amount.
func (a *App) QuoteExchange(ctx context.Context, nativeAmount string) (Quote, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(nativeAmount), 10)
	if !ok || amount.Sign() < 0 {
		return Quote{}, ErrInvalidAmount
	}
	rate, err := a.ledger.ExchangeRate(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrServiceDegraded, err)
	}
	tokens, err := exchange.QuoteTokensForNative(amount, rate)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		NativeAmount: amount.String(),
		RatePerToken: rate.String(),
		TokenAmount:  tokens.String(),
	}, nil
}
