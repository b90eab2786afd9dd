package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DenyReason classifies why the access gate refused a request.
type DenyReason string

const (
	ReasonUnregistered    DenyReason = "unregistered"
	ReasonNotPurchased    DenyReason = "not_purchased"
	ReasonServiceDegraded DenyReason = "service_degraded"
)

// User is a wallet-identified account. The address is the primary key,
// stored as lowercase hex; the last login signature is kept for audit.
type User struct {
	Address       string    `json:"address"`
	Nickname      string    `json:"nickname"`
	LastSignature string    `json:"-"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Course metadata. Content is protected and only released after the
// access gate allows the requesting address.
type Course struct {
	ID          string          `json:"id"`
	Author      string          `json:"author"`
	Title       string          `json:"title"`
	Cover       string          `json:"cover"`
	Description string          `json:"description"`
	Content     string          `json:"content,omitempty"`
	Price       decimal.Decimal `json:"price"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// CourseListing is a course row in list responses, without protected
// content, plus the purchased flag for the requesting address.
type CourseListing struct {
	ID          string          `json:"id"`
	Author      string          `json:"author"`
	Title       string          `json:"title"`
	Cover       string          `json:"cover"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	CreatedAt   time.Time       `json:"createdAt"`
	Purchased   bool            `json:"purchased"`
}

// Listing strips protected content and attaches the purchased flag.
func (c Course) Listing(purchased bool) CourseListing {
	return CourseListing{
		ID:          c.ID,
		Author:      c.Author,
		Title:       c.Title,
		Cover:       c.Cover,
		Description: c.Description,
		Price:       c.Price,
		CreatedAt:   c.CreatedAt,
		Purchased:   purchased,
	}
}

// PurchaseRecord is the off-chain projection of one confirmed on-chain
// purchase. (CourseID, Buyer) is unique; records are never mutated.
// PriceYD is the token amount in base units as a base-10 integer string,
// since uint256 does not fit native integers.
type PurchaseRecord struct {
	CourseID    string    `json:"courseId"`
	Buyer       string    `json:"buyer"`
	PriceYD     string    `json:"priceYD"`
	EventID     string    `json:"eventId"`
	BlockNumber uint64    `json:"blockNumber"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Checkpoint is the ingestor watermark: the last ledger position whose
// purchase event has been durably applied.
type Checkpoint struct {
	BlockNumber uint64    `json:"blockNumber"`
	EventID     string    `json:"eventId"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// NormalizeAddress canonicalizes an address to lowercase hex. Addresses
// are compared and stored only in this form.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b string) bool {
	return NormalizeAddress(a) == NormalizeAddress(b)
}
