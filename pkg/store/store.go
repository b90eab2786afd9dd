package store

import (
	"errors"

	"web3university/pkg/domain"
)

// ErrNotFound is returned by updates that require an existing row.
var ErrNotFound = errors.New("not found")

// Store is the reconciliation cache: users, course metadata, and the
// purchase projection driven by the event ingestor. All writes are
// single-row; purchase inserts are idempotent by the unique
// (course_id, buyer) key rather than by error handling.
type Store interface {
	// users
	UpsertUser(domain.User) error
	GetUser(address string) (domain.User, bool, error)
	// UpdateNickname fails with ErrNotFound when the address has never
	// logged in; a nickname change implies a prior registration.
	UpdateNickname(address, nickname string) error

	// courses
	SaveCourse(domain.Course) error
	GetCourse(id string) (domain.Course, bool, error)
	ListCourses() ([]domain.Course, error)
	ListCoursesByBuyer(address string) ([]domain.Course, error)

	// purchases (written only by the ingestor and the gate's
	// opportunistic cache fill, never mutated or deleted)
	UpsertPurchase(domain.PurchaseRecord) (applied bool, err error)
	GetPurchase(courseID, buyer string) (domain.PurchaseRecord, bool, error)
	ListPurchasesByBuyer(address string) ([]domain.PurchaseRecord, error)

	// ingest watermark
	SaveCheckpoint(domain.Checkpoint) error
	GetCheckpoint() (domain.Checkpoint, bool, error)
}

// EventAuditor is an optional capability: stores that keep the raw
// ledger payload of every ingested event implement it.
type EventAuditor interface {
	RecordEvent(eventID string, blockNumber uint64, payload []byte) error
}
