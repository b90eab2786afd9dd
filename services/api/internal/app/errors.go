package app

import "errors"

var (
	// ErrUnregistered is returned when the requesting address has never
	// completed a signature login.
	ErrUnregistered = errors.New("address not registered")

	// ErrNotPurchased is returned when neither the cache nor the ledger
	// shows a purchase for the requested course.
	ErrNotPurchased = errors.New("course not purchased")

	// ErrServiceDegraded is returned when the ledger could not give a
	// definitive answer; the gate denies rather than guesses.
	ErrServiceDegraded = errors.New("ledger unavailable, access denied")

	ErrCourseNotFound = errors.New("course not found")

	ErrAddressRequired   = errors.New("address required")
	ErrSignatureRequired = errors.New("signature required")
	ErrCourseIDRequired  = errors.New("courseId required")
	ErrNicknameRequired  = errors.New("nickname required")
	ErrInvalidPrice      = errors.New("invalid price")
	ErrInvalidAmount     = errors.New("invalid amount")
)
