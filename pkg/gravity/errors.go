package gravity

import "errors"

var (
	// ErrNotFound is returned when the gravity database file is absent
	ErrNotFound = errors.New("gravity database not found")

	// ErrConnectionFailed is returned when opening the database or applying
	// a pragma fails
	ErrConnectionFailed = errors.New("connection failed")

	// ErrPrepareFailed is returned when a statement cannot be prepared
	ErrPrepareFailed = errors.New("prepare failed")

	// ErrStepFailed is returned when executing a prepared statement fails
	// for a reason other than contention
	ErrStepFailed = errors.New("step failed")

	// ErrUnavailable is returned when the store is not open and could not
	// be reopened
	ErrUnavailable = errors.New("gravity database not available")

	// ErrUnknownList is returned when a list class past the known views is
	// requested
	ErrUnknownList = errors.New("unknown list class")
)

// CountFailed is the sentinel returned by Count on any error. Counting is
// an administrative operation; it reports failure distinguishably instead
// of guessing.
const CountFailed int64 = -1
