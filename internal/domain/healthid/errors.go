package healthid

import "errors"

var (
	// ErrConfiguration marks a deployment misconfiguration, such as a worker
	// id that does not fit the reserved bits. It is fatal at startup.
	ErrConfiguration = errors.New("hid configuration error")

	// ErrSeriesExhausted is returned when no HID can be handed out because the
	// local pool and the remote authority are both empty, or a generation
	// range has no values left.
	ErrSeriesExhausted = errors.New("no HID available: series exhausted")

	// ErrInvalidHealthID marks a malformed or checksum-mismatched HID string.
	ErrInvalidHealthID = errors.New("invalid health id")

	// ErrPersistence marks a failed snapshot file write. The in-memory pool
	// mutation that triggered the write is already committed.
	ErrPersistence = errors.New("hid snapshot persistence failed")

	// ErrDuplicateHealthID is returned when an id is added to the pool while
	// it is already pooled or in flight.
	ErrDuplicateHealthID = errors.New("duplicate health id")

	// ErrNotInFlight is returned when an id is put back or committed while
	// it is not currently issued from this pool.
	ErrNotInFlight = errors.New("health id not issued from pool")

	// ErrNotFound is returned by repositories when a HID is not registered.
	ErrNotFound = errors.New("health id not found")

	// ErrOutOfRange is returned when a requested generation start lies
	// outside the configured series.
	ErrOutOfRange = errors.New("health id outside configured range")
)
