package healthid

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	WorkerIDBits = 3
	RandomBits   = 8

	MaxWorkerID     int64 = 1<<WorkerIDBits - 1
	MaxRandomNumber int64 = 1<<RandomBits - 1
)

// ResolveWorkerID parses the configured worker slot. Values that do not fit
// WorkerIDBits are a deployment error and are never clamped.
func ResolveWorkerID(configured string) (int64, error) {
	raw := strings.TrimSpace(configured)
	if raw == "" {
		return 0, fmt.Errorf("%w: worker id is not configured", ErrConfiguration)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: worker id %q is not a number", ErrConfiguration, configured)
	}
	if id < 0 {
		return 0, fmt.Errorf("%w: worker id %d is negative", ErrConfiguration, id)
	}
	if id > MaxWorkerID {
		return 0, fmt.Errorf("%w: worker id %d exceeds max %d", ErrConfiguration, id, MaxWorkerID)
	}
	return id, nil
}
