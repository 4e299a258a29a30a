package healthid

import (
	"fmt"
	"math/rand/v2"
	"time"
)

const (
	workerShift    = RandomBits
	timestampShift = WorkerIDBits + RandomBits

	// maxRawValue keeps body = raw + Min10DigitNumber within ten digits.
	maxRawValue = Max10DigitNumber - Min10DigitNumber
)

// Segments are the three packed fields of a HID body.
type Segments struct {
	Timestamp int64 // minutes since the generator epoch
	WorkerID  int64
	Random    int64
}

// Raw re-packs the segments into the pre-offset binary value.
func (s Segments) Raw() int64 {
	return s.Timestamp<<timestampShift | s.WorkerID<<workerShift | s.Random
}

// Generator builds time based HIDs for one worker slot.
type Generator struct {
	workerID int64
	epoch    time.Time
	now      func() time.Time
	random   func() int64
}

// GeneratorOption customises a Generator.
type GeneratorOption func(*Generator)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) { g.now = now }
}

// WithRandom overrides the random segment source. The returned value is
// masked to RandomBits.
func WithRandom(random func() int64) GeneratorOption {
	return func(g *Generator) { g.random = random }
}

// NewGenerator returns a generator for workerID. workerID must already be
// resolved with ResolveWorkerID.
func NewGenerator(workerID int64, epoch time.Time, opts ...GeneratorOption) (*Generator, error) {
	if workerID < 0 || workerID > MaxWorkerID {
		return nil, fmt.Errorf("%w: worker id %d outside [0, %d]", ErrConfiguration, workerID, MaxWorkerID)
	}
	g := &Generator{
		workerID: workerID,
		epoch:    epoch,
		now:      time.Now,
		random:   func() int64 { return rand.Int64N(MaxRandomNumber + 1) },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// WorkerID returns the worker slot packed into every generated id.
func (g *Generator) WorkerID() int64 {
	return g.workerID
}

// Generate packs the current minute, the worker id and a fresh random value
// into a 10 digit body and appends the checksum digit. Two calls in the same
// minute on the same worker collide only if they draw the same random value.
func (g *Generator) Generate() (string, error) {
	offset := g.currentTimeMinutes() - g.epochTimeMinutes()
	if offset < 0 {
		return "", fmt.Errorf("%w: clock is before the hid epoch %s", ErrConfiguration, g.epoch.Format(time.RFC3339))
	}
	seg := Segments{
		Timestamp: offset,
		WorkerID:  g.workerID,
		Random:    g.random() & MaxRandomNumber,
	}
	if offset > maxRawValue>>timestampShift {
		return "", fmt.Errorf("%w: %d minutes since epoch no longer fit a 10 digit hid", ErrSeriesExhausted, offset)
	}
	raw := seg.Raw()
	if raw > maxRawValue {
		return "", fmt.Errorf("%w: packed value %d exceeds 10 digits", ErrSeriesExhausted, raw)
	}
	return Encode(raw + Min10DigitNumber), nil
}

// SplitSegments decodes a HID produced by Generate back into its segments.
func SplitSegments(hid string) (Segments, error) {
	if err := Validate(hid); err != nil {
		return Segments{}, err
	}
	body, _ := BodyOf(hid)
	raw := body - Min10DigitNumber
	return Segments{
		Timestamp: raw >> timestampShift,
		WorkerID:  (raw >> workerShift) & MaxWorkerID,
		Random:    raw & MaxRandomNumber,
	}, nil
}

// currentTimeMinutes is the generator clock in whole minutes.
func (g *Generator) currentTimeMinutes() int64 { return minutes(g.now()) }

// epochTimeMinutes is the configured epoch in whole minutes.
func (g *Generator) epochTimeMinutes() int64 { return minutes(g.epoch) }

func minutes(t time.Time) int64 {
	return t.Unix() / 60
}
