package healthid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mci/mci/internal/platform/hidservice"
	"github.com/mci/mci/internal/platform/telemetry"
)

// Authority is the remote HID issuing service.
type Authority interface {
	FetchNextBlock(ctx context.Context) (*hidservice.Block, error)
	MarkUsed(ctx context.Context, hid string, usedAt time.Time) error
}

// Recorder receives allocation metrics.
type Recorder interface {
	SetPoolSize(n int)
	ObserveAllocation(result string)
	ObserveReplenishment(result string, fetched int)
	ObserveMarkUsed(result string)
}

// Metric result labels.
const (
	ResultOK        = "ok"
	ResultExhausted = "exhausted"
	ResultError     = "error"
	ResultSkipped   = "skipped"
)

// ServiceConfig holds the coordinator settings.
type ServiceConfig struct {
	Threshold int
	// MaxGenerateAttempts bounds GenerateAll per requested id. Defaults to 10.
	MaxGenerateAttempts int
}

// Service coordinates the HID pool: it replenishes from the remote
// authority, hands out ids, takes abandoned ids back, and runs the
// administrative bulk generation paths.
type Service struct {
	cfg       ServiceConfig
	store     *BlockStore
	snapshot  *SnapshotFile
	authority Authority
	repo      Repository
	validator *OrgValidator
	generator *Generator
	metrics   Recorder
	logger    zerolog.Logger
	now       func() time.Time

	// mu serializes every pool mutation together with its snapshot rewrite,
	// and the whole check-fetch-merge sequence of a replenishment.
	mu sync.Mutex
	// genMu serializes bulk generation runs against the registry.
	genMu sync.Mutex
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) ServiceOption {
	return func(s *Service) { s.metrics = r }
}

// WithServiceLogger sets the logger.
func WithServiceLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithServiceClock overrides the clock used for used_at timestamps.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(cfg ServiceConfig, store *BlockStore, snapshot *SnapshotFile, authority Authority,
	repo Repository, validator *OrgValidator, generator *Generator, opts ...ServiceOption) *Service {
	if cfg.MaxGenerateAttempts <= 0 {
		cfg.MaxGenerateAttempts = 10
	}
	s := &Service{
		cfg:       cfg,
		store:     store,
		snapshot:  snapshot,
		authority: authority,
		repo:      repo,
		validator: validator,
		generator: generator,
		metrics:   telemetry.NopRecorder{},
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// -- Pool --

// PopulateHidStore hydrates the pool from the snapshot file. It makes no
// remote call.
func (s *Service) PopulateHidStore() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.snapshot.Load()
	if err != nil {
		return err
	}
	if err := s.store.AddAll(ids); err != nil {
		s.logger.Warn().Err(err).Msg("snapshot contains duplicate hids")
	}
	s.metrics.SetPoolSize(s.store.Count())
	s.logger.Info().Int("count", s.store.Count()).Str("path", s.snapshot.Path()).Msg("hid store populated from snapshot")
	return nil
}

// ReplenishIfNeeded fetches a block from the authority when the pool holds
// fewer ids than the threshold. It makes no remote call otherwise.
func (s *Service) ReplenishIfNeeded(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replenishLocked(ctx)
}

func (s *Service) replenishLocked(ctx context.Context) error {
	count := s.store.Count()
	if count >= s.cfg.Threshold {
		return nil
	}

	s.logger.Info().Int("count", count).Int("threshold", s.cfg.Threshold).Msg("hid pool below threshold, replenishing")
	block, err := s.authority.FetchNextBlock(ctx)
	if err != nil {
		s.metrics.ObserveReplenishment(ResultError, 0)
		return fmt.Errorf("replenish hid pool: %w", err)
	}
	if len(block.HIDs) == 0 {
		s.metrics.ObserveReplenishment(ResultExhausted, 0)
		s.logger.Warn().Msg("hid authority returned an empty block")
		return nil
	}

	if err := s.store.AddAll(block.HIDs); err != nil {
		s.logger.Error().Err(err).Msg("hid authority returned ids already held")
	}
	s.metrics.ObserveReplenishment(ResultOK, s.store.Count()-count)
	s.metrics.SetPoolSize(s.store.Count())

	if err := s.snapshot.Rewrite(s.store.Snapshot()); err != nil {
		return fmt.Errorf("replenish hid pool: %w", err)
	}
	return nil
}

// GetNextHealthID replenishes when needed and hands out one id. A failed
// snapshot rewrite is logged and the id is still returned; the process pool
// stays authoritative.
func (s *Service) GetNextHealthID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.replenishLocked(ctx); err != nil {
		if !errors.Is(err, ErrPersistence) {
			s.metrics.ObserveAllocation(ResultError)
			return "", err
		}
		s.logger.Error().Err(err).Msg("hid snapshot not written after replenishment")
	}

	hid, err := s.store.Pop()
	if err != nil {
		s.metrics.ObserveAllocation(ResultExhausted)
		return "", err
	}
	s.metrics.ObserveAllocation(ResultOK)
	s.metrics.SetPoolSize(s.store.Count())

	if err := s.snapshot.Rewrite(s.store.Snapshot()); err != nil {
		s.logger.Error().Err(err).Str("hid", hid).Msg("hid snapshot not written after allocation")
	}
	return hid, nil
}

// PutBackHealthID returns an id that was issued by GetNextHealthID and never
// committed. Ids that are malformed, or not currently in flight (never
// issued, already put back, or already marked used), are refused.
func (s *Service) PutBackHealthID(_ context.Context, hid string) error {
	if err := Validate(hid); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.store.InFlight(hid) {
		return fmt.Errorf("put back %s: %w", hid, ErrNotInFlight)
	}
	s.store.PutBack(hid)
	s.metrics.SetPoolSize(s.store.Count())
	return s.snapshot.Rewrite(s.store.Snapshot())
}

// MarkUsed commits an issued id and notifies the authority. An id still
// waiting in the pool is refused. Ids issued before a restart are no longer
// tracked as in flight and are accepted. A failed notification is logged;
// the id stays issued.
func (s *Service) MarkUsed(ctx context.Context, hid string) error {
	s.mu.Lock()
	if s.store.Pooled(hid) {
		s.mu.Unlock()
		return fmt.Errorf("mark %s used: %w", hid, ErrNotInFlight)
	}
	s.store.Release(hid)
	s.mu.Unlock()

	if err := s.authority.MarkUsed(ctx, hid, s.now()); err != nil {
		s.metrics.ObserveMarkUsed(ResultError)
		s.logger.Error().Err(err).Str("hid", hid).Msg("failed to mark hid used at authority")
		return nil
	}
	s.metrics.ObserveMarkUsed(ResultOK)
	return nil
}

// NextBlock returns the ids currently pooled without removing any.
func (s *Service) NextBlock() []string {
	return s.store.Snapshot()
}

// PoolSize returns the number of unused pooled ids.
func (s *Service) PoolSize() int {
	return s.store.Count()
}

// -- Generation --

// GenerateBlock registers up to total MCI HIDs starting at body start. Bodies
// matching the MCI invalid pattern and HIDs already registered are skipped.
// When the MCI series ends first the block holds fewer ids than requested.
func (s *Service) GenerateBlock(ctx context.Context, start, total int64, requestedBy string) (*GeneratedBlock, error) {
	return s.generateSeries(ctx, s.validator.MciRange(), start, total, "", requestedBy,
		s.validator.IsInvalidMciBody,
		func(hid string) error {
			return s.repo.SaveMciHealthID(ctx, &MciHealthID{HID: hid, CreatedAt: s.now().UTC()})
		})
}

// GenerateBlockForOrg is GenerateBlock over the other-organization series,
// allocating every generated id to org.
func (s *Service) GenerateBlockForOrg(ctx context.Context, start, total int64, org, requestedBy string) (*GeneratedBlock, error) {
	if org == "" {
		return nil, fmt.Errorf("%w: org is required", ErrOutOfRange)
	}
	return s.generateSeries(ctx, s.validator.OrgRange(), start, total, org, requestedBy,
		s.validator.IsInvalidOrgBody,
		func(hid string) error {
			return s.repo.SaveOrgHealthID(ctx, &OrgHealthID{HID: hid, AllocatedFor: org, GeneratedAt: s.now().UTC()})
		})
}

func (s *Service) generateSeries(ctx context.Context, series Range, start, total int64, org, requestedBy string,
	invalid func(int64) bool, save func(string) error) (*GeneratedBlock, error) {
	if total <= 0 {
		return nil, fmt.Errorf("%w: total must be positive, got %d", ErrOutOfRange, total)
	}
	if !series.Contains(start) {
		return nil, fmt.Errorf("%w: start %d not in [%d, %d]", ErrOutOfRange, start, series.Start, series.End)
	}

	s.genMu.Lock()
	defer s.genMu.Unlock()

	block := &GeneratedBlock{
		ID:          uuid.New(),
		SeriesNo:    start / Min10DigitNumber,
		ForOrg:      org,
		BeginsAt:    start,
		EndsAt:      start,
		RequestedBy: requestedBy,
		CreatedAt:   s.now().UTC(),
	}

	for body := start; body <= series.End && block.TotalHIDs < total; body++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if invalid(body) {
			continue
		}
		hid := Encode(body)
		exists, err := s.repo.HealthIDExists(ctx, hid)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}
		if err := save(hid); err != nil {
			if errors.Is(err, ErrDuplicateHealthID) {
				continue
			}
			return nil, err
		}
		block.EndsAt = body
		block.TotalHIDs++
	}

	if block.TotalHIDs > 0 {
		if err := s.repo.SaveBlock(ctx, block); err != nil {
			return nil, err
		}
	}
	evt := s.logger.Info()
	if block.TotalHIDs < total {
		evt = s.logger.Warn()
	}
	evt.Int64("requested", total).Int64("generated", block.TotalHIDs).Int64("start", start).
		Str("org", org).Str("requested_by", requestedBy).Msg("generated hid block")
	return block, nil
}

// GenerateAll registers total time based HIDs from this worker's generator.
// Duplicates and invalid-pattern bodies are drawn again, up to
// MaxGenerateAttempts per requested id. A body outside the MCI range fails
// the run with ErrOutOfRange; ids saved before that stay registered.
func (s *Service) GenerateAll(ctx context.Context, total int64, requestedBy string) (*GeneratedBlock, error) {
	if total <= 0 {
		return nil, fmt.Errorf("%w: total must be positive, got %d", ErrOutOfRange, total)
	}
	s.genMu.Lock()
	defer s.genMu.Unlock()

	block := &GeneratedBlock{
		ID:          uuid.New(),
		RequestedBy: requestedBy,
		CreatedAt:   s.now().UTC(),
	}
	attempts := total * int64(s.cfg.MaxGenerateAttempts)
	for i := int64(0); i < attempts && block.TotalHIDs < total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hid, err := s.generator.Generate()
		if err != nil {
			return nil, err
		}
		body, _ := BodyOf(hid)
		if mci := s.validator.MciRange(); !mci.Contains(body) {
			return nil, fmt.Errorf("%w: generated body %d not in mci range [%d, %d], check HID_EPOCH against the range",
				ErrOutOfRange, body, mci.Start, mci.End)
		}
		if s.validator.IsInvalidMciBody(body) {
			continue
		}
		exists, err := s.repo.HealthIDExists(ctx, hid)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}
		if err := s.repo.SaveMciHealthID(ctx, &MciHealthID{HID: hid, CreatedAt: s.now().UTC()}); err != nil {
			if errors.Is(err, ErrDuplicateHealthID) {
				continue
			}
			return nil, err
		}
		if block.TotalHIDs == 0 || body < block.BeginsAt {
			block.BeginsAt = body
		}
		if body > block.EndsAt {
			block.EndsAt = body
		}
		block.TotalHIDs++
	}
	block.SeriesNo = block.BeginsAt / Min10DigitNumber

	if block.TotalHIDs > 0 {
		if err := s.repo.SaveBlock(ctx, block); err != nil {
			return nil, err
		}
	}
	s.logger.Info().Int64("requested", total).Int64("generated", block.TotalHIDs).
		Int64("worker_id", s.generator.WorkerID()).Msg("generated time based hids")
	return block, nil
}

// ListBlocks returns the generation history, newest first.
func (s *Service) ListBlocks(ctx context.Context, limit, offset int) ([]*GeneratedBlock, int, error) {
	return s.repo.ListBlocks(ctx, limit, offset)
}

// -- Org HIDs --

// ValidateOrgHealthID checks that hid is a well-formed organization HID
// allocated to facilityID and not used yet.
func (s *Service) ValidateOrgHealthID(ctx context.Context, hid, facilityID string) (ValidationOutcome, error) {
	if err := Validate(hid); err != nil {
		return ValidationOutcome{HID: hid, Reason: ReasonInvalidHID}, nil
	}
	if s.validator.IsMciIssued(hid) {
		return ValidationOutcome{HID: hid, Reason: ReasonMciIssued}, nil
	}
	if s.validator.IsInvalidOrgPattern(hid) {
		return ValidationOutcome{HID: hid, Reason: ReasonInvalidPattern}, nil
	}

	orgHID, err := s.repo.GetOrgHealthID(ctx, hid)
	if errors.Is(err, ErrNotFound) {
		orgHID, err = nil, nil
	}
	if err != nil {
		return ValidationOutcome{}, err
	}
	out := s.validator.ValidateForOrg(orgHID, facilityID)
	out.HID = hid
	return out, nil
}

// UseOrgHealthID validates hid for facilityID and marks it used.
func (s *Service) UseOrgHealthID(ctx context.Context, hid, facilityID string) (ValidationOutcome, error) {
	out, err := s.ValidateOrgHealthID(ctx, hid, facilityID)
	if err != nil || !out.Valid {
		return out, err
	}
	if err := s.repo.MarkOrgHealthIDUsed(ctx, hid, s.now().UTC()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ValidationOutcome{HID: hid, Reason: ReasonAlreadyUsed}, nil
		}
		return ValidationOutcome{}, err
	}
	return out, nil
}
