package tally

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

type Mode string

const (
	ModeSaga   Mode = "saga"
	ModeAtomic Mode = "atomic"
)

type ServiceDeps struct {
	Store   Store
	Applier Applier // nil => только сага
	Locker  KeyLocker
	Log     *zap.Logger
	Hooks   Hooks

	Mode           Mode
	MaxReconcile   int
	RetryAttempts  uint64
	RetryBaseDelay time.Duration
}

type Service struct {
	store   Store
	applier Applier
	locker  KeyLocker
	coord   *Coordinator
	ledger  *Ledger
	writer  *Writer
	log     *zap.Logger
	hooks   Hooks

	mode      Mode
	attempts  uint64
	baseDelay time.Duration
}

func NewService(deps ServiceDeps) *Service {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Hooks == nil {
		deps.Hooks = noopHooks{}
	}
	if deps.Locker == nil {
		deps.Locker = NewSemaphoreLocker(0)
	}
	if deps.Mode == "" {
		deps.Mode = ModeSaga
	}
	if deps.Mode == ModeAtomic && deps.Applier == nil {
		deps.Log.Warn("atomic apply requested without applier, falling back to saga")
		deps.Mode = ModeSaga
	}
	if deps.RetryBaseDelay <= 0 {
		deps.RetryBaseDelay = 50 * time.Millisecond
	}
	return &Service{
		store:   deps.Store,
		applier: deps.Applier,
		locker:  deps.Locker,
		coord: NewCoordinator(CoordinatorDeps{
			Store:        deps.Store,
			Log:          deps.Log.Named("saga"),
			Hooks:        deps.Hooks,
			MaxReconcile: deps.MaxReconcile,
		}),
		ledger:    NewLedger(deps.Store),
		writer:    NewWriter(deps.Store),
		log:       deps.Log,
		hooks:     deps.Hooks,
		mode:      deps.Mode,
		attempts:  deps.RetryAttempts,
		baseDelay: deps.RetryBaseDelay,
	}
}

func (s *Service) Mode() Mode { return s.mode }

// Apply записывает целевое состояние карточки и возвращает итоговую согласованную версию.
// При retryable-ошибке операция перезапускается целиком с первого шага.
func (s *Service) Apply(ctx context.Context, key string, st DesiredState) (Result, error) {
	key = normalizeKey(key)
	if key == "" {
		return Result{}, validationf("tally_card_number is required")
	}
	rc, err := ParseReason(string(st.ReasonCode))
	if err != nil {
		return Result{}, err
	}
	st.ReasonCode = rc
	st.Note = normalizeNote(st.Note)
	if _, err := PrepareRows(st.Rows); err != nil {
		return Result{}, err
	}

	start := time.Now()
	var res Result
	attempt := 0
	backoff := retry.WithMaxRetries(s.attempts, retry.NewExponential(s.baseDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			s.hooks.IncRetry(string(s.mode))
		}
		r, err := s.applyOnce(ctx, key, st)
		if err != nil {
			if IsRetryable(err) {
				s.log.Warn("apply failed, retrying",
					zap.String("tally_card_number", key),
					zap.Int("attempt", attempt),
					zap.Error(err))
				return retry.RetryableError(err)
			}
			return err
		}
		res = r
		return nil
	})
	s.hooks.ObserveApply(string(s.mode), err, time.Since(start))
	if err != nil {
		s.log.Error("apply failed",
			zap.String("tally_card_number", key),
			zap.String("step", string(StepOf(err))),
			zap.Error(err))
		return Result{}, err
	}
	s.log.Info("adjustment applied",
		zap.String("tally_card_number", key),
		zap.Stringer("version_id", res.VersionID),
		zap.Int("locations", len(res.Rows)))
	return res, nil
}

func (s *Service) applyOnce(ctx context.Context, key string, st DesiredState) (Result, error) {
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	if s.mode == ModeAtomic {
		return s.applier.ApplyAdjustment(ctx, key, st)
	}
	return s.coord.Run(ctx, key, st)
}

// Current: текущая версия и её строки.
func (s *Service) Current(ctx context.Context, key string) (*Entry, []LocationRow, error) {
	cur, err := NewResolver(s.store, s.log).Resolve(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if cur == nil {
		return nil, nil, fmt.Errorf("%s: %w", normalizeKey(key), ErrNotFound)
	}
	rows, err := s.store.ListLocations(ctx, cur.ID)
	if err != nil {
		return nil, nil, err
	}
	return cur, rows, nil
}

func (s *Service) History(ctx context.Context, key string) ([]Entry, error) {
	key = normalizeKey(key)
	if key == "" {
		return nil, validationf("tally_card_number is required")
	}
	out, err := s.store.ListEntries(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return out, nil
}

func (s *Service) WriteMetadata(ctx context.Context, key string, reason ReasonCode, note *string) (*Entry, error) {
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.writer.WriteMetadata(ctx, key, reason, note)
}

// ReplaceLocations: примитив ledger'а для внешнего вызова (шаги 2 и 5 саги на стороне клиента).
// versionID должен быть текущей версией, previous: версией той же карточки.
func (s *Service) ReplaceLocations(ctx context.Context, versionID uuid.UUID, rows []DesiredRow, previous uuid.UUID) ([]LocationRow, error) {
	if _, err := PrepareRows(rows); err != nil {
		return nil, err
	}
	e, err := s.entry(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if previous != uuid.Nil && previous != versionID {
		prev, err := s.entry(ctx, previous)
		if err != nil {
			return nil, err
		}
		if prev.TallyCardNumber != e.TallyCardNumber {
			return nil, validationf("previous version %s belongs to %q, not %q", previous, prev.TallyCardNumber, e.TallyCardNumber)
		}
	}

	unlock, err := s.locker.Lock(ctx, e.TallyCardNumber)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.ensureCurrent(ctx, e); err != nil {
		return nil, err
	}
	return s.ledger.Replace(ctx, versionID, rows, previous)
}

// PatchAggregate пишет агрегат, только если он совпадает с посчитанным по сохранённым строкам.
func (s *Service) PatchAggregate(ctx context.Context, versionID uuid.UUID, claimed Aggregate) (*Entry, error) {
	e, err := s.entry(ctx, versionID)
	if err != nil {
		return nil, err
	}
	unlock, err := s.locker.Lock(ctx, e.TallyCardNumber)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.ensureCurrent(ctx, e); err != nil {
		return nil, err
	}
	rows, err := s.store.ListLocations(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("version %s: %w", versionID, ErrIncomplete)
	}
	actual := Compute(rows)
	claim := Entry{Qty: claimed.Qty, Location: claimed.Location, MultiLocation: claimed.MultiLocation}
	if !claim.Matches(actual) {
		return nil, fmt.Errorf("version %s: %w", versionID, ErrAggregateMismatch)
	}
	return s.writer.WriteAggregate(ctx, versionID, actual)
}

func (s *Service) Locations(ctx context.Context, versionID uuid.UUID) ([]LocationRow, error) {
	if _, err := s.entry(ctx, versionID); err != nil {
		return nil, err
	}
	return s.store.ListLocations(ctx, versionID)
}

// ensureCurrent вызывается под блокировкой ключа: писать можно только поверх текущей версии.
func (s *Service) ensureCurrent(ctx context.Context, e *Entry) error {
	cur, err := NewResolver(s.store, s.log).Resolve(ctx, e.TallyCardNumber)
	if err != nil {
		return err
	}
	if cur == nil || cur.ID != e.ID {
		current := uuid.Nil
		if cur != nil {
			current = cur.ID
		}
		return fmt.Errorf("version %s (current %s): %w", e.ID, current, ErrStaleVersion)
	}
	return nil
}

func (s *Service) entry(ctx context.Context, id uuid.UUID) (*Entry, error) {
	if id == uuid.Nil {
		return nil, validationf("version id is required")
	}
	e, err := s.store.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("version %s: %w", id, ErrNotFound)
	}
	return e, nil
}
