package tally

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultMaxReconcile = 3

type CoordinatorDeps struct {
	Store        Store
	Log          *zap.Logger
	Hooks        Hooks
	MaxReconcile int
}

// Coordinator ведёт сагу записи: resolve-or-create → локации под v0 → агрегат →
// запись агрегата → перенос локаций на новую версию, пока текущая версия не перестанет меняться.
// Между шагами транзакции нет: упавший шаг оставляет промежуточное состояние,
// вызывающий перезапускает сагу целиком.
type Coordinator struct {
	resolver *Resolver
	ledger   *Ledger
	writer   *Writer
	log      *zap.Logger
	hooks    Hooks
	max      int
}

func NewCoordinator(deps CoordinatorDeps) *Coordinator {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Hooks == nil {
		deps.Hooks = noopHooks{}
	}
	if deps.MaxReconcile <= 0 {
		deps.MaxReconcile = DefaultMaxReconcile
	}
	return &Coordinator{
		resolver: NewResolver(deps.Store, deps.Log),
		ledger:   NewLedger(deps.Store),
		writer:   NewWriter(deps.Store),
		log:      deps.Log,
		hooks:    deps.Hooks,
		max:      deps.MaxReconcile,
	}
}

func (c *Coordinator) step(step Step, err error) error {
	c.hooks.ObserveStep(step, err)
	return stepErr(step, err)
}

func (c *Coordinator) Run(ctx context.Context, key string, st DesiredState) (Result, error) {
	key = normalizeKey(key)
	if key == "" {
		return Result{}, validationf("tally_card_number is required")
	}
	reason, err := ParseReason(string(st.ReasonCode))
	if err != nil {
		return Result{}, err
	}
	if _, err := PrepareRows(st.Rows); err != nil {
		return Result{}, err
	}
	note := normalizeNote(st.Note)
	log := c.log.With(zap.String("tally_card_number", key))

	// 1. resolve-or-create
	cur, err := c.resolver.Verify(ctx, key, st.VersionHint)
	if err != nil {
		return Result{}, c.step(StepResolve, err)
	}
	c.hooks.ObserveStep(StepResolve, nil)

	var (
		v0    *Entry
		stale uuid.UUID
	)
	switch {
	case cur == nil:
		v0, err = c.writer.WriteMetadata(ctx, key, reason, note)
	case !cur.sameMetadata(reason, note):
		v0, err = c.writer.WriteMetadata(ctx, key, reason, note)
		stale = cur.ID
	default:
		v0 = cur
	}
	if err != nil {
		return Result{}, c.step(StepMetadata, err)
	}
	if v0 != cur {
		c.hooks.ObserveStep(StepMetadata, nil)
	}

	// 2. локации под v0; строки любых других версий ключа (прежняя текущая,
	// остатки упавшего прогона) удаляются в том же replace
	owners, err := c.ledger.Owners(ctx, key)
	if err != nil {
		return Result{}, c.step(StepStage, err)
	}
	rows, err := c.ledger.Replace(ctx, v0.ID, st.Rows, append(owners, stale)...)
	if err != nil {
		return Result{}, c.step(StepStage, err)
	}
	c.hooks.ObserveStep(StepStage, nil)

	target := v0
	written := false
	for iter := 1; iter <= c.max; iter++ {
		// 3-4. агрегат только из сохранённых строк; первая запись обязательна всегда
		agg := Compute(rows)
		if !written || !target.Matches(agg) {
			next, err := c.writer.WriteAggregate(ctx, target.ID, agg)
			if err != nil {
				return Result{}, c.step(StepAggregate, err)
			}
			c.hooks.ObserveStep(StepAggregate, nil)
			written = true

			// 5. строки всё ещё под target, переносим на новую версию
			if next.ID != target.ID {
				rows, err = c.ledger.Replace(ctx, next.ID, st.Rows, target.ID)
				if err != nil {
					return Result{}, c.step(StepMigrate, err)
				}
				c.hooks.ObserveStep(StepMigrate, nil)
			}
			target = next
		}

		latest, err := c.resolver.Resolve(ctx, key)
		if err != nil {
			return Result{}, c.step(StepResolve, err)
		}
		if latest == nil {
			return Result{}, c.step(StepResolve, fmt.Errorf("%s vanished: %w", key, ErrNotFound))
		}

		if latest.ID == target.ID {
			if err := CheckComplete(*latest, rows); err == nil {
				c.hooks.ObserveReconcile(iter)
				log.Debug("saga converged", zap.Stringer("version_id", latest.ID), zap.Int("iterations", iter))
				return Result{VersionID: latest.ID, Entry: *latest, Rows: rows, Iterations: iter}, nil
			}
			target = latest
			continue
		}

		// хранилище само создало ещё одну версию (триггер версионирования), догоняем её
		log.Debug("version moved during saga",
			zap.Stringer("targeted", target.ID),
			zap.Stringer("current", latest.ID),
			zap.Int("iteration", iter))
		rows, err = c.ledger.Replace(ctx, latest.ID, st.Rows, target.ID)
		if err != nil {
			return Result{}, c.step(StepMigrate, err)
		}
		c.hooks.ObserveStep(StepMigrate, nil)
		target = latest
	}

	c.hooks.ObserveReconcile(c.max)
	log.Warn("saga did not converge", zap.Int("max_reconcile", c.max), zap.Stringer("last_target", target.ID))
	return Result{}, c.step(StepReconcile, fmt.Errorf("after %d iterations: %w", c.max, ErrReconcileExhausted))
}
