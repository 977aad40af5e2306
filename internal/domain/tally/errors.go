package tally

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrValidation: ошибка входных данных, исправляется вызывающим.
	ErrValidation = errors.New("tally validation")
	ErrNotFound   = errors.New("tally card not found")

	ErrResolve        = errors.New("resolve current version failed")
	ErrLedgerReplace  = errors.New("replace locations failed")
	ErrAggregateWrite = errors.New("aggregate write failed")
	ErrMigration      = errors.New("location migration failed")
	// ErrReconcileExhausted: версия продолжала меняться дольше MaxReconcile итераций.
	ErrReconcileExhausted = errors.New("reconcile did not converge")

	ErrAggregateMismatch = errors.New("aggregate does not match persisted locations")
	ErrIncomplete        = errors.New("version has no locations")
	ErrLockTimeout       = errors.New("tally card is locked by another writer")
	// ErrStaleVersion: id от клиента уже не текущая версия карточки.
	ErrStaleVersion = errors.New("version is not current")
)

type Step string

const (
	StepResolve   Step = "resolve"
	StepMetadata  Step = "metadata"
	StepStage     Step = "stage_locations"
	StepAggregate Step = "aggregate_write"
	StepMigrate   Step = "migrate_locations"
	StepReconcile Step = "reconcile"
)

var stepSentinels = map[Step]error{
	StepResolve:   ErrResolve,
	StepMetadata:  ErrResolve,
	StepStage:     ErrLedgerReplace,
	StepAggregate: ErrAggregateWrite,
	StepMigrate:   ErrMigration,
	StepReconcile: ErrReconcileExhausted,
}

// StepError говорит, на каком шаге саги упала запись.
// errors.Is срабатывает и на sentinel шага, и на исходную ошибку.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("tally saga %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() []error {
	out := []error{e.Err}
	if s, ok := stepSentinels[e.Step]; ok {
		out = append(out, s)
	}
	return out
}

func stepErr(step Step, err error) error {
	if err == nil {
		return nil
	}
	var se *StepError
	if errors.As(err, &se) {
		return err
	}
	return &StepError{Step: step, Err: err}
}

// StepOf возвращает шаг саги, на котором произошла ошибка ("" если ошибка не из саги).
func StepOf(err error) Step {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return ""
}

func validationf(format string, args ...any) error {
	return errors.Join(ErrValidation, fmt.Errorf(format, args...))
}

// IsRetryable: можно ли перезапустить всю операцию с начала.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAggregateMismatch) || errors.Is(err, ErrStaleVersion) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrReconcileExhausted) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "40001", "40P01", "55P03": // serialization / deadlock / lock_not_available
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") || strings.Contains(msg, "serialization")
}
