package tally

import "time"

// Hooks: точки для метрик; реализация в internal/infra/metrics.
type Hooks interface {
	ObserveStep(step Step, err error)
	ObserveReconcile(iterations int)
	ObserveApply(mode string, err error, dur time.Duration)
	IncRetry(mode string)
}

type noopHooks struct{}

func (noopHooks) ObserveStep(Step, error) {}
func (noopHooks) ObserveReconcile(int) {}
func (noopHooks) ObserveApply(string, error, time.Duration) {}
func (noopHooks) IncRetry(string) {}
