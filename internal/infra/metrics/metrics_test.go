package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Spok95/tallycards/internal/domain/tally"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveStep(tally.StepResolve, nil)
	m.ObserveStep(tally.StepResolve, nil)
	m.ObserveStep(tally.StepMigrate, errors.New("x"))
	m.ObserveReconcile(2)
	m.ObserveApply("saga", nil, 20*time.Millisecond)
	m.IncRetry("saga")

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := map[string]int{}
	for _, mf := range families {
		byName[mf.GetName()] = len(mf.GetMetric())
	}
	assert.Equal(t, 2, byName["tally_saga_steps_total"], "resolve/ok and migrate/error series")
	assert.Equal(t, 1, byName["tally_reconcile_iterations"])
	assert.Equal(t, 1, byName["tally_apply_duration_seconds"])
	assert.Equal(t, 1, byName["tally_apply_retries_total"])

	for _, mf := range families {
		if mf.GetName() != "tally_saga_steps_total" {
			continue
		}
		var total float64
		for _, s := range mf.GetMetric() {
			total += s.GetCounter().GetValue()
		}
		assert.Equal(t, 3.0, total)
	}
}

func TestNewTwiceOnSameRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
