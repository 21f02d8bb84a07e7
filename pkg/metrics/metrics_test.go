package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherCounter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	regA, regB := prometheus.NewRegistry(), prometheus.NewRegistry()
	first := NewWithRegisterer(regA, "clinic", "api")
	NewWithRegisterer(regB, "clinic", "api")

	first.Transitions.WithLabelValues("enqueue", "success").Inc()

	assert.Equal(t, float64(1), gatherCounter(t, regA, "clinic_api_visit_transitions_total"))
	assert.Equal(t, float64(0), gatherCounter(t, regB, "clinic_api_visit_transitions_total"))
}

func TestReaperSweepsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegisterer(reg, "clinic", "worker")
	m.ReaperSweeps.Inc()
	m.ReaperSweeps.Inc()

	assert.Equal(t, float64(2), gatherCounter(t, reg, "clinic_worker_reaper_sweeps_total"))
}

func TestResult(t *testing.T) {
	assert.Equal(t, "success", Result(nil))
	assert.Equal(t, "error", Result(errors.New("x")))
}
