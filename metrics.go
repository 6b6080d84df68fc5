package vault

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	operations *prometheus.CounterVec
	offloads   *prometheus.CounterVec
}

// newMetrics registers the engine counters with reg. A nil reg disables
// metrics. Counters already registered by another engine are shared.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		return nil, nil
	}

	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ouroboros",
		Subsystem: "vault",
		Name:      "operations_total",
		Help:      "Engine operations by name and result",
	}, []string{"op", "result"})
	offloads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ouroboros",
		Subsystem: "vault",
		Name:      "offloads_total",
		Help:      "Work items sent to the background pool by kind",
	}, []string{"kind"})

	var err error
	if operations, err = register(reg, operations); err != nil {
		return nil, err
	}
	if offloads, err = register(reg, offloads); err != nil {
		return nil, err
	}
	return &metrics{operations: operations, offloads: offloads}, nil
}

func register(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}

func (m *metrics) observe(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(op, result).Inc()
}

func (m *metrics) offload(kind string) {
	if m == nil {
		return
	}
	m.offloads.WithLabelValues(kind).Inc()
}
