package observability

import "github.com/prometheus/client_golang/prometheus"

// SerialMetrics counts serial issuance and verification outcomes. A nil
// receiver is a no-op.
type SerialMetrics struct {
	issued        prometheus.Counter
	redraws       prometheus.Counter
	exhausted     prometheus.Counter
	verifications *prometheus.CounterVec
}

func newSerialMetrics(registerer prometheus.Registerer) *SerialMetrics {
	issued := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zsindia_serials_issued_total",
		Help: "Serial records issued by batch generation.",
	})
	redraws := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zsindia_serials_collision_redraws_total",
		Help: "Candidate codes redrawn because they were already issued.",
	})
	exhausted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zsindia_serials_namespace_exhausted_total",
		Help: "Batches aborted because a code exceeded its redraw budget.",
	})
	verifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zsindia_serials_verifications_total",
		Help: "Verification lookups partitioned by outcome.",
	}, []string{"outcome"})
	registerer.MustRegister(issued, redraws, exhausted, verifications)
	return &SerialMetrics{issued: issued, redraws: redraws, exhausted: exhausted, verifications: verifications}
}

// Issued adds n issued records.
func (m *SerialMetrics) Issued(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.issued.Add(float64(n))
}

// Redraw counts one collision redraw.
func (m *SerialMetrics) Redraw() {
	if m == nil {
		return
	}
	m.redraws.Inc()
}

// Exhausted counts one aborted batch.
func (m *SerialMetrics) Exhausted() {
	if m == nil {
		return
	}
	m.exhausted.Inc()
}

// Verification counts one resolution with the given outcome label.
func (m *SerialMetrics) Verification(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "valid"
	}
	m.verifications.WithLabelValues(outcome).Inc()
}
