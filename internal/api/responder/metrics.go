package responder

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/certforge/certforge/internal/pending"
)

// Metrics instruments the responder.
type Metrics struct {
	commands *prometheus.CounterVec
	pool     prometheus.GaugeFunc
	reg      prometheus.Registerer
}

// NewMetrics registers the responder's collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "certforge",
			Name:      "commands_total",
			Help:      "Commands handled, by command and outcome code.",
		}, []string{"command", "code"}),
		reg: reg,
	}
	reg.MustRegister(m.commands)
	return m
}

func (m *Metrics) observeCommand(command, code string) {
	m.commands.WithLabelValues(command, code).Inc()
}

// observePool exposes the pending-pool size as a gauge. Called once the
// pool exists.
func (m *Metrics) observePool(pool *pending.Pool) {
	m.pool = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "certforge",
		Name:      "pending_certificates",
		Help:      "Certificates awaiting explicit confirmation.",
	}, func() float64 { return float64(pool.Size()) })
	m.reg.MustRegister(m.pool)
}
