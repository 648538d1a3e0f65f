package bufferpool

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cipherkv",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Page fetches served from a resident frame.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cipherkv",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Page fetches that read and opened a sealed page.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cipherkv",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Clean frames handed over to another page.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.evictions)
	}
	return m
}
