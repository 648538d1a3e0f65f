package txns

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	commits     prometheus.Counter
	rollbacks   prometheus.Counter
	pagesLogged prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cipherkv",
			Subsystem: "txn",
			Name:      "commits_total",
			Help:      "Transactions whose pages reached the store.",
		}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cipherkv",
			Subsystem: "txn",
			Name:      "rollbacks_total",
			Help:      "Transactions rolled back explicitly or after a failed commit.",
		}),
		pagesLogged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cipherkv",
			Subsystem: "txn",
			Name:      "pages_logged_total",
			Help:      "After-images appended to the write-ahead log.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.commits, m.rollbacks, m.pagesLogged)
	}
	return m
}
