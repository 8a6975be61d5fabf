package rollup

import "github.com/prometheus/client_golang/prometheus"

var (
	pagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ismctl",
			Subsystem: "rollup",
			Name:      "pages_processed_total",
			Help:      "Total number of composite-search pages processed per rollup job",
		},
		[]string{"job"},
	)

	pagesIndexed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ismctl",
			Subsystem: "rollup",
			Name:      "documents_indexed_total",
			Help:      "Total number of summary documents indexed per rollup job",
		},
		[]string{"job"},
	)

	pageFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ismctl",
			Subsystem: "rollup",
			Name:      "page_failures_total",
			Help:      "Total number of composite-search page failures per rollup job",
		},
		[]string{"job"},
	)
)

func init() {
	prometheus.MustRegister(pagesProcessed, pagesIndexed, pageFailures)
}
