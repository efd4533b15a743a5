package reward

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	awardsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "economy_awards_issued_total",
		Help: "Rewards credited, by source type.",
	}, []string{"source_type"})

	awardsDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "economy_awards_deduplicated_total",
		Help: "Award requests answered from an earlier award.",
	}, []string{"source_type"})
)
