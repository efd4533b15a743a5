package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ledgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "economy_ledger_entries_total",
	Help: "Ledger entries appended, by direction and source type.",
}, []string{"direction", "source_type"})
