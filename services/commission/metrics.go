package commission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var transitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "economy_commission_transitions_total",
	Help: "Commission payment status transitions. An empty from marks creation.",
}, []string{"from", "to"})
