package coupon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"platform-economy/pkg/errutil"
)

var (
	validations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "economy_coupon_validations_total",
		Help: "Coupon validations, by outcome.",
	}, []string{"outcome"})

	usesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "economy_coupon_usages_total",
		Help: "Coupon use attempts and reversals, by outcome.",
	}, []string{"outcome"})
)

func outcome(res *ValidationResult) string {
	if res.Valid {
		return "valid"
	}
	return string(res.Reason)
}

func usageOutcome(err error) string {
	if r := errutil.ReasonOf(err); r != "" {
		return string(r)
	}
	return "error"
}
