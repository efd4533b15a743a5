package statistics

import (
	"time"

	"platform-economy/services/commission"
	"platform-economy/services/ledger"
	"platform-economy/services/referral"

	"github.com/shopspring/decimal"
)

// Overview is a read-only projection over the economy tables. Coin figures
// honour WindowDays; commission totals are all time.
type Overview struct {
	WindowDays  int                                          `json:"window_days"`
	GeneratedAt time.Time                                    `json:"generated_at"`
	Coins       CoinOverview                                 `json:"coins"`
	Coupons     CouponOverview                               `json:"coupons"`
	Referrals   map[referral.Status]int64                    `json:"referrals"`
	Commissions map[commission.Status]commission.StatusTotal `json:"commissions"`
}

type CoinOverview struct {
	Issued   int64                             `json:"issued"`
	Spent    int64                             `json:"spent"`
	BySource map[ledger.SourceType]ledger.Total `json:"by_source"`
	Holders  int64                             `json:"holders"`
}

type CouponOverview struct {
	Applied       int64           `json:"applied"`
	Reversed      int64           `json:"reversed"`
	TotalDiscount decimal.Decimal `json:"total_discount"`
}
