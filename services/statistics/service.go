package statistics

import (
	"context"
	"strconv"
	"time"

	"platform-economy/pkg/config"
	"platform-economy/pkg/logger"
	"platform-economy/services/commission"
	"platform-economy/services/coupon"
	"platform-economy/services/ledger"
	"platform-economy/services/referral"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type Service struct {
	db         *gorm.DB
	ledger     *ledger.Service
	commission *commission.Service
	cache      *overviewCache
	now        func() time.Time
}

type ServiceParams struct {
	fx.In
	DB         *gorm.DB
	Config     *config.Config
	Ledger     *ledger.Service
	Commission *commission.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:         p.DB,
		ledger:     p.Ledger,
		commission: p.Commission,
		cache:      newOverviewCache(p.Config.Economy.StatsCacheTTL),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Overview returns the economy projection for the last windowDays days
// (all time when windowDays <= 0). Concurrent callers for the same window
// share one computation.
func (s *Service) Overview(ctx context.Context, windowDays int) (*Overview, error) {
	if windowDays < 0 {
		windowDays = 0
	}
	if o, ok := s.cache.get(windowDays); ok {
		cacheHits.Inc()
		return o, nil
	}
	cacheMiss.Inc()

	v, err, _ := s.cache.group.Do(strconv.Itoa(windowDays), func() (any, error) {
		o, err := s.compute(context.WithoutCancel(ctx), windowDays)
		if err != nil {
			return nil, err
		}
		s.cache.set(windowDays, o)
		return o, nil
	})
	if err != nil {
		logger.L(ctx).Error("failed to compute overview", zap.Int("window_days", windowDays), zap.Error(err))
		return nil, err
	}
	return v.(*Overview), nil
}

// Invalidate drops every cached overview.
func (s *Service) Invalidate() {
	s.cache.invalidate()
}

func (s *Service) compute(ctx context.Context, windowDays int) (*Overview, error) {
	o := &Overview{WindowDays: windowDays, GeneratedAt: s.now()}
	var since time.Time
	if windowDays > 0 {
		since = o.GeneratedAt.AddDate(0, 0, -windowDays)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stats, err := s.ledger.Statistics(gctx, "", windowDays)
		if err != nil {
			return err
		}
		o.Coins.Issued = stats.TotalEarned
		o.Coins.Spent = stats.TotalSpent
		o.Coins.BySource = stats.BySourceType
		return nil
	})
	g.Go(func() error {
		n, err := s.ledger.CountHolders(gctx)
		o.Coins.Holders = n
		return err
	})
	g.Go(func() error {
		c, err := s.couponOverview(gctx, since)
		if err != nil {
			return err
		}
		o.Coupons = *c
		return nil
	})
	g.Go(func() error {
		r, err := s.referralsByStatus(gctx, since)
		o.Referrals = r
		return err
	})
	g.Go(func() error {
		stats, err := s.commission.GetPaymentStatistics(gctx, "")
		if err != nil {
			return err
		}
		o.Commissions = stats.ByStatus
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return o, nil
}

type usageRow struct {
	Status coupon.UsageStatus
	Cnt    int64
	Total  decimal.Decimal
}

func (s *Service) couponOverview(ctx context.Context, since time.Time) (*CouponOverview, error) {
	q := s.db.WithContext(ctx).Model(&coupon.CouponUsage{}).
		Select("status, COUNT(*) AS cnt, COALESCE(SUM(discount_applied), 0) AS total").
		Group("status")
	if !since.IsZero() {
		q = q.Where("used_at >= ?", since)
	}

	var rows []usageRow
	if err := q.Scan(&rows).Error; err != nil {
		return nil, err
	}

	out := &CouponOverview{TotalDiscount: decimal.Zero}
	for _, r := range rows {
		switch r.Status {
		case coupon.UsageApplied:
			out.Applied = r.Cnt
			out.TotalDiscount = r.Total
		case coupon.UsageReversed:
			out.Reversed = r.Cnt
		}
	}
	return out, nil
}

type referralRow struct {
	Status referral.Status
	Cnt    int64
}

func (s *Service) referralsByStatus(ctx context.Context, since time.Time) (map[referral.Status]int64, error) {
	q := s.db.WithContext(ctx).Model(&referral.Referral{}).
		Select("status, COUNT(*) AS cnt").
		Group("status")
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}

	var rows []referralRow
	if err := q.Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := map[referral.Status]int64{
		referral.StatusPending:   0,
		referral.StatusCompleted: 0,
	}
	for _, r := range rows {
		out[r.Status] = r.Cnt
	}
	return out, nil
}
