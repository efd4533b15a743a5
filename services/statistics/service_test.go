package statistics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"platform-economy/pkg/config"
	"platform-economy/pkg/db"
	"platform-economy/services/commission"
	"platform-economy/services/coupon"
	"platform-economy/services/ledger"
	"platform-economy/services/referral"
	"platform-economy/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	svc        *Service
	ledger     *ledger.Service
	commission *commission.Service
	db         *gorm.DB
}

func newFixture(t *testing.T, ttl time.Duration) *fixture {
	t.Helper()
	gdb := testutil.NewTestDB(t,
		&ledger.CoinBalance{}, &ledger.CoinTransaction{},
		&coupon.CouponCode{}, &coupon.CouponUsage{},
		&referral.Referral{}, &commission.CommissionPayment{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Economy.AffiliateCommissionRate = "0.10"
	cfg.Economy.StatsCacheTTL = ttl

	transactor := db.NewTransactorWithRetries(gdb, 3)
	led := ledger.NewService(ledger.ServiceParams{DB: gdb, Transactor: transactor, Node: node})
	com, err := commission.NewService(commission.ServiceParams{DB: gdb, Transactor: transactor, Node: node, Config: cfg})
	require.NoError(t, err)

	svc := NewService(ServiceParams{DB: gdb, Config: cfg, Ledger: led, Commission: com})
	return &fixture{svc: svc, ledger: led, commission: com, db: gdb}
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	_, err := f.ledger.Credit(ctx, ledger.EntryParams{UserID: "alice", Amount: 100, SourceType: ledger.SourceQuiz, SourceID: "q1"})
	require.NoError(t, err)
	_, err = f.ledger.Credit(ctx, ledger.EntryParams{UserID: "bob", Amount: 40, SourceType: ledger.SourceReferral, SourceID: "r1"})
	require.NoError(t, err)
	_, err = f.ledger.Debit(ctx, ledger.EntryParams{UserID: "bob", Amount: 40, SourceType: ledger.SourceRedemption, SourceID: "o1"})
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, f.db.Create([]*coupon.CouponUsage{
		{ID: "u1", CouponCodeID: "c1", UserID: "alice", OrderAmount: decimal.NewFromInt(50), DiscountApplied: decimal.NewFromInt(5), Status: coupon.UsageApplied, UsedAt: now},
		{ID: "u2", CouponCodeID: "c1", UserID: "bob", OrderAmount: decimal.NewFromInt(50), DiscountApplied: decimal.NewFromInt(7), Status: coupon.UsageApplied, UsedAt: now},
		{ID: "u3", CouponCodeID: "c1", UserID: "carol", OrderAmount: decimal.NewFromInt(50), DiscountApplied: decimal.NewFromInt(5), Status: coupon.UsageReversed, UsedAt: now},
	}).Error)

	require.NoError(t, f.db.Create([]*referral.Referral{
		{ID: "r1", ReferrerUserID: "alice", ReferredUserID: "bob", Code: "RA", Status: referral.StatusCompleted},
		{ID: "r2", ReferrerUserID: "alice", ReferredUserID: "carol", Code: "RA", Status: referral.StatusPending},
	}).Error)

	_, err = f.commission.AccrueCommission(ctx, commission.AccrueParams{PartnerID: "aff", SourceID: "u1", OrderAmount: decimal.NewFromInt(50)})
	require.NoError(t, err)
}

func TestOverview(t *testing.T) {
	f := newFixture(t, 0)
	f.seed(t)

	o, err := f.svc.Overview(context.Background(), 30)
	require.NoError(t, err)

	require.Equal(t, 30, o.WindowDays)
	require.Equal(t, int64(140), o.Coins.Issued)
	require.Equal(t, int64(40), o.Coins.Spent)
	require.Equal(t, int64(100), o.Coins.BySource[ledger.SourceQuiz].Earned)
	require.Equal(t, int64(1), o.Coins.Holders)

	require.Equal(t, int64(2), o.Coupons.Applied)
	require.Equal(t, int64(1), o.Coupons.Reversed)
	require.True(t, decimal.NewFromInt(12).Equal(o.Coupons.TotalDiscount), o.Coupons.TotalDiscount.String())

	require.Equal(t, int64(1), o.Referrals[referral.StatusCompleted])
	require.Equal(t, int64(1), o.Referrals[referral.StatusPending])

	require.Equal(t, int64(1), o.Commissions[commission.StatusPending].Count)
}

func TestOverviewEmpty(t *testing.T) {
	f := newFixture(t, 0)

	o, err := f.svc.Overview(context.Background(), -5)
	require.NoError(t, err)
	require.Zero(t, o.WindowDays)
	require.Zero(t, o.Coins.Issued)
	require.True(t, o.Coupons.TotalDiscount.IsZero())
	require.Equal(t, int64(0), o.Referrals[referral.StatusPending])
}

func TestOverviewCache(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	clock := time.Now()
	f.svc.cache.now = func() time.Time { return clock }

	first, err := f.svc.Overview(ctx, 7)
	require.NoError(t, err)
	require.Zero(t, first.Coins.Issued)

	_, err = f.ledger.Credit(ctx, ledger.EntryParams{UserID: "alice", Amount: 10, SourceType: ledger.SourceQuiz, SourceID: "q1"})
	require.NoError(t, err)

	cachedOverview, err := f.svc.Overview(ctx, 7)
	require.NoError(t, err)
	require.Same(t, first, cachedOverview)

	other, err := f.svc.Overview(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, int64(10), other.Coins.Issued)

	clock = clock.Add(2 * time.Minute)
	fresh, err := f.svc.Overview(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(10), fresh.Coins.Issued)

	_, err = f.ledger.Credit(ctx, ledger.EntryParams{UserID: "alice", Amount: 5, SourceType: ledger.SourceQuiz, SourceID: "q2"})
	require.NoError(t, err)
	f.svc.Invalidate()
	again, err := f.svc.Overview(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(15), again.Coins.Issued)
}

func TestOverviewConcurrentCallers(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.seed(t)

	var wg sync.WaitGroup
	results := make([]*Overview, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := f.svc.Overview(context.Background(), 30)
			require.NoError(t, err)
			results[i] = o
		}()
	}
	wg.Wait()

	for _, o := range results {
		require.Equal(t, int64(140), o.Coins.Issued)
	}
}
