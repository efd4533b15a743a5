package coupon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"platform-economy/pkg/celengine"
	"platform-economy/pkg/config"
	"platform-economy/pkg/db"
	"platform-economy/pkg/errutil"
	"platform-economy/pkg/taskname"
	"platform-economy/services/ledger"
	"platform-economy/services/reward"
	"platform-economy/services/task"
	"platform-economy/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type seqStub struct{ n atomic.Int64 }

func (s *seqStub) NextReferralCode(ctx context.Context) (string, error) { return "", nil }

func (s *seqStub) NextCouponCode(ctx context.Context) (string, error) {
	return "CPN-250314-GEN" + decimal.NewFromInt(s.n.Add(1)).String(), nil
}

func (s *seqStub) NextPaymentReference(ctx context.Context) (string, error) { return "", nil }

type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (e *recordingEnqueuer) Enqueue(ctx context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, t)
	return &asynq.TaskInfo{}, nil
}

type fixture struct {
	svc    *Service
	ledger *ledger.Service
	outbox *task.Service
	enq    *recordingEnqueuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := testutil.NewTestDB(t,
		&ledger.CoinBalance{}, &ledger.CoinTransaction{}, &reward.RedemptionOption{}, &task.Job{},
		&CouponCode{}, &CouponUsage{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Economy.CouponReferralBonus = 25

	engine, err := celengine.NewCouponEngine()
	require.NoError(t, err)

	transactor := db.NewTransactorWithRetries(gdb, 3)
	led := ledger.NewService(ledger.ServiceParams{DB: gdb, Transactor: transactor, Node: node})
	enq := &recordingEnqueuer{}
	outbox := task.NewService(task.Params{DB: gdb, Node: node, Config: cfg, Enqueuer: enq})
	rw := reward.NewService(reward.ServiceParams{DB: gdb, Ledger: led, Outbox: outbox, Node: node})

	svc := NewService(ServiceParams{
		DB:         gdb,
		Transactor: transactor,
		Node:       node,
		Config:     cfg,
		Sequence:   &seqStub{},
		CEL:        engine,
		Reward:     rw,
		Outbox:     outbox,
	})
	return &fixture{svc: svc, ledger: led, outbox: outbox, enq: enq}
}

func ptr[T any](v T) *T { return &v }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (f *fixture) create(t *testing.T, p CreateCouponParams) *CouponCode {
	t.Helper()
	c, err := f.svc.CreateCoupon(context.Background(), "admin", p)
	require.NoError(t, err)
	return c
}

func TestCreateCouponValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		p    CreateCouponParams
	}{
		{"unknown type", CreateCouponParams{Type: "bogus", DiscountValue: dec("1")}},
		{"percentage over 100", CreateCouponParams{Type: TypePercentage, DiscountValue: dec("120")}},
		{"fixed zero", CreateCouponParams{Type: TypeFixedAmount}},
		{"partner without id", CreateCouponParams{Type: TypeFixedAmount, DiscountValue: dec("5"), PartnerType: PartnerAffiliate}},
		{"bad expression", CreateCouponParams{Type: TypeFixedAmount, DiscountValue: dec("5"), EligibilityExpr: "amount +"}},
		{"non bool expression", CreateCouponParams{Type: TypeFixedAmount, DiscountValue: dec("5"), EligibilityExpr: "amount + 1.0"}},
		{"zero usage limit", CreateCouponParams{Type: TypeFixedAmount, DiscountValue: dec("5"), UsageLimit: ptr(int64(0))}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateCoupon(ctx, "admin", tc.p)
			require.ErrorIs(t, err, errutil.ErrInvalidArgument)
		})
	}
}

func TestCreateCouponNormalisesAndGeneratesCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c := f.create(t, CreateCouponParams{Code: "  save10 ", Type: TypePercentage, DiscountValue: dec("10")})
	require.Equal(t, "SAVE10", c.Code)
	require.True(t, c.IsActive)
	require.Equal(t, PartnerNone, c.PartnerType)

	_, err := f.svc.CreateCoupon(ctx, "admin", CreateCouponParams{Code: "Save10", Type: TypeFreeTrial})
	require.ErrorIs(t, err, errutil.ErrConflict)

	gen := f.create(t, CreateCouponParams{Type: TypeFreeTrial})
	require.Equal(t, "CPN-250314-GEN1", gen.Code)

	got, err := f.svc.GetCoupon(ctx, "save10")
	require.NoError(t, err)
	require.Equal(t, c.ID, got.ID)

	_, err = f.svc.GetCoupon(ctx, "missing")
	require.ErrorIs(t, err, errutil.ErrCouponNotFound)
}

func TestValidateCouponCodeReasons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	f.create(t, CreateCouponParams{Code: "OFF", Type: TypeFixedAmount, DiscountValue: dec("5")})
	_, err := f.svc.SetCouponActive(ctx, "OFF", false)
	require.NoError(t, err)
	f.create(t, CreateCouponParams{Code: "LATER", Type: TypeFixedAmount, DiscountValue: dec("5"), StartsAt: ptr(now.Add(time.Hour))})
	f.create(t, CreateCouponParams{Code: "OLD", Type: TypeFixedAmount, DiscountValue: dec("5"), StartsAt: ptr(now.Add(-2 * time.Hour)), ExpiresAt: ptr(now.Add(-time.Hour))})
	f.create(t, CreateCouponParams{Code: "MIN", Type: TypeFixedAmount, DiscountValue: dec("5"), MinimumAmount: dec("50")})
	f.create(t, CreateCouponParams{Code: "PRO", Type: TypeFixedAmount, DiscountValue: dec("5"), ApplicablePlans: []string{"pro"}})
	f.create(t, CreateCouponParams{Code: "BIG", Type: TypeFixedAmount, DiscountValue: dec("5"), EligibilityExpr: "amount >= 100.0"})

	cases := []struct {
		code   string
		amount string
		plan   string
		reason errutil.Reason
	}{
		{"NOPE", "10", "basic", errutil.ReasonCouponNotFound},
		{"OFF", "10", "basic", errutil.ReasonCouponInactive},
		{"LATER", "10", "basic", errutil.ReasonCouponNotStarted},
		{"OLD", "10", "basic", errutil.ReasonCouponExpired},
		{"MIN", "10", "basic", errutil.ReasonCouponMinimumNotMet},
		{"PRO", "10", "basic", errutil.ReasonCouponNotApplicable},
		{"BIG", "10", "basic", errutil.ReasonCouponNotApplicable},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			res, err := f.svc.ValidateCouponCode(ctx, tc.code, "alice", dec(tc.amount), tc.plan)
			require.NoError(t, err)
			require.False(t, res.Valid)
			require.Equal(t, tc.reason, res.Reason)
			require.True(t, res.Discount.IsZero())
		})
	}

	res, err := f.svc.ValidateCouponCode(ctx, "PRO", "alice", dec("10"), "pro")
	require.NoError(t, err)
	require.True(t, res.Valid)

	res, err = f.svc.ValidateCouponCode(ctx, "BIG", "alice", dec("150"), "basic")
	require.NoError(t, err)
	require.True(t, res.Valid)
}

func TestValidateCouponCodeDiscounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, CreateCouponParams{Code: "PCT", Type: TypePercentage, DiscountValue: dec("15")})
	f.create(t, CreateCouponParams{Code: "CAPPED", Type: TypePercentage, DiscountValue: dec("50"), MaximumDiscount: decimal.NewNullDecimal(dec("20"))})
	f.create(t, CreateCouponParams{Code: "FIXED", Type: TypeFixedAmount, DiscountValue: dec("30")})
	f.create(t, CreateCouponParams{Code: "TRIAL", Type: TypeFreeTrial})

	cases := []struct {
		code     string
		amount   string
		discount string
		trial    bool
	}{
		{"PCT", "99.99", "15", false},
		{"CAPPED", "100", "20", false},
		{"CAPPED", "30", "15", false},
		{"FIXED", "100", "30", false},
		{"FIXED", "12.50", "12.5", false},
		{"TRIAL", "49", "49", true},
	}
	for _, tc := range cases {
		res, err := f.svc.ValidateCouponCode(ctx, tc.code, "alice", dec(tc.amount), "basic")
		require.NoError(t, err)
		require.True(t, res.Valid, tc.code)
		require.True(t, dec(tc.discount).Equal(res.Discount), "%s on %s: got %s", tc.code, tc.amount, res.Discount)
		require.Equal(t, tc.trial, res.FreeTrial)
	}
}

func TestUseCouponCodeUserLimitAndReversal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, CreateCouponParams{Code: "ONCE", Type: TypeFixedAmount, DiscountValue: dec("5"), UserLimit: ptr(int64(1))})
	sub := Subscription{ID: "sub-1", PlanID: "basic", Amount: dec("20")}

	usage, err := f.svc.UseCouponCode(ctx, "ONCE", "alice", sub)
	require.NoError(t, err)
	require.Equal(t, UsageApplied, usage.Status)
	require.True(t, dec("5").Equal(usage.DiscountApplied))

	_, err = f.svc.UseCouponCode(ctx, "ONCE", "alice", Subscription{ID: "sub-2", PlanID: "basic", Amount: dec("20")})
	require.ErrorIs(t, err, errutil.ErrCouponLimitExceeded)

	_, err = f.svc.UseCouponCode(ctx, "ONCE", "bob", Subscription{ID: "sub-3", PlanID: "basic", Amount: dec("20")})
	require.NoError(t, err)

	reversed, err := f.svc.ReverseCouponUsage(ctx, usage.ID, "admin")
	require.NoError(t, err)
	require.Equal(t, UsageReversed, reversed.Status)
	require.Equal(t, "admin", reversed.ReversedBy)

	_, err = f.svc.ReverseCouponUsage(ctx, usage.ID, "admin")
	require.ErrorIs(t, err, errutil.ErrInvalidStateTransition)

	_, err = f.svc.ReverseCouponUsage(ctx, "missing", "admin")
	require.ErrorIs(t, err, errutil.ErrNotFound)

	// reversal frees the slot
	_, err = f.svc.UseCouponCode(ctx, "ONCE", "alice", sub)
	require.NoError(t, err)

	stats, err := f.svc.GetCouponStats(ctx, "ONCE")
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Applied)
	require.Equal(t, int64(1), stats.Reversed)
	require.Equal(t, int64(2), stats.UniqueUsers)
	require.True(t, dec("10").Equal(stats.TotalDiscount), stats.TotalDiscount.String())
	require.Nil(t, stats.Remaining)
}

func TestUseCouponCodeConcurrentGlobalLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, CreateCouponParams{Code: "LAST", Type: TypeFixedAmount, DiscountValue: dec("5"), UsageLimit: ptr(int64(1))})

	var (
		wg       sync.WaitGroup
		ok       atomic.Int32
		exceeded atomic.Int32
	)
	for _, user := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			_, err := f.svc.UseCouponCode(ctx, "LAST", user, Subscription{ID: "sub-" + user, PlanID: "basic", Amount: dec("20")})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, errutil.ErrCouponLimitExceeded):
				exceeded.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(user)
	}
	wg.Wait()

	require.Equal(t, int32(1), ok.Load())
	require.Equal(t, int32(1), exceeded.Load())

	stats, err := f.svc.GetCouponStats(ctx, "LAST")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Applied)
	require.NotNil(t, stats.Remaining)
	require.Equal(t, int64(0), *stats.Remaining)
}

func TestUseCouponCodeReferralPartnerEarnsCoins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, CreateCouponParams{Code: "CAROL", Type: TypePercentage, DiscountValue: dec("10"), PartnerType: PartnerReferral, PartnerID: "carol"})

	_, err := f.svc.UseCouponCode(ctx, "CAROL", "alice", Subscription{ID: "s1", PlanID: "basic", Amount: dec("40")})
	require.NoError(t, err)
	_, err = f.svc.UseCouponCode(ctx, "CAROL", "bob", Subscription{ID: "s2", PlanID: "basic", Amount: dec("40")})
	require.NoError(t, err)

	bal, err := f.ledger.GetBalance(ctx, "carol")
	require.NoError(t, err)
	require.Equal(t, int64(50), bal)

	page, err := f.ledger.ListTransactions(ctx, "carol", 10, 0)
	require.NoError(t, err)
	require.Len(t, page.Transactions, 2)
	require.Equal(t, ledger.SourceCoupon, page.Transactions[0].SourceType)
}

func TestUseCouponCodeAffiliateRecordsCommissionJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, CreateCouponParams{Code: "AFF", Type: TypeFixedAmount, DiscountValue: dec("10"), PartnerType: PartnerAffiliate, PartnerID: "partner-1"})

	usage, err := f.svc.UseCouponCode(ctx, "AFF", "alice", Subscription{ID: "s1", PlanID: "basic", Amount: dec("100")})
	require.NoError(t, err)

	job, err := f.outbox.GetJob(ctx, "coupon_usage:"+usage.ID)
	require.NoError(t, err)
	require.Equal(t, taskname.CommissionAccrue, job.TaskType)
	require.Equal(t, task.JobEnqueued, job.Status)

	require.Len(t, f.enq.tasks, 1)
	require.Equal(t, taskname.CommissionAccrue, f.enq.tasks[0].Type())

	bal, err := f.ledger.GetBalance(ctx, "partner-1")
	require.NoError(t, err)
	require.Zero(t, bal, "affiliates are paid through commission, not coins")
}

func TestBlankCouponCodeMatchesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, CreateCouponParams{Code: "REAL", Type: TypeFixedAmount, DiscountValue: dec("5")})

	for _, code := range []string{"", "   ", "\t"} {
		res, err := f.svc.ValidateCouponCode(ctx, code, "alice", dec("20"), "basic")
		require.NoError(t, err)
		require.False(t, res.Valid)
		require.Equal(t, errutil.ReasonCouponNotFound, res.Reason)
		require.Nil(t, res.Coupon)

		_, err = f.svc.GetCoupon(ctx, code)
		require.ErrorIs(t, err, errutil.ErrCouponNotFound)

		_, err = f.svc.UseCouponCode(ctx, code, "alice", Subscription{ID: "s1", PlanID: "basic", Amount: dec("20")})
		require.ErrorIs(t, err, errutil.ErrCouponNotFound)
	}

	stats, err := f.svc.GetCouponStats(ctx, "REAL")
	require.NoError(t, err)
	require.Zero(t, stats.Applied)

	_, err = f.svc.ReverseCouponUsage(ctx, "", "admin")
	require.ErrorIs(t, err, errutil.ErrNotFound)
}

func TestUseCouponCodeRepeatedForSameSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, CreateCouponParams{Code: "CAROL", Type: TypeFixedAmount, DiscountValue: dec("5"), PartnerType: PartnerReferral, PartnerID: "carol"})
	f.create(t, CreateCouponParams{Code: "AFF", Type: TypeFixedAmount, DiscountValue: dec("5"), PartnerType: PartnerAffiliate, PartnerID: "partner-1"})
	sub := Subscription{ID: "s1", PlanID: "basic", Amount: dec("40")}

	first, err := f.svc.UseCouponCode(ctx, "CAROL", "alice", sub)
	require.NoError(t, err)
	again, err := f.svc.UseCouponCode(ctx, " carol ", "alice", sub)
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)

	stats, err := f.svc.GetCouponStats(ctx, "CAROL")
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Applied)

	bal, err := f.ledger.GetBalance(ctx, "carol")
	require.NoError(t, err)
	require.Equal(t, int64(25), bal, "the partner bonus is paid once")

	_, err = f.svc.UseCouponCode(ctx, "CAROL", "bob", sub)
	require.ErrorIs(t, err, errutil.ErrConflict)

	aff, err := f.svc.UseCouponCode(ctx, "AFF", "alice", sub)
	require.NoError(t, err)
	affAgain, err := f.svc.UseCouponCode(ctx, "AFF", "alice", sub)
	require.NoError(t, err)
	require.Equal(t, aff.ID, affAgain.ID)
	require.Len(t, f.enq.tasks, 1, "one accrual job per usage")

	// once reversed the subscription may take the coupon again
	_, err = f.svc.ReverseCouponUsage(ctx, first.ID, "admin")
	require.NoError(t, err)
	reapplied, err := f.svc.UseCouponCode(ctx, "CAROL", "alice", sub)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, reapplied.ID)
}
