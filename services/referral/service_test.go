package referral

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

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

type seqStub struct {
	n     atomic.Int64
	fixed string
}

func (s *seqStub) NextReferralCode(ctx context.Context) (string, error) {
	if s.fixed != "" {
		return s.fixed, nil
	}
	return fmt.Sprintf("R%04d", s.n.Add(1)), nil
}

func (s *seqStub) NextCouponCode(ctx context.Context) (string, error) { return "", nil }

func (s *seqStub) NextPaymentReference(ctx context.Context) (string, error) { return "", nil }

type checkerFunc func(ctx context.Context, userID string) (bool, error)

func (f checkerFunc) HasCompletedFirstPaidAction(ctx context.Context, userID string) (bool, error) {
	return f(ctx, userID)
}

type noopEnqueuer struct{}

func (noopEnqueuer) Enqueue(ctx context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	return nil, nil
}

type fixture struct {
	svc    *Service
	ledger *ledger.Service
	seq    *seqStub
}

func newFixture(t *testing.T, checker CompletionChecker) *fixture {
	t.Helper()
	gdb := testutil.NewTestDB(t,
		&ledger.CoinBalance{}, &ledger.CoinTransaction{}, &reward.RedemptionOption{}, &task.Job{},
		&ReferralCode{}, &Referral{}, &Activation{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Economy.ReferrerBonus = 100
	cfg.Economy.ReferredBonus = 50

	transactor := db.NewTransactorWithRetries(gdb, 3)
	led := ledger.NewService(ledger.ServiceParams{DB: gdb, Transactor: transactor, Node: node})
	outbox := task.NewService(task.Params{DB: gdb, Node: node, Config: cfg, Enqueuer: noopEnqueuer{}})
	rw := reward.NewService(reward.ServiceParams{DB: gdb, Ledger: led, Outbox: outbox, Node: node})

	seq := &seqStub{}
	svc := NewService(ServiceParams{
		DB:         gdb,
		Transactor: transactor,
		Node:       node,
		Config:     cfg,
		Sequence:   seq,
		Reward:     rw,
		Ledger:     led,
		Checker:    checker,
	})
	return &fixture{svc: svc, ledger: led, seq: seq}
}

func always(ok bool) CompletionChecker {
	return checkerFunc(func(context.Context, string) (bool, error) { return ok, nil })
}

func TestGetOrCreateReferralCodeIsStable(t *testing.T) {
	f := newFixture(t, always(false))
	ctx := context.Background()

	first, err := f.svc.GetOrCreateReferralCode(ctx, "alice")
	require.NoError(t, err)
	second, err := f.svc.GetOrCreateReferralCode(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, first.Code, second.Code)

	other, err := f.svc.GetOrCreateReferralCode(ctx, "bob")
	require.NoError(t, err)
	require.NotEqual(t, first.Code, other.Code)
}

func TestGetOrCreateReferralCodeCollisionGivesUp(t *testing.T) {
	f := newFixture(t, always(false))
	ctx := context.Background()

	f.seq.fixed = "RSAME"
	_, err := f.svc.GetOrCreateReferralCode(ctx, "alice")
	require.NoError(t, err)

	_, err = f.svc.GetOrCreateReferralCode(ctx, "bob")
	require.ErrorIs(t, err, errutil.ErrConflict)
}

func TestProcessReferralCode(t *testing.T) {
	f := newFixture(t, always(false))
	ctx := context.Background()

	rc, err := f.svc.GetOrCreateReferralCode(ctx, "alice")
	require.NoError(t, err)

	_, err = f.svc.ProcessReferralCode(ctx, "NOPE", "bob")
	require.ErrorIs(t, err, errutil.ErrNotFound)

	_, err = f.svc.ProcessReferralCode(ctx, rc.Code, "alice")
	require.ErrorIs(t, err, errutil.ErrSelfReferralRejected)

	ref, err := f.svc.ProcessReferralCode(ctx, rc.Code, "bob")
	require.NoError(t, err)
	require.Equal(t, StatusPending, ref.Status)
	require.Equal(t, "alice", ref.ReferrerUserID)

	_, err = f.svc.ProcessReferralCode(ctx, rc.Code, "bob")
	require.ErrorIs(t, err, errutil.ErrReferralAlreadyUsed)

	carolCode, err := f.svc.GetOrCreateReferralCode(ctx, "carol")
	require.NoError(t, err)
	_, err = f.svc.ProcessReferralCode(ctx, carolCode.Code, "bob")
	require.ErrorIs(t, err, errutil.ErrReferralAlreadyUsed)
}

func TestCheckReferralCompletionPendingUntilSatisfied(t *testing.T) {
	var satisfied atomic.Bool
	f := newFixture(t, checkerFunc(func(context.Context, string) (bool, error) {
		return satisfied.Load(), nil
	}))
	ctx := context.Background()

	rc, err := f.svc.GetOrCreateReferralCode(ctx, "alice")
	require.NoError(t, err)
	_, err = f.svc.ProcessReferralCode(ctx, rc.Code, "bob")
	require.NoError(t, err)

	res, err := f.svc.CheckReferralCompletion(ctx, "bob")
	require.NoError(t, err)
	require.False(t, res.Completed)
	require.Equal(t, StatusPending, res.Referral.Status)

	satisfied.Store(true)
	res, err = f.svc.CheckReferralCompletion(ctx, "bob")
	require.NoError(t, err)
	require.True(t, res.Completed)
	require.NotNil(t, res.Referral.CompletedAt)
	require.False(t, res.ReferrerAward.AlreadyAwarded)
	require.Equal(t, int64(100), res.ReferrerAward.Balance)
	require.Equal(t, int64(50), res.ReferredAward.Balance)

	res, err = f.svc.CheckReferralCompletion(ctx, "bob")
	require.NoError(t, err)
	require.True(t, res.ReferrerAward.AlreadyAwarded)
	require.True(t, res.ReferredAward.AlreadyAwarded)

	bal, err := f.ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(100), bal)

	_, err = f.svc.CheckReferralCompletion(ctx, "nobody")
	require.ErrorIs(t, err, errutil.ErrNotFound)
}

func TestCheckReferralCompletionRequiresUser(t *testing.T) {
	f := newFixture(t, always(true))
	ctx := context.Background()

	rc, err := f.svc.GetOrCreateReferralCode(ctx, "alice")
	require.NoError(t, err)
	_, err = f.svc.ProcessReferralCode(ctx, rc.Code, "bob")
	require.NoError(t, err)

	_, err = f.svc.CheckReferralCompletion(ctx, "")
	require.ErrorIs(t, err, errutil.ErrInvalidArgument)

	bal, err := f.ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, bal)
}

func TestCheckReferralCompletionHealsMissingAward(t *testing.T) {
	f := newFixture(t, always(true))
	ctx := context.Background()

	rc, err := f.svc.GetOrCreateReferralCode(ctx, "alice")
	require.NoError(t, err)
	ref, err := f.svc.ProcessReferralCode(ctx, rc.Code, "bob")
	require.NoError(t, err)

	// simulate a crash right after the status flip
	_, err = f.svc.complete(ctx, ref.ID)
	require.NoError(t, err)

	res, err := f.svc.CheckReferralCompletion(ctx, "bob")
	require.NoError(t, err)
	require.True(t, res.Completed)
	require.False(t, res.ReferrerAward.AlreadyAwarded)
}

func TestGetReferralStats(t *testing.T) {
	f := newFixture(t, always(true))
	ctx := context.Background()

	rc, err := f.svc.GetOrCreateReferralCode(ctx, "alice")
	require.NoError(t, err)
	_, err = f.svc.ProcessReferralCode(ctx, rc.Code, "bob")
	require.NoError(t, err)
	_, err = f.svc.ProcessReferralCode(ctx, rc.Code, "carol")
	require.NoError(t, err)
	_, err = f.svc.CheckReferralCompletion(ctx, "bob")
	require.NoError(t, err)

	stats, err := f.svc.GetReferralStats(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, rc.Code, stats.Code)
	require.Equal(t, int64(2), stats.Total)
	require.Equal(t, int64(1), stats.Completed)
	require.Equal(t, int64(1), stats.Pending)
	require.Equal(t, int64(100), stats.CoinsEarned)
}

func TestHandleSubscriptionActivated(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tk := NewTask(f.svc)

	rc, err := f.svc.GetOrCreateReferralCode(ctx, "alice")
	require.NoError(t, err)
	_, err = f.svc.ProcessReferralCode(ctx, rc.Code, "bob")
	require.NoError(t, err)

	res, err := f.svc.CheckReferralCompletion(ctx, "bob")
	require.NoError(t, err)
	require.False(t, res.Completed, "no activation recorded yet")

	payload, err := json.Marshal(taskname.SubscriptionActivatedPayload{UserID: "bob", SubscriptionID: "sub-1"})
	require.NoError(t, err)
	require.NoError(t, tk.HandleSubscriptionActivated(ctx, asynq.NewTask(taskname.SubscriptionActivated, payload)))
	// redelivery is harmless
	require.NoError(t, tk.HandleSubscriptionActivated(ctx, asynq.NewTask(taskname.SubscriptionActivated, payload)))

	bal, err := f.ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(100), bal)

	unreferred, err := json.Marshal(taskname.SubscriptionActivatedPayload{UserID: "dave"})
	require.NoError(t, err)
	require.NoError(t, tk.HandleSubscriptionActivated(ctx, asynq.NewTask(taskname.SubscriptionActivated, unreferred)))
}
