package reward

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"platform-economy/pkg/config"
	"platform-economy/pkg/db"
	"platform-economy/pkg/errutil"
	"platform-economy/pkg/taskname"
	"platform-economy/services/ledger"
	"platform-economy/services/task"
	"platform-economy/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, t)
	return nil, nil
}

type fixture struct {
	svc    *Service
	ledger *ledger.Service
	outbox *task.Service
	enq    *fakeEnqueuer
	db     *gorm.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := testutil.NewTestDB(t, &ledger.CoinBalance{}, &ledger.CoinTransaction{}, &RedemptionOption{}, &task.Job{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	led := ledger.NewService(ledger.ServiceParams{
		DB:         gdb,
		Transactor: db.NewTransactorWithRetries(gdb, 3),
		Node:       node,
	})
	enq := &fakeEnqueuer{}
	outbox := task.NewService(task.Params{DB: gdb, Node: node, Config: &config.Config{}, Enqueuer: enq})

	svc := NewService(ServiceParams{DB: gdb, Ledger: led, Outbox: outbox, Node: node})
	return &fixture{svc: svc, ledger: led, outbox: outbox, enq: enq, db: gdb}
}

func quiz(user, quizID string, amount int64) AwardParams {
	return AwardParams{UserID: user, Amount: amount, SourceType: ledger.SourceQuiz, SourceID: quizID, Description: "quiz reward"}
}

func TestAwardCoinsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.AwardCoins(ctx, quiz("u1", "q1", 10))
	require.NoError(t, err)
	require.False(t, first.AlreadyAwarded)
	require.Equal(t, int64(10), first.Balance)

	second, err := f.svc.AwardCoins(ctx, quiz("u1", "q1", 10))
	require.NoError(t, err)
	require.True(t, second.AlreadyAwarded)
	require.Equal(t, first.Transaction.ID, second.Transaction.ID)
	require.Equal(t, int64(10), second.Balance)

	page, err := f.ledger.ListTransactions(ctx, "u1", 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
}

func TestAwardCoinsDistinctSourcesBothCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AwardCoins(ctx, quiz("u1", "q1", 10))
	require.NoError(t, err)
	res, err := f.svc.AwardCoins(ctx, quiz("u1", "q2", 15))
	require.NoError(t, err)
	require.False(t, res.AlreadyAwarded)
	require.Equal(t, int64(25), res.Balance)

	other, err := f.svc.AwardCoins(ctx, quiz("u2", "q1", 10))
	require.NoError(t, err)
	require.False(t, other.AlreadyAwarded)
}

func TestAwardCoinsIdsContainingSeparators(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.AwardCoins(ctx, quiz("a:quiz:x", "y", 10))
	require.NoError(t, err)
	require.False(t, first.AlreadyAwarded)

	second, err := f.svc.AwardCoins(ctx, quiz("a", "x:quiz:y", 10))
	require.NoError(t, err)
	require.False(t, second.AlreadyAwarded)
	require.Equal(t, "a", second.Transaction.UserID)

	bal, err := f.ledger.GetBalance(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, int64(10), bal)

	require.NotEqual(t,
		ledger.DedupKey("a:quiz:x", ledger.SourceQuiz, "y"),
		ledger.DedupKey("a", ledger.SourceQuiz, "x:quiz:y"),
	)
}

func TestAwardCoinsConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var fresh, dup atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			res, err := f.svc.AwardCoins(ctx, quiz("u1", "q1", 10))
			if err != nil {
				return err
			}
			if res.AlreadyAwarded {
				dup.Add(1)
			} else {
				fresh.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int32(1), fresh.Load())
	require.Equal(t, int32(7), dup.Load())

	bal, err := f.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(10), bal)
}

func TestAwardCoinsRequiresSourceID(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.AwardCoins(context.Background(), AwardParams{UserID: "u1", Amount: 5, SourceType: ledger.SourceAdminAward})
	require.ErrorIs(t, err, errutil.ErrInvalidArgument)
}

func TestAwardCoinsRecordsActor(t *testing.T) {
	f := newFixture(t)
	p := AwardParams{UserID: "u1", Amount: 5, SourceType: ledger.SourceAdminAward, SourceID: "ticket-9", ActorID: "admin-1"}

	res, err := f.svc.AwardCoins(context.Background(), p)
	require.NoError(t, err)

	var meta map[string]any
	require.NoError(t, json.Unmarshal(res.Transaction.Metadata, &meta))
	require.Equal(t, "admin-1", meta["actor_id"])
}

func TestSpendCoins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AwardCoins(ctx, quiz("u1", "q1", 50))
	require.NoError(t, err)

	res, err := f.svc.SpendCoins(ctx, SpendParams{UserID: "u1", Amount: 20, SourceID: "item-1"})
	require.NoError(t, err)
	require.Equal(t, int64(30), res.Balance)
	require.Equal(t, ledger.SourceRedemption, res.Transaction.SourceType)

	_, err = f.svc.SpendCoins(ctx, SpendParams{UserID: "u1", Amount: 31})
	require.True(t, errors.Is(err, errutil.ErrInsufficientBalance))
}

func TestSpendCoinsIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AwardCoins(ctx, quiz("u1", "q1", 50))
	require.NoError(t, err)

	p := SpendParams{UserID: "u1", Amount: 20, SourceID: "item-1", IdempotencyKey: "order-7"}
	first, err := f.svc.SpendCoins(ctx, p)
	require.NoError(t, err)
	require.False(t, first.Replayed)
	require.Equal(t, int64(30), first.Balance)

	again, err := f.svc.SpendCoins(ctx, p)
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, first.Transaction.ID, again.Transaction.ID)
	require.Equal(t, int64(30), again.Balance)

	_, err = f.svc.SpendCoins(ctx, SpendParams{UserID: "u1", Amount: 5, IdempotencyKey: "order-7"})
	require.ErrorIs(t, err, errutil.ErrConflict)

	// unkeyed spends of the same item both charge
	_, err = f.svc.SpendCoins(ctx, SpendParams{UserID: "u1", Amount: 10, SourceID: "item-1"})
	require.NoError(t, err)
	res, err := f.svc.SpendCoins(ctx, SpendParams{UserID: "u1", Amount: 10, SourceID: "item-1"})
	require.NoError(t, err)
	require.Equal(t, int64(10), res.Balance)
}

func TestRedeemRequiresIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateRedemptionOption(ctx, "admin-1", CreateRedemptionOptionParams{
		Name: "sticker", CoinPrice: 1, FulfillmentType: "physical",
	})
	require.NoError(t, err)

	_, err = f.svc.Redeem(ctx, "u1", "")
	require.ErrorIs(t, err, errutil.ErrInvalidArgument)
	_, err = f.svc.Redeem(ctx, "", "anything")
	require.ErrorIs(t, err, errutil.ErrInvalidArgument)
	require.Empty(t, f.enq.tasks)
}

func TestRedeem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	opt, err := f.svc.CreateRedemptionOption(ctx, "admin-1", CreateRedemptionOptionParams{
		Name: "1 month premium", CoinPrice: 40, FulfillmentType: "subscription_extension",
	})
	require.NoError(t, err)
	require.Equal(t, "1-month-premium", opt.Slug)

	_, err = f.svc.CreateRedemptionOption(ctx, "admin-1", CreateRedemptionOptionParams{
		Name: "1 Month Premium", CoinPrice: 45, FulfillmentType: "subscription_extension",
	})
	require.ErrorIs(t, err, errutil.ErrConflict)

	_, err = f.svc.Redeem(ctx, "u1", opt.ID)
	require.ErrorIs(t, err, errutil.ErrInsufficientBalance)
	require.Empty(t, f.enq.tasks)

	_, err = f.svc.AwardCoins(ctx, quiz("u1", "q1", 100))
	require.NoError(t, err)

	res, err := f.svc.Redeem(ctx, "u1", opt.ID)
	require.NoError(t, err)
	require.Equal(t, int64(60), res.Balance)
	require.Len(t, f.enq.tasks, 1)
	require.Equal(t, taskname.RewardFulfillRedemption, f.enq.tasks[0].Type())

	var payload taskname.FulfillRedemptionPayload
	require.NoError(t, json.Unmarshal(f.enq.tasks[0].Payload(), &payload))
	require.Equal(t, res.Transaction.ID, payload.TransactionID)

	job, err := f.outbox.GetJob(ctx, res.TaskKey)
	require.NoError(t, err)
	require.Equal(t, task.JobEnqueued, job.Status)

	_, err = f.svc.Redeem(ctx, "u1", "missing")
	require.ErrorIs(t, err, errutil.ErrNotFound)
}

func TestListRedemptionOptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateRedemptionOption(ctx, "a", CreateRedemptionOptionParams{Name: "b", CoinPrice: 200, FulfillmentType: "badge"})
	require.NoError(t, err)
	cheap, err := f.svc.CreateRedemptionOption(ctx, "a", CreateRedemptionOptionParams{Name: "a", CoinPrice: 10, FulfillmentType: "badge"})
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&RedemptionOption{}).Where("id = ?", cheap.ID).Update("is_active", false).Error)

	all, err := f.svc.ListRedemptionOptions(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, int64(10), all[0].CoinPrice)

	active, err := f.svc.ListRedemptionOptions(ctx, true)
	require.NoError(t, err)
	require.Len(t, active, 1)

	_, err = f.svc.CreateRedemptionOption(ctx, "a", CreateRedemptionOptionParams{Name: "x", CoinPrice: 0, FulfillmentType: "badge"})
	require.ErrorIs(t, err, errutil.ErrInvalidArgument)
}

func TestHandleFulfillRedemption(t *testing.T) {
	var got taskname.FulfillRedemptionPayload
	tk := NewTask(fulfillerFunc(func(ctx context.Context, p taskname.FulfillRedemptionPayload) error {
		got = p
		return nil
	}))

	b, err := json.Marshal(taskname.FulfillRedemptionPayload{UserID: "u1", TransactionID: "t1"})
	require.NoError(t, err)
	require.NoError(t, tk.HandleFulfillRedemption(context.Background(), asynq.NewTask(taskname.RewardFulfillRedemption, b)))
	require.Equal(t, "t1", got.TransactionID)

	err = tk.HandleFulfillRedemption(context.Background(), asynq.NewTask(taskname.RewardFulfillRedemption, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type fulfillerFunc func(ctx context.Context, p taskname.FulfillRedemptionPayload) error

func (f fulfillerFunc) Fulfill(ctx context.Context, p taskname.FulfillRedemptionPayload) error {
	return f(ctx, p)
}
