package reward

import (
	"context"
	"encoding/json"
	"errors"

	"platform-economy/pkg/db"
	"platform-economy/pkg/db/option"
	"platform-economy/pkg/errutil"
	"platform-economy/pkg/logger"
	"platform-economy/pkg/repository"
	"platform-economy/pkg/taskname"
	"platform-economy/services/ledger"
	"platform-economy/services/task"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Outbox records background tasks inside a store transaction.
type Outbox interface {
	Record(ctx context.Context, tx *gorm.DB, p task.RecordParams) error
	DispatchKey(ctx context.Context, key string)
}

type Service struct {
	ledger *ledger.Service
	outbox Outbox
	node   *snowflake.Node

	options repository.Repository[RedemptionOption]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Ledger *ledger.Service
	Outbox *task.Service
	Node   *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		ledger: p.Ledger,
		outbox: p.Outbox,
		node:   p.Node,

		options: repository.ProvideStore[RedemptionOption](p.DB),
	}
}

// AwardCoins credits a reward exactly once per (user, source_type, source_id).
// A repeated award is not an error: the result carries AlreadyAwarded and the
// original transaction.
func (s *Service) AwardCoins(ctx context.Context, p AwardParams) (*AwardResult, error) {
	key := ledger.DedupKey(p.UserID, p.SourceType, p.SourceID)

	var result *AwardResult
	err := s.ledger.Transactor().Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		result, err = s.AwardInTx(ctx, tx, p)
		return err
	})
	if errors.Is(err, errutil.ErrAlreadyAwarded) {
		// lost the race on the dedup index; the winner has committed
		result, err = s.alreadyAwarded(ctx, p.UserID, key)
	}
	if err != nil {
		logger.L(ctx).Error("failed to award coins",
			zap.String("user_id", p.UserID),
			zap.String("source_type", string(p.SourceType)),
			zap.String("source_id", p.SourceID),
			zap.Error(err),
		)
		return nil, err
	}

	if result.AlreadyAwarded {
		awardsDeduplicated.WithLabelValues(string(p.SourceType)).Inc()
		logger.L(ctx).Info("award already issued",
			zap.String("user_id", p.UserID),
			zap.String("dedup_key", key),
		)
	} else {
		awardsIssued.WithLabelValues(string(p.SourceType)).Inc()
	}
	return result, nil
}

// AwardInTx issues the award inside tx so it commits or rolls back with the
// caller's own writes.
func (s *Service) AwardInTx(ctx context.Context, tx *gorm.DB, p AwardParams) (*AwardResult, error) {
	if p.SourceID == "" {
		return nil, errutil.BadRequest("source_id is required for awards", nil,
			errutil.WithDetails(errutil.Detail{Field: "source_id", Message: "required"}))
	}

	key := ledger.DedupKey(p.UserID, p.SourceType, p.SourceID)
	existing, err := s.ledger.FindByDedupKey(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.UserID != p.UserID {
			return nil, errutil.Wrap(errutil.ErrConflict, "award dedup key belongs to another user")
		}
		bal, err := s.ledger.BalanceInTx(ctx, tx, p.UserID)
		if err != nil {
			return nil, err
		}
		return &AwardResult{Balance: bal, Transaction: existing, AlreadyAwarded: true}, nil
	}

	created, err := s.ledger.AppendInTx(ctx, tx, ledger.EntryParams{
		UserID:      p.UserID,
		Amount:      p.Amount,
		SourceType:  p.SourceType,
		SourceID:    p.SourceID,
		Description: p.Description,
		Metadata:    withActor(p.Metadata, p.ActorID),
		DedupKey:    key,
	}, 1)
	if err != nil {
		if db.IsDuplicate(err) {
			return nil, errutil.ErrAlreadyAwarded
		}
		return nil, err
	}
	return &AwardResult{Balance: created.BalanceAfter, Transaction: created}, nil
}

func (s *Service) alreadyAwarded(ctx context.Context, userID, key string) (*AwardResult, error) {
	existing, err := s.ledger.FindByDedupKey(ctx, nil, key)
	if err != nil {
		return nil, err
	}
	if existing == nil || existing.UserID != userID {
		return nil, errutil.Wrap(errutil.ErrConflict, "award dedup key collided but no matching row found")
	}
	bal, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &AwardResult{Balance: bal, Transaction: existing, AlreadyAwarded: true}, nil
}

// SpendCoins debits p.Amount. Without an IdempotencyKey every call charges.
func (s *Service) SpendCoins(ctx context.Context, p SpendParams) (*SpendResult, error) {
	if p.SourceType == "" {
		p.SourceType = ledger.SourceRedemption
	}
	entry := ledger.EntryParams{
		UserID:      p.UserID,
		Amount:      p.Amount,
		SourceType:  p.SourceType,
		SourceID:    p.SourceID,
		Description: p.Description,
		Metadata:    p.Metadata,
	}

	if p.IdempotencyKey == "" {
		tx, err := s.ledger.Debit(ctx, entry)
		if err != nil {
			return nil, err
		}
		return &SpendResult{Balance: tx.BalanceAfter, Transaction: tx}, nil
	}

	entry.DedupKey = ledger.SpendKey(p.UserID, p.IdempotencyKey)
	var result *SpendResult
	err := s.ledger.Transactor().Transaction(ctx, func(tx *gorm.DB) error {
		existing, err := s.ledger.FindByDedupKey(ctx, tx, entry.DedupKey)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.UserID != p.UserID || existing.Amount != -p.Amount {
				return errutil.Wrap(errutil.ErrConflict, "idempotency key was used for a different spend")
			}
			bal, err := s.ledger.BalanceInTx(ctx, tx, p.UserID)
			if err != nil {
				return err
			}
			result = &SpendResult{Balance: bal, Transaction: existing, Replayed: true}
			return nil
		}

		created, err := s.ledger.AppendInTx(ctx, tx, entry, -1)
		if err != nil {
			return err
		}
		result = &SpendResult{Balance: created.BalanceAfter, Transaction: created}
		return nil
	})
	if db.IsDuplicate(err) {
		// a concurrent spend with the same key committed first
		return s.SpendCoins(ctx, p)
	}
	if err != nil {
		return nil, err
	}
	if result.Replayed {
		logger.L(ctx).Info("spend already recorded",
			zap.String("user_id", p.UserID),
			zap.String("transaction_id", result.Transaction.ID),
		)
	}
	return result, nil
}

func (s *Service) CreateRedemptionOption(ctx context.Context, actorID string, p CreateRedemptionOptionParams) (*RedemptionOption, error) {
	if p.Name == "" || p.FulfillmentType == "" {
		return nil, errutil.BadRequest("name and fulfillment_type are required", nil)
	}
	if p.CoinPrice <= 0 {
		return nil, errutil.BadRequest("coin_price must be positive", nil,
			errutil.WithDetails(errutil.Detail{Field: "coin_price", Message: "must be greater than zero"}))
	}

	opt := &RedemptionOption{
		ID:              s.node.Generate().String(),
		Name:            p.Name,
		Slug:            slug.Make(p.Name),
		Description:     p.Description,
		CoinPrice:       p.CoinPrice,
		FulfillmentType: p.FulfillmentType,
		IsActive:        true,
		Metadata:        p.Metadata,
		CreatedBy:       actorID,
	}
	if err := s.options.Create(ctx, opt); err != nil {
		if db.IsDuplicate(err) {
			return nil, errutil.Conflict("redemption option "+opt.Slug+" already exists", nil)
		}
		zap.L().Error("failed to create redemption option", zap.Error(err))
		return nil, err
	}
	return opt, nil
}

func (s *Service) ListRedemptionOptions(ctx context.Context, activeOnly bool) ([]*RedemptionOption, error) {
	query := &RedemptionOption{}
	if activeOnly {
		query.IsActive = true
	}
	return s.options.Find(ctx, query,
		option.WithSortBy(option.QuerySortBy{SortBy: "coin_price", OrderBy: "asc"}),
		option.WithTieBreaker("id", false),
	)
}

// Redeem spends the option's price and records a fulfillment task in the same
// transaction, so a charged redemption is never left without fulfillment.
func (s *Service) Redeem(ctx context.Context, userID, optionID string) (*RedeemResult, error) {
	if userID == "" || optionID == "" {
		return nil, errutil.BadRequest("user_id and option_id are required", nil)
	}

	opt, err := s.options.FindOne(ctx, &RedemptionOption{ID: optionID})
	if err != nil {
		return nil, err
	}
	if opt == nil || !opt.IsActive {
		return nil, errutil.NotFound("redemption option not found", nil)
	}

	var result *RedeemResult
	err = s.ledger.Transactor().Transaction(ctx, func(tx *gorm.DB) error {
		entry, err := s.ledger.AppendInTx(ctx, tx, ledger.EntryParams{
			UserID:      userID,
			Amount:      opt.CoinPrice,
			SourceType:  ledger.SourceRedemption,
			SourceID:    opt.ID,
			Description: "Redeemed " + opt.Name,
		}, -1)
		if err != nil {
			return err
		}

		key := "redemption:" + entry.ID
		if err := s.outbox.Record(ctx, tx, task.RecordParams{
			TaskType: taskname.RewardFulfillRedemption,
			Key:      key,
			Payload: taskname.FulfillRedemptionPayload{
				UserID:          userID,
				OptionID:        opt.ID,
				TransactionID:   entry.ID,
				FulfillmentType: opt.FulfillmentType,
			},
		}); err != nil {
			return err
		}

		result = &RedeemResult{Option: opt, Transaction: entry, Balance: entry.BalanceAfter, TaskKey: key}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.outbox.DispatchKey(ctx, result.TaskKey)
	return result, nil
}

func withActor(meta datatypes.JSON, actorID string) datatypes.JSON {
	if actorID == "" {
		return meta
	}
	m := map[string]any{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &m); err != nil {
			return meta
		}
	}
	m["actor_id"] = actorID
	b, err := json.Marshal(m)
	if err != nil {
		return meta
	}
	return b
}
