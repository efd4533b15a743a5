package referral

import (
	"context"
	"time"

	"platform-economy/pkg/config"
	"platform-economy/pkg/db"
	"platform-economy/pkg/db/option"
	"platform-economy/pkg/errutil"
	"platform-economy/pkg/logger"
	"platform-economy/pkg/repository"
	"platform-economy/pkg/sequence"
	"platform-economy/services/ledger"
	"platform-economy/services/reward"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const codeAttempts = 3

// Rewarder issues idempotent coin awards.
type Rewarder interface {
	AwardCoins(ctx context.Context, p reward.AwardParams) (*reward.AwardResult, error)
}

// CompletionChecker reports whether a referred user has made the first paid
// action that completes their referral.
type CompletionChecker interface {
	HasCompletedFirstPaidAction(ctx context.Context, userID string) (bool, error)
}

type Service struct {
	db         *gorm.DB
	transactor *db.Transactor
	node       *snowflake.Node
	seq        sequence.Generator
	rewarder   Rewarder
	checker    CompletionChecker
	ledger     *ledger.Service

	codes       repository.Repository[ReferralCode]
	referrals   repository.Repository[Referral]
	activations repository.Repository[Activation]

	referrerBonus int64
	referredBonus int64
}

type ServiceParams struct {
	fx.In
	DB         *gorm.DB
	Transactor *db.Transactor
	Node       *snowflake.Node
	Config     *config.Config
	Sequence   sequence.Generator
	Reward     *reward.Service
	Ledger     *ledger.Service
	Checker    CompletionChecker `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	s := &Service{
		db:         p.DB,
		transactor: p.Transactor,
		node:       p.Node,
		seq:        p.Sequence,
		rewarder:   p.Reward,
		checker:    p.Checker,
		ledger:     p.Ledger,

		codes:       repository.ProvideStore[ReferralCode](p.DB),
		referrals:   repository.ProvideStore[Referral](p.DB),
		activations: repository.ProvideStore[Activation](p.DB),

		referrerBonus: p.Config.Economy.ReferrerBonus,
		referredBonus: p.Config.Economy.ReferredBonus,
	}
	if s.checker == nil {
		s.checker = &ActivationChecker{activations: s.activations}
	}
	return s
}

// GetOrCreateReferralCode returns the user's code, creating it on first use.
// The code never changes afterwards.
func (s *Service) GetOrCreateReferralCode(ctx context.Context, userID string) (*ReferralCode, error) {
	if userID == "" {
		return nil, errutil.BadRequest("user_id is required", nil)
	}

	existing, err := s.codes.FindOne(ctx, &ReferralCode{UserID: userID})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := s.seq.NextReferralCode(ctx)
		if err != nil {
			logger.L(ctx).Error("failed to generate referral code", zap.Error(err))
			return nil, err
		}

		rc := &ReferralCode{Code: code, UserID: userID}
		err = s.codes.Create(ctx, rc)
		if err == nil {
			return rc, nil
		}
		if !db.IsDuplicate(err) {
			return nil, err
		}

		// either a concurrent call created the user's code or the code collided
		existing, err := s.codes.FindOne(ctx, &ReferralCode{UserID: userID})
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	return nil, errutil.Wrap(errutil.ErrConflict, "could not allocate a unique referral code")
}

// ProcessReferralCode links newUserID to the owner of code as a pending
// referral.
func (s *Service) ProcessReferralCode(ctx context.Context, code, newUserID string) (*Referral, error) {
	if code == "" || newUserID == "" {
		return nil, errutil.BadRequest("code and user_id are required", nil)
	}

	rc, err := s.codes.FindOne(ctx, &ReferralCode{Code: code})
	if err != nil {
		return nil, err
	}
	if rc == nil {
		return nil, errutil.Wrap(errutil.ErrNotFound, "referral code not found")
	}
	if rc.UserID == newUserID {
		return nil, errutil.ErrSelfReferralRejected
	}

	existing, err := s.referrals.FindOne(ctx, &Referral{ReferredUserID: newUserID})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errutil.ErrReferralAlreadyUsed
	}

	ref := &Referral{
		ID:             s.node.Generate().String(),
		ReferrerUserID: rc.UserID,
		ReferredUserID: newUserID,
		Code:           rc.Code,
		Status:         StatusPending,
	}
	if err := s.referrals.Create(ctx, ref); err != nil {
		if db.IsDuplicate(err) {
			return nil, errutil.ErrReferralAlreadyUsed
		}
		logger.L(ctx).Error("failed to create referral", zap.Error(err))
		return nil, err
	}

	logger.L(ctx).Info("referral recorded",
		zap.String("referral_id", ref.ID),
		zap.String("referrer_user_id", ref.ReferrerUserID),
		zap.String("referred_user_id", ref.ReferredUserID),
	)
	return ref, nil
}

// CheckReferralCompletion completes the referral of userID once the checker
// is satisfied and pays both sides. Calling it again only re-issues awards
// that are missing, so it also heals a crash between completion and payout.
func (s *Service) CheckReferralCompletion(ctx context.Context, userID string) (*CompletionResult, error) {
	if userID == "" {
		return nil, errutil.BadRequest("user_id is required", nil)
	}

	ref, err := s.referrals.FindOne(ctx, &Referral{ReferredUserID: userID})
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, errutil.Wrap(errutil.ErrNotFound, "referral not found")
	}

	if ref.Status == StatusPending {
		done, err := s.checker.HasCompletedFirstPaidAction(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !done {
			return &CompletionResult{Referral: ref}, nil
		}

		ref, err = s.complete(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
	}

	if ref.Status != StatusCompleted {
		return &CompletionResult{Referral: ref}, nil
	}

	result := &CompletionResult{Referral: ref, Completed: true}

	if s.referrerBonus > 0 {
		result.ReferrerAward, err = s.rewarder.AwardCoins(ctx, reward.AwardParams{
			UserID:      ref.ReferrerUserID,
			Amount:      s.referrerBonus,
			SourceType:  ledger.SourceReferral,
			SourceID:    ref.ID,
			Description: "Referral bonus",
		})
		if err != nil {
			return nil, err
		}
	}

	if s.referredBonus > 0 {
		result.ReferredAward, err = s.rewarder.AwardCoins(ctx, reward.AwardParams{
			UserID:      ref.ReferredUserID,
			Amount:      s.referredBonus,
			SourceType:  ledger.SourceReferral,
			SourceID:    ref.ID,
			Description: "Welcome bonus",
		})
		if err != nil {
			return nil, err
		}
	}

	return result, nil
}

func (s *Service) complete(ctx context.Context, referralID string) (*Referral, error) {
	var out *Referral
	err := s.transactor.Transaction(ctx, func(tx *gorm.DB) error {
		repo := s.referrals.WithTrx(tx)

		ref, err := repo.FindOne(ctx, &Referral{ID: referralID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if ref == nil {
			return errutil.Wrap(errutil.ErrNotFound, "referral not found")
		}
		if ref.Status != StatusPending {
			out = ref
			return nil
		}

		now := time.Now().UTC()
		rows, err := repo.UpdateWhere(ctx, nil, map[string]any{
			"status":       StatusCompleted,
			"completed_at": now,
			"updated_at":   now,
		}, option.ApplyOperator(
			option.Condition{Field: "id", Operator: option.EQ, Value: referralID},
			option.Condition{Field: "status", Operator: option.EQ, Value: StatusPending},
		))
		if err != nil {
			return err
		}
		if rows == 0 {
			return db.ErrRetryable
		}

		ref.Status = StatusCompleted
		ref.CompletedAt = &now
		ref.UpdatedAt = now
		out = ref
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.L(ctx).Info("referral completed", zap.String("referral_id", out.ID))
	return out, nil
}

// RecordActivation stores the first paid activation of userID. Later
// activations keep the first record.
func (s *Service) RecordActivation(ctx context.Context, userID, subscriptionID string) error {
	if userID == "" {
		return errutil.BadRequest("user_id is required", nil)
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&Activation{UserID: userID, SubscriptionID: subscriptionID, ActivatedAt: time.Now().UTC()}).Error
}

func (s *Service) GetReferralStats(ctx context.Context, userID string) (*Stats, error) {
	stats := &Stats{UserID: userID}

	rc, err := s.codes.FindOne(ctx, &ReferralCode{UserID: userID})
	if err != nil {
		return nil, err
	}
	if rc != nil {
		stats.Code = rc.Code
	}

	if stats.Pending, err = s.referrals.Count(ctx, &Referral{ReferrerUserID: userID, Status: StatusPending}); err != nil {
		return nil, err
	}
	if stats.Completed, err = s.referrals.Count(ctx, &Referral{ReferrerUserID: userID, Status: StatusCompleted}); err != nil {
		return nil, err
	}
	stats.Total = stats.Pending + stats.Completed

	ls, err := s.ledger.Statistics(ctx, userID, 0)
	if err != nil {
		return nil, err
	}
	stats.CoinsEarned = ls.BySourceType[ledger.SourceReferral].Earned
	return stats, nil
}

// ActivationChecker completes referrals once an activation was recorded for
// the referred user.
type ActivationChecker struct {
	activations repository.Repository[Activation]
}

func (c *ActivationChecker) HasCompletedFirstPaidAction(ctx context.Context, userID string) (bool, error) {
	a, err := c.activations.FindOne(ctx, &Activation{UserID: userID})
	if err != nil {
		return false, err
	}
	return a != nil, nil
}
