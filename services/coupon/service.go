package coupon

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"platform-economy/pkg/celengine"
	"platform-economy/pkg/config"
	"platform-economy/pkg/db"
	"platform-economy/pkg/db/option"
	"platform-economy/pkg/errutil"
	"platform-economy/pkg/logger"
	"platform-economy/pkg/repository"
	"platform-economy/pkg/sequence"
	"platform-economy/pkg/taskname"
	"platform-economy/services/ledger"
	"platform-economy/services/reward"
	"platform-economy/services/task"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var hundred = decimal.NewFromInt(100)

type Rewarder interface {
	AwardCoins(ctx context.Context, p reward.AwardParams) (*reward.AwardResult, error)
}

type Outbox interface {
	Record(ctx context.Context, tx *gorm.DB, p task.RecordParams) error
	DispatchKey(ctx context.Context, key string)
}

type Service struct {
	db         *gorm.DB
	transactor *db.Transactor
	node       *snowflake.Node
	seq        sequence.Generator
	cel        *celengine.Engine
	rewarder   Rewarder
	outbox     Outbox

	coupons repository.Repository[CouponCode]
	usages  repository.Repository[CouponUsage]

	referralBonus int64
	now           func() time.Time
}

type ServiceParams struct {
	fx.In
	DB         *gorm.DB
	Transactor *db.Transactor
	Node       *snowflake.Node
	Config     *config.Config
	Sequence   sequence.Generator
	CEL        *celengine.Engine
	Reward     *reward.Service
	Outbox     *task.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:         p.DB,
		transactor: p.Transactor,
		node:       p.Node,
		seq:        p.Sequence,
		cel:        p.CEL,
		rewarder:   p.Reward,
		outbox:     p.Outbox,

		coupons: repository.ProvideStore[CouponCode](p.DB),
		usages:  repository.ProvideStore[CouponUsage](p.DB),

		referralBonus: p.Config.Economy.CouponReferralBonus,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// findByCode returns nil, nil for a blank code. The lookup goes through an
// explicit condition because a zero-value struct field is dropped from the
// WHERE clause.
func (s *Service) findByCode(ctx context.Context, code string) (*CouponCode, error) {
	code = normalizeCode(code)
	if code == "" {
		return nil, nil
	}
	return s.coupons.FindOne(ctx, nil, option.ApplyOperator(
		option.Condition{Field: "code", Operator: option.EQ, Value: code},
	))
}

// appliedUsage returns the applied usage sub already holds for couponID.
func appliedUsage(ctx context.Context, usages repository.Repository[CouponUsage], couponID, subscriptionID string) (*CouponUsage, error) {
	key := activeKey(couponID, subscriptionID)
	if key == nil {
		return nil, nil
	}
	return usages.FindOne(ctx, nil, option.ApplyOperator(
		option.Condition{Field: "active_key", Operator: option.EQ, Value: *key},
	))
}

func (s *Service) CreateCoupon(ctx context.Context, actorID string, p CreateCouponParams) (*CouponCode, error) {
	if err := s.validateParams(&p); err != nil {
		return nil, err
	}

	code := normalizeCode(p.Code)
	if code == "" {
		generated, err := s.seq.NextCouponCode(ctx)
		if err != nil {
			logger.L(ctx).Error("failed to generate coupon code", zap.Error(err))
			return nil, err
		}
		code = generated
	}

	startsAt := s.now()
	if p.StartsAt != nil {
		startsAt = p.StartsAt.UTC()
	}

	c := &CouponCode{
		ID:              s.node.Generate().String(),
		Code:            code,
		Type:            p.Type,
		DiscountValue:   p.DiscountValue,
		MinimumAmount:   p.MinimumAmount,
		MaximumDiscount: p.MaximumDiscount,
		PartnerType:     p.PartnerType,
		UsageLimit:      p.UsageLimit,
		UserLimit:       p.UserLimit,
		StartsAt:        startsAt,
		ExpiresAt:       p.ExpiresAt,
		ApplicablePlans: p.ApplicablePlans,
		EligibilityExpr: p.EligibilityExpr,
		IsActive:        true,
		CreatedBy:       actorID,
	}
	if c.ApplicablePlans == nil {
		c.ApplicablePlans = []string{}
	}
	if p.PartnerID != "" {
		c.PartnerID = &p.PartnerID
	}

	if err := s.coupons.Create(ctx, c); err != nil {
		if db.IsDuplicate(err) {
			return nil, errutil.Conflict("coupon code already exists", nil)
		}
		logger.L(ctx).Error("failed to create coupon", zap.Error(err))
		return nil, err
	}

	logger.L(ctx).Info("coupon created", zap.String("coupon_id", c.ID), zap.String("code", c.Code))
	return c, nil
}

func (s *Service) validateParams(p *CreateCouponParams) error {
	var details []errutil.Detail

	switch p.Type {
	case TypePercentage:
		if !p.DiscountValue.IsPositive() || p.DiscountValue.GreaterThan(hundred) {
			details = append(details, errutil.Detail{Field: "discount_value", Message: "must be in (0, 100]"})
		}
	case TypeFixedAmount:
		if !p.DiscountValue.IsPositive() {
			details = append(details, errutil.Detail{Field: "discount_value", Message: "must be positive"})
		}
	case TypeFreeTrial:
	default:
		details = append(details, errutil.Detail{Field: "type", Message: "unknown coupon type"})
	}

	if p.MinimumAmount.IsNegative() {
		details = append(details, errutil.Detail{Field: "minimum_amount", Message: "must not be negative"})
	}
	if p.MaximumDiscount.Valid && !p.MaximumDiscount.Decimal.IsPositive() {
		details = append(details, errutil.Detail{Field: "maximum_discount", Message: "must be positive"})
	}

	if p.PartnerType == "" {
		p.PartnerType = PartnerNone
	}
	switch p.PartnerType {
	case PartnerNone:
		p.PartnerID = ""
	case PartnerReferral, PartnerAffiliate:
		if p.PartnerID == "" {
			details = append(details, errutil.Detail{Field: "partner_id", Message: "required for partner coupons"})
		}
	default:
		details = append(details, errutil.Detail{Field: "partner_type", Message: "unknown partner type"})
	}

	if p.UsageLimit != nil && *p.UsageLimit <= 0 {
		details = append(details, errutil.Detail{Field: "usage_limit", Message: "must be positive"})
	}
	if p.UserLimit != nil && *p.UserLimit <= 0 {
		details = append(details, errutil.Detail{Field: "user_limit", Message: "must be positive"})
	}
	if p.StartsAt != nil && p.ExpiresAt != nil && !p.ExpiresAt.After(*p.StartsAt) {
		details = append(details, errutil.Detail{Field: "expires_at", Message: "must be after starts_at"})
	}

	if p.EligibilityExpr != "" {
		if err := s.cel.Validate(p.EligibilityExpr); err != nil {
			details = append(details, errutil.Detail{Field: "eligibility_expr", Message: err.Error()})
		}
	}

	if len(details) > 0 {
		return errutil.BadRequest("invalid coupon", nil, errutil.WithDetails(details...))
	}
	return nil
}

func (s *Service) GetCoupon(ctx context.Context, code string) (*CouponCode, error) {
	c, err := s.findByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errutil.ErrCouponNotFound
	}
	return c, nil
}

func (s *Service) SetCouponActive(ctx context.Context, code string, active bool) (*CouponCode, error) {
	c, err := s.GetCoupon(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.coupons.Update(ctx, c.ID, map[string]any{"is_active": active, "updated_at": s.now()}); err != nil {
		return nil, err
	}
	c.IsActive = active
	return c, nil
}

// ValidateCouponCode checks whether code can be applied to an order of amount
// for planID and computes the discount. It never writes.
func (s *Service) ValidateCouponCode(ctx context.Context, code, userID string, amount decimal.Decimal, planID string) (*ValidationResult, error) {
	c, err := s.findByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if c == nil {
		validations.WithLabelValues(string(errutil.ReasonCouponNotFound)).Inc()
		return invalid(nil, errutil.ErrCouponNotFound), nil
	}

	res, err := s.check(ctx, s.usages, c, userID, amount, planID)
	if err != nil {
		return nil, err
	}
	validations.WithLabelValues(outcome(res)).Inc()
	return res, nil
}

// check runs the rule chain against c, counting usages through usages.
func (s *Service) check(ctx context.Context, usages repository.Repository[CouponUsage], c *CouponCode, userID string, amount decimal.Decimal, planID string) (*ValidationResult, error) {
	if !c.IsActive {
		return invalid(c, errutil.ErrCouponInactive), nil
	}

	now := s.now()
	if !c.StartsAt.IsZero() && now.Before(c.StartsAt) {
		return invalid(c, errutil.ErrCouponNotStarted), nil
	}
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return invalid(c, errutil.ErrCouponExpired), nil
	}

	if amount.LessThan(c.MinimumAmount) {
		return invalid(c, errutil.ErrCouponMinimumNotMet), nil
	}

	if c.UsageLimit != nil {
		used, err := usages.Count(ctx, &CouponUsage{CouponCodeID: c.ID, Status: UsageApplied})
		if err != nil {
			return nil, err
		}
		if used >= *c.UsageLimit {
			return invalid(c, errutil.ErrCouponLimitExceeded), nil
		}
	}

	if c.UserLimit != nil {
		used, err := usages.Count(ctx, &CouponUsage{CouponCodeID: c.ID, UserID: userID, Status: UsageApplied})
		if err != nil {
			return nil, err
		}
		if used >= *c.UserLimit {
			return invalid(c, errutil.ErrCouponLimitExceeded), nil
		}
	}

	if len(c.ApplicablePlans) > 0 && !slices.Contains(c.ApplicablePlans, planID) {
		return invalid(c, errutil.ErrCouponNotApplicable), nil
	}

	if c.EligibilityExpr != "" {
		ok, err := s.cel.Evaluate(c.EligibilityExpr, map[string]any{
			celengine.VarUserID: userID,
			celengine.VarPlanID: planID,
			celengine.VarAmount: amount.InexactFloat64(),
		})
		if err != nil {
			logger.L(ctx).Warn("eligibility expression failed",
				zap.String("coupon_id", c.ID),
				zap.Error(err),
			)
			return invalid(c, errutil.ErrCouponNotApplicable), nil
		}
		if !ok {
			return invalid(c, errutil.ErrCouponNotApplicable), nil
		}
	}

	discount, freeTrial := computeDiscount(c, amount)
	return &ValidationResult{Valid: true, Discount: discount, FreeTrial: freeTrial, Coupon: c}, nil
}

// computeDiscount never returns more than amount. A null maximum_discount
// means no cap.
func computeDiscount(c *CouponCode, amount decimal.Decimal) (decimal.Decimal, bool) {
	var d decimal.Decimal
	switch c.Type {
	case TypeFreeTrial:
		return amount, true
	case TypePercentage:
		d = amount.Mul(c.DiscountValue).Div(hundred)
	case TypeFixedAmount:
		d = c.DiscountValue
	}

	if c.MaximumDiscount.Valid && d.GreaterThan(c.MaximumDiscount.Decimal) {
		d = c.MaximumDiscount.Decimal
	}
	if d.GreaterThan(amount) {
		d = amount
	}
	if d.IsNegative() {
		d = decimal.Zero
	}
	return d.Round(2), false
}

func invalid(c *CouponCode, reason error) *ValidationResult {
	var be errutil.BaseError
	errors.As(reason, &be)
	return &ValidationResult{Valid: false, Reason: be.Reason, Message: be.Message, Coupon: c, Discount: decimal.Zero}
}

// UseCouponCode applies code to sub for userID. The limits are re-checked
// under a lock on the coupon row, so concurrent uses cannot overshoot them.
// Repeating a call for a subscription that already holds the coupon returns
// the existing usage.
func (s *Service) UseCouponCode(ctx context.Context, code, userID string, sub Subscription) (*CouponUsage, error) {
	if userID == "" {
		return nil, errutil.BadRequest("user_id is required", nil)
	}

	if usage, coupon, err := s.existingUse(ctx, code, userID, sub.ID); err != nil {
		return nil, err
	} else if usage != nil {
		return s.afterUse(ctx, coupon, usage, "replayed"), nil
	}

	pre, err := s.ValidateCouponCode(ctx, code, userID, sub.Amount, sub.PlanID)
	if err != nil {
		return nil, err
	}
	if !pre.Valid {
		usesTotal.WithLabelValues(string(pre.Reason)).Inc()
		return nil, reasonError(pre.Reason)
	}

	var (
		usage    *CouponUsage
		coupon   *CouponCode
		replayed bool
	)
	err = s.transactor.Transaction(ctx, func(tx *gorm.DB) error {
		c, err := s.coupons.WithTrx(tx).FindOne(ctx, &CouponCode{ID: pre.Coupon.ID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if c == nil {
			return errutil.ErrCouponNotFound
		}

		usages := s.usages.WithTrx(tx)
		prev, err := appliedUsage(ctx, usages, c.ID, sub.ID)
		if err != nil {
			return err
		}
		if prev != nil {
			if prev.UserID != userID {
				return errutil.Wrap(errutil.ErrConflict, "subscription already holds this coupon")
			}
			usage, coupon, replayed = prev, c, true
			return nil
		}

		res, err := s.check(ctx, usages, c, userID, sub.Amount, sub.PlanID)
		if err != nil {
			return err
		}
		if !res.Valid {
			return reasonError(res.Reason)
		}

		usage = &CouponUsage{
			ID:              s.node.Generate().String(),
			CouponCodeID:    c.ID,
			UserID:          userID,
			SubscriptionID:  sub.ID,
			PlanID:          sub.PlanID,
			OrderAmount:     sub.Amount,
			DiscountApplied: res.Discount,
			Status:          UsageApplied,
			UsedAt:          s.now(),
			ActiveKey:       activeKey(c.ID, sub.ID),
		}
		if err := usages.Create(ctx, usage); err != nil {
			return err
		}

		if c.PartnerType == PartnerAffiliate && c.PartnerID != nil {
			if err := s.outbox.Record(ctx, tx, task.RecordParams{
				TaskType: taskname.CommissionAccrue,
				Key:      accrualKey(usage.ID),
				Payload: taskname.CommissionAccruePayload{
					PartnerID:   *c.PartnerID,
					SourceID:    usage.ID,
					OrderAmount: usage.OrderAmount.String(),
					Discount:    usage.DiscountApplied.String(),
					CouponCode:  c.Code,
					UserID:      userID,
				},
			}); err != nil {
				return err
			}
		}

		coupon = c
		return nil
	})
	if db.IsDuplicate(err) {
		// a concurrent call for the same subscription committed first
		if prev, c, ferr := s.existingUse(ctx, code, userID, sub.ID); ferr == nil && prev != nil {
			return s.afterUse(ctx, c, prev, "replayed"), nil
		}
	}
	if err != nil {
		usesTotal.WithLabelValues(usageOutcome(err)).Inc()
		logger.L(ctx).Info("coupon use rejected",
			zap.String("code", code),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return nil, err
	}
	if replayed {
		return s.afterUse(ctx, coupon, usage, "replayed"), nil
	}
	return s.afterUse(ctx, coupon, usage, "applied"), nil
}

// existingUse finds the applied usage subscriptionID already holds for code.
// A usage held by another user is a conflict.
func (s *Service) existingUse(ctx context.Context, code, userID, subscriptionID string) (*CouponUsage, *CouponCode, error) {
	if subscriptionID == "" {
		return nil, nil, nil
	}
	c, err := s.findByCode(ctx, code)
	if err != nil || c == nil {
		return nil, nil, err
	}
	u, err := appliedUsage(ctx, s.usages, c.ID, subscriptionID)
	if err != nil || u == nil {
		return nil, nil, err
	}
	if u.UserID != userID {
		return nil, nil, errutil.Wrap(errutil.ErrConflict, "subscription already holds this coupon")
	}
	return u, c, nil
}

// afterUse runs the post-commit side effects of a usage. Both are keyed by
// the usage id, so running them again for a repeated call is harmless.
func (s *Service) afterUse(ctx context.Context, coupon *CouponCode, usage *CouponUsage, result string) *CouponUsage {
	usesTotal.WithLabelValues(result).Inc()

	if coupon.PartnerType == PartnerAffiliate && coupon.PartnerID != nil {
		s.outbox.DispatchKey(ctx, accrualKey(usage.ID))
	}

	if coupon.PartnerType == PartnerReferral && coupon.PartnerID != nil && s.referralBonus > 0 {
		if _, err := s.rewarder.AwardCoins(ctx, reward.AwardParams{
			UserID:      *coupon.PartnerID,
			Amount:      s.referralBonus,
			SourceType:  ledger.SourceCoupon,
			SourceID:    usage.ID,
			Description: "Coupon referral bonus " + coupon.Code,
		}); err != nil && !errors.Is(err, errutil.ErrAlreadyAwarded) {
			// the usage stands; the award is idempotent and can be re-issued
			logger.L(ctx).Error("failed to award coupon referral bonus",
				zap.String("usage_id", usage.ID),
				zap.String("partner_id", *coupon.PartnerID),
				zap.Error(err),
			)
		}
	}

	logger.L(ctx).Info("coupon "+result,
		zap.String("usage_id", usage.ID),
		zap.String("coupon_id", coupon.ID),
		zap.String("user_id", usage.UserID),
		zap.String("discount", usage.DiscountApplied.String()),
	)
	return usage
}

func accrualKey(usageID string) string {
	return "coupon_usage:" + usageID
}

// ReverseCouponUsage moves a usage from applied to reversed, freeing its slot
// in the usage limits.
func (s *Service) ReverseCouponUsage(ctx context.Context, usageID, actorID string) (*CouponUsage, error) {
	if usageID == "" {
		return nil, errutil.Wrap(errutil.ErrNotFound, "coupon usage not found")
	}

	var out *CouponUsage
	err := s.transactor.Transaction(ctx, func(tx *gorm.DB) error {
		repo := s.usages.WithTrx(tx)
		u, err := repo.FindOne(ctx, &CouponUsage{ID: usageID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if u == nil {
			return errutil.Wrap(errutil.ErrNotFound, "coupon usage not found")
		}
		if u.Status != UsageApplied {
			return errutil.Wrap(errutil.ErrInvalidStateTransition, "coupon usage is not applied")
		}

		now := s.now()
		rows, err := repo.UpdateWhere(ctx, nil, map[string]any{
			"status":      UsageReversed,
			"reversed_at": now,
			"reversed_by": actorID,
			"active_key":  nil,
		}, option.ApplyOperator(
			option.Condition{Field: "id", Operator: option.EQ, Value: usageID},
			option.Condition{Field: "status", Operator: option.EQ, Value: UsageApplied},
		))
		if err != nil {
			return err
		}
		if rows == 0 {
			return errutil.Wrap(errutil.ErrInvalidStateTransition, "coupon usage is not applied")
		}

		u.Status = UsageReversed
		u.ReversedAt = &now
		u.ReversedBy = actorID
		u.ActiveKey = nil
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}

	usesTotal.WithLabelValues("reversed").Inc()
	logger.L(ctx).Info("coupon usage reversed", zap.String("usage_id", usageID), zap.String("actor_id", actorID))
	return out, nil
}

type usageTotals struct {
	Status UsageStatus
	Cnt    int64
	Total  decimal.Decimal
}

func (s *Service) GetCouponStats(ctx context.Context, code string) (*Stats, error) {
	c, err := s.GetCoupon(ctx, code)
	if err != nil {
		return nil, err
	}

	var rows []usageTotals
	if err := s.db.WithContext(ctx).Model(&CouponUsage{}).
		Select("status, COUNT(*) AS cnt, COALESCE(SUM(discount_applied), 0) AS total").
		Where("coupon_code_id = ?", c.ID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	stats := &Stats{CouponID: c.ID, Code: c.Code, TotalDiscount: decimal.Zero}
	for _, r := range rows {
		switch r.Status {
		case UsageApplied:
			stats.Applied = r.Cnt
			stats.TotalDiscount = r.Total
		case UsageReversed:
			stats.Reversed = r.Cnt
		}
	}

	if err := s.db.WithContext(ctx).Model(&CouponUsage{}).
		Where("coupon_code_id = ? AND status = ?", c.ID, UsageApplied).
		Distinct("user_id").
		Count(&stats.UniqueUsers).Error; err != nil {
		return nil, err
	}

	if c.UsageLimit != nil {
		remaining := *c.UsageLimit - stats.Applied
		if remaining < 0 {
			remaining = 0
		}
		stats.Remaining = &remaining
	}
	return stats, nil
}

func reasonError(reason errutil.Reason) error {
	switch reason {
	case errutil.ReasonCouponNotFound:
		return errutil.ErrCouponNotFound
	case errutil.ReasonCouponInactive:
		return errutil.ErrCouponInactive
	case errutil.ReasonCouponNotStarted:
		return errutil.ErrCouponNotStarted
	case errutil.ReasonCouponExpired:
		return errutil.ErrCouponExpired
	case errutil.ReasonCouponMinimumNotMet:
		return errutil.ErrCouponMinimumNotMet
	case errutil.ReasonCouponLimitExceeded:
		return errutil.ErrCouponLimitExceeded
	default:
		return errutil.ErrCouponNotApplicable
	}
}
