package commission

import (
	"context"
	"errors"
	"strings"
	"time"

	"platform-economy/pkg/config"
	"platform-economy/pkg/db"
	"platform-economy/pkg/db/option"
	"platform-economy/pkg/db/pagination"
	"platform-economy/pkg/errutil"
	"platform-economy/pkg/logger"
	"platform-economy/pkg/repository"
	"platform-economy/pkg/sequence"
	"platform-economy/services/ledger"
	"platform-economy/services/reward"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CoinAwarder credits a paid COIN payment to the partner inside the
// settlement transaction.
type CoinAwarder interface {
	AwardInTx(ctx context.Context, tx *gorm.DB, p reward.AwardParams) (*reward.AwardResult, error)
}

type Service struct {
	db         *gorm.DB
	transactor *db.Transactor
	node       *snowflake.Node
	seq        sequence.Generator
	awarder    CoinAwarder

	payments repository.Repository[CommissionPayment]

	rate            decimal.Decimal
	currency        string
	bulkConcurrency int
	now             func() time.Time
}

type ServiceParams struct {
	fx.In
	DB         *gorm.DB
	Transactor *db.Transactor
	Node       *snowflake.Node
	Config     *config.Config
	Sequence   sequence.Generator
	Reward     *reward.Service
}

func NewService(p ServiceParams) (*Service, error) {
	rate := decimal.Zero
	if raw := p.Config.Economy.AffiliateCommissionRate; raw != "" {
		parsed, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, err
		}
		rate = parsed
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, errutil.BadRequest("affiliate commission rate must be within [0, 1]", nil)
	}

	currency := strings.ToUpper(p.Config.Economy.CommissionCurrency)
	if currency == "" {
		currency = "USD"
	}
	concurrency := p.Config.Economy.BulkConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	return &Service{
		db:         p.DB,
		transactor: p.Transactor,
		node:       p.Node,
		seq:        p.Sequence,
		awarder:    p.Reward,

		payments: repository.ProvideStore[CommissionPayment](p.DB),

		rate:            rate,
		currency:        currency,
		bulkConcurrency: concurrency,
		now:             func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Service) CreateManualPayment(ctx context.Context, actorID string, p CreatePaymentParams) (*CommissionPayment, error) {
	if p.PaymentType == "" {
		p.PaymentType = TypeManual
	}

	var details []errutil.Detail
	if strings.TrimSpace(p.PartnerID) == "" {
		details = append(details, errutil.Detail{Field: "partner_id", Message: "required"})
	}
	if !p.Amount.IsPositive() {
		details = append(details, errutil.Detail{Field: "amount", Message: "must be positive"})
	}
	if !p.PaymentType.Valid() {
		details = append(details, errutil.Detail{Field: "payment_type", Message: "unknown payment type"})
	}
	if len(details) > 0 {
		return nil, errutil.BadRequest("invalid payment", nil, errutil.WithDetails(details...))
	}

	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if currency == "" {
		currency = s.currency
	}

	payment := &CommissionPayment{
		ID:            s.node.Generate().String(),
		PartnerID:     p.PartnerID,
		Amount:        p.Amount.Round(2),
		Currency:      currency,
		PaymentMethod: p.PaymentMethod,
		PaymentType:   p.PaymentType,
		Status:        StatusPending,
		Notes:         p.Notes,
		Metadata:      p.Metadata,
		CreatedBy:     actorID,
	}
	if err := s.payments.Create(ctx, payment); err != nil {
		logger.L(ctx).Error("failed to create payment", zap.String("partner_id", p.PartnerID), zap.Error(err))
		return nil, err
	}

	transitions.WithLabelValues("", string(StatusPending)).Inc()
	logger.L(ctx).Info("payment created",
		zap.String("payment_id", payment.ID),
		zap.String("partner_id", payment.PartnerID),
		zap.String("amount", payment.Amount.String()),
		zap.String("actor_id", actorID),
	)
	return payment, nil
}

// AccrueCommission records a pending commission for an order. It is keyed on
// (partner_id, source_id): a repeated accrual returns the existing payment.
func (s *Service) AccrueCommission(ctx context.Context, p AccrueParams) (*CommissionPayment, error) {
	if p.PartnerID == "" || p.SourceID == "" {
		return nil, errutil.BadRequest("partner_id and source_id are required", nil)
	}

	base := p.OrderAmount.Sub(p.Discount)
	if base.IsNegative() {
		base = decimal.Zero
	}
	amount := base.Mul(s.rate).Round(2)

	sourceID := p.SourceID
	payment := &CommissionPayment{
		ID:          s.node.Generate().String(),
		PartnerID:   p.PartnerID,
		Amount:      amount,
		Currency:    s.currency,
		PaymentType: TypeCommission,
		Status:      StatusPending,
		SourceID:    &sourceID,
		Metadata:    p.Metadata,
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "partner_id"}, {Name: "source_id"}},
			DoNothing: true,
		}).
		Create(payment)
	if res.Error != nil {
		logger.L(ctx).Error("failed to accrue commission",
			zap.String("partner_id", p.PartnerID),
			zap.String("source_id", p.SourceID),
			zap.Error(res.Error),
		)
		return nil, res.Error
	}

	if res.RowsAffected == 0 {
		existing, err := s.payments.FindOne(ctx, &CommissionPayment{PartnerID: p.PartnerID, SourceID: &sourceID})
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, errutil.Wrap(errutil.ErrConflict, "commission accrual collided but no row found")
		}
		logger.L(ctx).Info("commission already accrued",
			zap.String("payment_id", existing.ID),
			zap.String("source_id", p.SourceID),
		)
		return existing, nil
	}

	transitions.WithLabelValues("", string(StatusPending)).Inc()
	logger.L(ctx).Info("commission accrued",
		zap.String("payment_id", payment.ID),
		zap.String("partner_id", payment.PartnerID),
		zap.String("amount", payment.Amount.String()),
	)
	return payment, nil
}

// transition moves payment id from one status to another. apply may add
// column updates and run further writes in tx after the status CAS succeeds.
func (s *Service) transition(ctx context.Context, id string, from, to Status, updates map[string]any, apply func(tx *gorm.DB, p *CommissionPayment) error) (*CommissionPayment, error) {
	if id == "" {
		return nil, errutil.Wrap(errutil.ErrNotFound, "payment not found")
	}

	var out *CommissionPayment
	err := s.transactor.Transaction(ctx, func(tx *gorm.DB) error {
		repo := s.payments.WithTrx(tx)
		p, err := repo.FindOne(ctx, &CommissionPayment{ID: id}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if p == nil {
			return errutil.Wrap(errutil.ErrNotFound, "payment not found")
		}
		if p.Status != from {
			return errutil.Wrap(errutil.ErrInvalidStateTransition,
				"payment is "+string(p.Status)+", expected "+string(from))
		}

		updates["status"] = to
		updates["updated_at"] = s.now()
		rows, err := repo.UpdateWhere(ctx, nil, updates, option.ApplyOperator(
			option.Condition{Field: "id", Operator: option.EQ, Value: id},
			option.Condition{Field: "status", Operator: option.EQ, Value: from},
		))
		if err != nil {
			return err
		}
		if rows == 0 {
			return errutil.Wrap(errutil.ErrInvalidStateTransition, "payment status changed concurrently")
		}

		if apply != nil {
			if err := apply(tx, p); err != nil {
				return err
			}
		}

		out, err = repo.FindOne(ctx, &CommissionPayment{ID: id})
		return err
	})
	if err != nil {
		if !errors.Is(err, errutil.ErrInvalidStateTransition) && !errors.Is(err, errutil.ErrNotFound) {
			logger.L(ctx).Error("payment transition failed",
				zap.String("payment_id", id),
				zap.String("to", string(to)),
				zap.Error(err),
			)
		}
		return nil, err
	}

	transitions.WithLabelValues(string(from), string(to)).Inc()
	return out, nil
}

// ProcessPayment moves a pending payment to processing. An empty reference is
// filled from the payment reference sequence.
func (s *Service) ProcessPayment(ctx context.Context, id, actorID string, p ProcessParams) (*CommissionPayment, error) {
	ref := strings.TrimSpace(p.Reference)
	if ref == "" {
		generated, err := s.seq.NextPaymentReference(ctx)
		if err != nil {
			logger.L(ctx).Error("failed to generate payment reference", zap.Error(err))
			return nil, err
		}
		ref = generated
	}

	now := s.now()
	updates := map[string]any{
		"payment_reference": ref,
		"processed_by":      actorID,
		"processed_at":      now,
	}
	if p.Notes != "" {
		updates["notes"] = p.Notes
	}

	out, err := s.transition(ctx, id, StatusPending, StatusProcessing, updates, nil)
	if err != nil {
		return nil, err
	}
	logger.L(ctx).Info("payment processing",
		zap.String("payment_id", id),
		zap.String("reference", ref),
		zap.String("actor_id", actorID),
	)
	return out, nil
}

// MarkAsPaid settles a processing payment. COIN payments credit the partner's
// balance in the same transaction.
func (s *Service) MarkAsPaid(ctx context.Context, id, actorID, reference string) (*CommissionPayment, error) {
	updates := map[string]any{"paid_at": s.now()}
	if reference = strings.TrimSpace(reference); reference != "" {
		updates["payment_reference"] = reference
	}

	out, err := s.transition(ctx, id, StatusProcessing, StatusPaid, updates, func(tx *gorm.DB, p *CommissionPayment) error {
		if p.Currency != CurrencyCoin {
			return nil
		}
		coins := p.Amount.Round(0).IntPart()
		if coins <= 0 {
			return nil
		}
		_, err := s.awarder.AwardInTx(ctx, tx, reward.AwardParams{
			UserID:      p.PartnerID,
			Amount:      coins,
			SourceType:  ledger.SourceCommission,
			SourceID:    p.ID,
			Description: "Commission payout",
			ActorID:     actorID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.L(ctx).Info("payment paid", zap.String("payment_id", id), zap.String("actor_id", actorID))
	return out, nil
}

func (s *Service) MarkAsFailed(ctx context.Context, id, actorID, reason string) (*CommissionPayment, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, errutil.BadRequest("failure reason is required", nil)
	}
	out, err := s.transition(ctx, id, StatusProcessing, StatusFailed, map[string]any{
		"failed_at":      s.now(),
		"failure_reason": reason,
	}, nil)
	if err != nil {
		return nil, err
	}
	logger.L(ctx).Info("payment failed",
		zap.String("payment_id", id),
		zap.String("reason", reason),
		zap.String("actor_id", actorID),
	)
	return out, nil
}

// ResubmitPayment creates a fresh pending payment from a failed one. The
// failed record is left untouched.
func (s *Service) ResubmitPayment(ctx context.Context, id, actorID string) (*CommissionPayment, error) {
	if id == "" {
		return nil, errutil.Wrap(errutil.ErrNotFound, "payment not found")
	}

	var out *CommissionPayment
	err := s.transactor.Transaction(ctx, func(tx *gorm.DB) error {
		repo := s.payments.WithTrx(tx)
		failed, err := repo.FindOne(ctx, &CommissionPayment{ID: id}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if failed == nil {
			return errutil.Wrap(errutil.ErrNotFound, "payment not found")
		}
		if failed.Status != StatusFailed {
			return errutil.Wrap(errutil.ErrInvalidStateTransition, "only failed payments can be resubmitted")
		}

		already, err := repo.Count(ctx, &CommissionPayment{ResubmittedFrom: &id})
		if err != nil {
			return err
		}
		if already > 0 {
			return errutil.Wrap(errutil.ErrInvalidStateTransition, "payment was already resubmitted")
		}

		out = &CommissionPayment{
			ID:              s.node.Generate().String(),
			PartnerID:       failed.PartnerID,
			Amount:          failed.Amount,
			Currency:        failed.Currency,
			PaymentMethod:   failed.PaymentMethod,
			PaymentType:     failed.PaymentType,
			Status:          StatusPending,
			Notes:           failed.Notes,
			ResubmittedFrom: &id,
			Metadata:        failed.Metadata,
			CreatedBy:       actorID,
		}
		return repo.Create(ctx, out)
	})
	if err != nil {
		return nil, err
	}

	transitions.WithLabelValues(string(StatusFailed), string(StatusPending)).Inc()
	logger.L(ctx).Info("payment resubmitted",
		zap.String("payment_id", out.ID),
		zap.String("resubmitted_from", id),
		zap.String("actor_id", actorID),
	)
	return out, nil
}

// BulkProcessPayments runs ProcessPayment for every id with bounded
// concurrency. A failing id never stops the others.
func (s *Service) BulkProcessPayments(ctx context.Context, ids []string, actorID string, p ProcessParams) []BulkResult {
	results := make([]BulkResult, len(ids))

	var g errgroup.Group
	g.SetLimit(s.bulkConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			payment, err := s.ProcessPayment(ctx, id, actorID, p)
			results[i] = BulkResult{PaymentID: id, Payment: payment, Err: err}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (s *Service) GetPayment(ctx context.Context, id string) (*CommissionPayment, error) {
	if id == "" {
		return nil, errutil.Wrap(errutil.ErrNotFound, "payment not found")
	}
	p, err := s.payments.FindOne(ctx, &CommissionPayment{ID: id})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errutil.Wrap(errutil.ErrNotFound, "payment not found")
	}
	return p, nil
}

// GetPendingPayments lists pending payments, oldest first, optionally for one
// partner.
func (s *Service) GetPendingPayments(ctx context.Context, partnerID string, limit, offset int) (*PaymentPage, error) {
	query := &CommissionPayment{Status: StatusPending, PartnerID: partnerID}
	return s.page(ctx, query, "asc", limit, offset)
}

func (s *Service) GetPaymentHistory(ctx context.Context, partnerID string, limit, offset int) (*PaymentPage, error) {
	if partnerID == "" {
		return nil, errutil.BadRequest("partner_id is required", nil)
	}
	return s.page(ctx, &CommissionPayment{PartnerID: partnerID}, "desc", limit, offset)
}

func (s *Service) page(ctx context.Context, query *CommissionPayment, order string, limit, offset int) (*PaymentPage, error) {
	if offset < 0 {
		offset = 0
	}
	items, err := s.payments.Find(ctx, query,
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: order}),
		option.WithTieBreaker("id", order == "desc"),
		option.ApplyPagination(pagination.Pagination{Limit: limit, Offset: offset}),
	)
	if err != nil {
		return nil, err
	}

	info := pagination.BuildOffsetPageInfo(len(items), option.EffectiveLimit(limit), offset)
	return &PaymentPage{
		Payments: items,
		HasMore:  info.HasMore,
		Limit:    info.Limit,
		Offset:   info.Offset,
	}, nil
}

type statusRow struct {
	Status Status
	Cnt    int64
	Total  decimal.Decimal
}

// GetPaymentStatistics sums payments by status. An empty partnerID covers
// every partner.
func (s *Service) GetPaymentStatistics(ctx context.Context, partnerID string) (*Statistics, error) {
	q := s.db.WithContext(ctx).Model(&CommissionPayment{}).
		Select("status, COUNT(*) AS cnt, COALESCE(SUM(amount), 0) AS total").
		Group("status")
	if partnerID != "" {
		q = q.Where("partner_id = ?", partnerID)
	}

	var rows []statusRow
	if err := q.Scan(&rows).Error; err != nil {
		return nil, err
	}

	stats := &Statistics{
		PartnerID: partnerID,
		ByStatus:  make(map[Status]StatusTotal, len(rows)),
		TotalPaid: decimal.Zero,
		Owed:      decimal.Zero,
	}
	for _, r := range rows {
		stats.ByStatus[r.Status] = StatusTotal{Count: r.Cnt, Amount: r.Total}
		switch r.Status {
		case StatusPaid:
			stats.TotalPaid = r.Total
		case StatusPending, StatusProcessing:
			stats.Owed = stats.Owed.Add(r.Total)
		}
	}
	return stats, nil
}
