package ledger

import (
	"context"
	"time"

	"platform-economy/pkg/db"
	"platform-economy/pkg/db/option"
	"platform-economy/pkg/db/pagination"
	"platform-economy/pkg/errutil"
	"platform-economy/pkg/logger"
	"platform-economy/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db         *gorm.DB
	transactor *db.Transactor
	node       *snowflake.Node

	transactions repository.Repository[CoinTransaction]
	balances     repository.Repository[CoinBalance]

	now func() time.Time
}

type ServiceParams struct {
	fx.In
	DB         *gorm.DB
	Transactor *db.Transactor
	Node       *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:         p.DB,
		transactor: p.Transactor,
		node:       p.Node,

		transactions: repository.ProvideStore[CoinTransaction](p.DB),
		balances:     repository.ProvideStore[CoinBalance](p.DB),

		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Transactor() *db.Transactor {
	return s.transactor
}

func (s *Service) Credit(ctx context.Context, p EntryParams) (*CoinTransaction, error) {
	return s.append(ctx, p, 1)
}

// Debit fails with ErrInsufficientBalance when the balance cannot cover
// p.Amount; nothing is written in that case.
func (s *Service) Debit(ctx context.Context, p EntryParams) (*CoinTransaction, error) {
	return s.append(ctx, p, -1)
}

func (s *Service) append(ctx context.Context, p EntryParams, sign int64) (*CoinTransaction, error) {
	if err := validateEntry(p); err != nil {
		return nil, err
	}

	var out *CoinTransaction
	err := s.transactor.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		out, err = s.AppendInTx(ctx, tx, p, sign)
		return err
	})
	if err != nil {
		logger.L(ctx).Debug("ledger append failed",
			zap.String("user_id", p.UserID),
			zap.Int64("amount", sign*p.Amount),
			zap.String("source_type", string(p.SourceType)),
			zap.Error(err),
		)
		return nil, err
	}

	ledgerEntries.WithLabelValues(direction(sign), string(p.SourceType)).Inc()
	return out, nil
}

// AppendInTx appends one signed entry inside tx. The caller owns the
// transaction; a lost version race is reported as db.ErrRetryable so that
// db.Transaction replays the whole unit.
func (s *Service) AppendInTx(ctx context.Context, tx *gorm.DB, p EntryParams, sign int64) (*CoinTransaction, error) {
	if err := validateEntry(p); err != nil {
		return nil, err
	}

	bal, err := s.lockBalance(ctx, tx, p.UserID)
	if err != nil {
		return nil, err
	}

	amount := sign * p.Amount
	if amount < 0 && bal.Balance < p.Amount {
		return nil, errutil.Wrap(errutil.ErrInsufficientBalance, "insufficient balance",
			errutil.WithDetails(errutil.Detail{Field: "amount", Message: "exceeds current balance"}))
	}

	now := s.now().Truncate(time.Microsecond)
	entry := &CoinTransaction{
		ID:           s.node.Generate().String(),
		UserID:       p.UserID,
		Sequence:     bal.Version + 1,
		Amount:       amount,
		SourceType:   p.SourceType,
		SourceID:     strPtr(p.SourceID),
		Description:  p.Description,
		Metadata:     p.Metadata,
		DedupKey:     strPtr(p.DedupKey),
		BalanceAfter: bal.Balance + amount,
		PreviousHash: bal.LastHash,
		CreatedAt:    now,
	}
	entry.Hash = entry.GenerateHash()

	if err := s.transactions.WithTrx(tx).Create(ctx, entry); err != nil {
		return nil, err
	}

	conds := []option.Condition{
		{Field: "user_id", Operator: option.EQ, Value: p.UserID},
		{Field: "version", Operator: option.EQ, Value: bal.Version},
	}
	if amount < 0 {
		conds = append(conds, option.Condition{Field: "balance", Operator: option.GTE, Value: p.Amount})
	}

	rows, err := s.balances.WithTrx(tx).UpdateWhere(ctx, nil, map[string]any{
		"balance":    entry.BalanceAfter,
		"version":    entry.Sequence,
		"last_hash":  entry.Hash,
		"updated_at": now,
	}, option.ApplyOperator(conds...))
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, db.ErrRetryable
	}

	return entry, nil
}

// lockBalance materializes the balance row on first use and locks it.
func (s *Service) lockBalance(ctx context.Context, tx *gorm.DB, userID string) (*CoinBalance, error) {
	seed := &CoinBalance{ID: s.node.Generate().String(), UserID: userID}
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(seed).Error; err != nil {
		return nil, err
	}

	bal, err := s.balances.WithTrx(tx).FindOne(ctx, &CoinBalance{UserID: userID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if bal == nil {
		return nil, db.ErrRetryable
	}
	return bal, nil
}

// GetBalance returns 0 for users without any ledger activity.
func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, errutil.BadRequest("user_id is required", nil)
	}

	bal, err := s.balances.FindOne(ctx, &CoinBalance{UserID: userID})
	if err != nil {
		logger.L(ctx).Error("failed to query balance", zap.String("user_id", userID), zap.Error(err))
		return 0, err
	}
	if bal == nil {
		return 0, nil
	}
	return bal.Balance, nil
}

// BalanceInTx reads the balance through tx so it observes uncommitted writes.
func (s *Service) BalanceInTx(ctx context.Context, tx *gorm.DB, userID string) (int64, error) {
	bal, err := s.balances.WithTrx(tx).FindOne(ctx, &CoinBalance{UserID: userID})
	if err != nil || bal == nil {
		return 0, err
	}
	return bal.Balance, nil
}

func (s *Service) ListTransactions(ctx context.Context, userID string, limit, offset int) (*TransactionPage, error) {
	if userID == "" {
		return nil, errutil.BadRequest("user_id is required", nil)
	}
	if offset < 0 {
		offset = 0
	}

	page := pagination.Pagination{Limit: limit, Offset: offset}
	items, err := s.transactions.Find(ctx, &CoinTransaction{UserID: userID},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc"}),
		option.WithTieBreaker("sequence", true),
		option.ApplyPagination(page),
	)
	if err != nil {
		logger.L(ctx).Error("failed to list transactions", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}

	effective := option.EffectiveLimit(limit)
	info := pagination.BuildOffsetPageInfo(len(items), effective, offset)
	return &TransactionPage{
		Transactions: items,
		HasMore:      info.HasMore,
		Limit:        info.Limit,
		Offset:       info.Offset,
	}, nil
}

// FindByDedupKey returns the transaction recorded for key, or nil.
func (s *Service) FindByDedupKey(ctx context.Context, tx *gorm.DB, key string) (*CoinTransaction, error) {
	return s.transactions.WithTrx(tx).FindOne(ctx, &CoinTransaction{DedupKey: &key})
}

type sourceTotalRow struct {
	SourceType SourceType
	Earned     int64
	Spent      int64
	Cnt        int64
}

// Statistics aggregates the log for userID. An empty userID aggregates every
// user; windowDays <= 0 means all time.
func (s *Service) Statistics(ctx context.Context, userID string, windowDays int) (*Statistics, error) {
	q := s.db.WithContext(ctx).Model(&CoinTransaction{}).
		Select("source_type, " +
			"COALESCE(SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END), 0) AS earned, " +
			"COALESCE(SUM(CASE WHEN amount < 0 THEN -amount ELSE 0 END), 0) AS spent, " +
			"COUNT(*) AS cnt").
		Group("source_type")
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if windowDays > 0 {
		q = q.Where("created_at >= ?", s.now().AddDate(0, 0, -windowDays))
	}

	var rows []sourceTotalRow
	if err := q.Scan(&rows).Error; err != nil {
		logger.L(ctx).Error("failed to aggregate ledger", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}

	stats := &Statistics{UserID: userID, BySourceType: make(map[SourceType]Total, len(rows))}
	for _, r := range rows {
		stats.TotalEarned += r.Earned
		stats.TotalSpent += r.Spent
		stats.BySourceType[r.SourceType] = Total{Earned: r.Earned, Spent: r.Spent, Count: r.Cnt}
	}
	return stats, nil
}

// VerifyChain walks the user's hash chain in sequence order.
func (s *Service) VerifyChain(ctx context.Context, userID string) (*ChainReport, error) {
	entries, err := s.transactions.Find(ctx, &CoinTransaction{UserID: userID},
		option.WithSortBy(option.QuerySortBy{SortBy: "sequence", OrderBy: "asc"}),
	)
	if err != nil {
		logger.L(ctx).Error("failed to load chain", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}

	report := &ChainReport{UserID: userID, Valid: true}
	prevHash := ""
	var running int64
	for i, e := range entries {
		report.Checked = i + 1
		running += e.Amount

		switch {
		case e.Sequence != int64(i+1):
			report.BrokenWhy = "sequence gap"
		case e.PreviousHash != prevHash:
			report.BrokenWhy = "previous hash mismatch"
		case e.GenerateHash() != e.Hash:
			report.BrokenWhy = "hash mismatch"
		case e.BalanceAfter != running:
			report.BrokenWhy = "running balance mismatch"
		}
		if report.BrokenWhy != "" {
			report.Valid = false
			report.BrokenAt = e.ID
			zap.L().Warn("ledger chain broken",
				zap.String("user_id", userID),
				zap.String("entry_id", e.ID),
				zap.String("reason", report.BrokenWhy),
			)
			return report, nil
		}
		prevHash = e.Hash
	}
	return report, nil
}

// Reconcile replays the log and rewrites the derived balance row when it has
// drifted from the sum of amounts.
func (s *Service) Reconcile(ctx context.Context, userID string) (*ReconcileReport, error) {
	report := &ReconcileReport{UserID: userID}

	err := s.transactor.Transaction(ctx, func(tx *gorm.DB) error {
		bal, err := s.lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}

		var agg struct {
			Total int64
			Cnt   int64
			Seq   int64
		}
		if err := tx.WithContext(ctx).Model(&CoinTransaction{}).
			Select("COALESCE(SUM(amount), 0) AS total, COUNT(*) AS cnt, COALESCE(MAX(sequence), 0) AS seq").
			Where("user_id = ?", userID).
			Scan(&agg).Error; err != nil {
			return err
		}

		last, err := s.transactions.WithTrx(tx).FindOne(ctx, &CoinTransaction{UserID: userID},
			option.WithSortBy(option.QuerySortBy{SortBy: "sequence", OrderBy: "desc"}))
		if err != nil {
			return err
		}
		lastHash := ""
		if last != nil {
			lastHash = last.Hash
		}

		report.StoredBalance = bal.Balance
		report.ReplayedTotal = agg.Total
		report.TransactionCnt = agg.Cnt
		report.Drift = bal.Balance - agg.Total

		if report.Drift == 0 && bal.Version == agg.Seq && bal.LastHash == lastHash {
			return nil
		}

		if agg.Total < 0 {
			return errutil.Internal("replayed balance is negative", nil)
		}

		if _, err := s.balances.WithTrx(tx).UpdateWhere(ctx, nil, map[string]any{
			"balance":    agg.Total,
			"version":    agg.Seq,
			"last_hash":  lastHash,
			"updated_at": s.now(),
		}, option.ApplyOperator(option.Condition{Field: "user_id", Operator: option.EQ, Value: userID})); err != nil {
			return err
		}
		report.Repaired = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if report.Repaired {
		zap.L().Warn("ledger balance reconciled",
			zap.String("user_id", userID),
			zap.Int64("stored", report.StoredBalance),
			zap.Int64("replayed", report.ReplayedTotal),
		)
	}
	return report, nil
}

// CountHolders returns the number of users with a positive balance.
func (s *Service) CountHolders(ctx context.Context) (int64, error) {
	return s.balances.Count(ctx, nil, option.ApplyOperator(
		option.Condition{Field: "balance", Operator: option.GT, Value: 0},
	))
}

func validateEntry(p EntryParams) error {
	if p.UserID == "" {
		return errutil.BadRequest("user_id is required", nil)
	}
	if p.Amount <= 0 {
		return errutil.BadRequest("amount must be positive", nil,
			errutil.WithDetails(errutil.Detail{Field: "amount", Message: "must be greater than zero"}))
	}
	if !p.SourceType.Valid() {
		return errutil.BadRequest("unknown source_type", nil,
			errutil.WithDetails(errutil.Detail{Field: "source_type", Message: string(p.SourceType)}))
	}
	return nil
}

func direction(sign int64) string {
	if sign < 0 {
		return "debit"
	}
	return "credit"
}
