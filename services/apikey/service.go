package apikey

import (
	"context"
	"strings"
	"time"

	"platform-economy/pkg/db/option"
	"platform-economy/pkg/errutil"
	"platform-economy/pkg/logger"
	"platform-economy/pkg/repository"
	"platform-economy/pkg/util"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	repo repository.Repository[APIKey]
	cost int
	now  func() time.Time
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:   p.DB,
		node: p.Node,
		repo: repository.ProvideStore[APIKey](p.DB),
		cost: bcrypt.DefaultCost,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Issue creates a key and returns its token in the form eck_<key id>.<secret>.
func (s *Service) Issue(ctx context.Context, actorID string, p IssueParams) (*Issued, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, errutil.BadRequest("name is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "name", Message: "required"}))
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(s.now()) {
		return nil, errutil.BadRequest("expires_at must be in the future", nil,
			errutil.WithDetails(errutil.Detail{Field: "expires_at", Message: "must be in the future"}))
	}

	keyID, err := util.GenerateToken(6)
	if err != nil {
		return nil, errutil.Internal("generate key id", err)
	}
	secret, err := util.GenerateToken(24)
	if err != nil {
		return nil, errutil.Internal("generate secret", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return nil, errutil.Internal("hash secret", err)
	}

	key := &APIKey{
		ID:         s.node.Generate().String(),
		Name:       name,
		KeyID:      KeyPrefix + keyID,
		SecretHash: string(hash),
		Status:     StatusActive,
		ExpiresAt:  p.ExpiresAt,
	}
	if actorID != "" {
		key.CreatedBy = &actorID
	}
	if err := s.repo.Create(ctx, key); err != nil {
		logger.L(ctx).Error("failed to create api key", zap.Error(err))
		return nil, err
	}

	logger.L(ctx).Info("api key issued", zap.String("key_id", key.KeyID), zap.String("name", name))
	return &Issued{Key: key, Token: key.KeyID + "." + secret}, nil
}

// Verify resolves a token to its active key. Every failure is reported as
// unauthorized without saying which part was wrong.
func (s *Service) Verify(ctx context.Context, token string) (*APIKey, error) {
	denied := errutil.Unauthorized("invalid api key", nil)

	keyID, secret, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || !strings.HasPrefix(keyID, KeyPrefix) || secret == "" {
		return nil, denied
	}

	key, err := s.repo.FindOne(ctx, &APIKey{KeyID: keyID})
	if err != nil {
		return nil, err
	}
	if key == nil || key.Status != StatusActive {
		return nil, denied
	}
	if key.ExpiresAt != nil && !key.ExpiresAt.After(s.now()) {
		return nil, denied
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)); err != nil {
		logger.L(ctx).Warn("api key secret mismatch", zap.String("key_id", keyID))
		return nil, denied
	}
	return key, nil
}

func (s *Service) Revoke(ctx context.Context, id string) (*APIKey, error) {
	if id == "" {
		return nil, errutil.NotFound("api key not found", nil)
	}
	now := s.now()
	n, err := s.repo.UpdateWhere(ctx, &APIKey{ID: id, Status: StatusActive}, map[string]any{
		"status":     StatusRevoked,
		"revoked_at": now,
	})
	if err != nil {
		return nil, err
	}

	key, err := s.repo.FindOne(ctx, &APIKey{ID: id})
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, errutil.NotFound("api key not found", nil)
	}
	if n == 0 {
		return nil, errutil.Wrap(errutil.ErrInvalidStateTransition, "api key already revoked")
	}

	logger.L(ctx).Info("api key revoked", zap.String("key_id", key.KeyID))
	return key, nil
}

func (s *Service) List(ctx context.Context) ([]*APIKey, error) {
	return s.repo.Find(ctx, &APIKey{},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc"}),
		option.WithTieBreaker("id", true),
	)
}
