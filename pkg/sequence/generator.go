package sequence

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"platform-economy/pkg/rediskey"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

type Generator interface {
	NextReferralCode(ctx context.Context) (string, error)
	NextCouponCode(ctx context.Context) (string, error)
	NextPaymentReference(ctx context.Context) (string, error)
}

type RedisGenerator struct {
	rdb *redis.Client
	now func() time.Time
}

type Params struct {
	fx.In

	Redis *redis.Client
}

func NewRedisGenerator(p Params) Generator {
	return &RedisGenerator{
		rdb: p.Redis,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// NextReferralCode returns an opaque code like "R3K7Q9ZD" built from a global
// counter plus random padding, so codes cannot be enumerated.
func (g *RedisGenerator) NextReferralCode(ctx context.Context) (string, error) {
	seq, err := g.rdb.Incr(ctx, rediskey.BuildSequenceKey(rediskey.ReferralPrefix)).Result()
	if err != nil {
		return "", err
	}

	encoded := strings.ToUpper(strconv.FormatInt(seq, 36))
	suffix, err := randomAlphaNumeric(4)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("R%s%s", encoded, suffix), nil
}

func (g *RedisGenerator) NextCouponCode(ctx context.Context) (string, error) {
	return g.nextDailyCode(ctx, "CPN")
}

func (g *RedisGenerator) NextPaymentReference(ctx context.Context) (string, error) {
	return g.nextDailyCode(ctx, "PAY")
}

func (g *RedisGenerator) nextDailyCode(ctx context.Context, prefix string) (string, error) {
	now := g.now()
	today := now.Format("060102")
	key := rediskey.BuildDailySequenceKey(prefix, today)

	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", err
	}

	if seq == 1 {
		endOfDay := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		_ = g.rdb.ExpireAt(ctx, key, endOfDay).Err()
	}

	// base36, padded to 3 chars
	encodedSeq := strings.ToUpper(fmt.Sprintf("%03s", strconv.FormatInt(seq, 36)))

	randSuffix, err := randomAlphaNumeric(2)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s-%s-%s%s", prefix, today, encodedSeq, randSuffix), nil
}

func randomAlphaNumeric(n int) (string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		b[i] = chars[num.Int64()]
	}
	return string(b), nil
}
