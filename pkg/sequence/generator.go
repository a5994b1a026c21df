package sequence

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"creditflow/pkg/rediskey"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(New),
)

const (
	PrefixDebit  = "DBT"
	PrefixCredit = "CRD"
)

// Generator hands out human readable transaction codes for ledger entries,
// e.g. DBT-261017-00A7K.
type Generator interface {
	Next(ctx context.Context, prefix string) (string, error)
}

type Params struct {
	fx.In

	Redis *redis.Client `optional:"true"`
}

// New returns a redis backed generator, or a random one when redis is not
// configured.
func New(p Params) Generator {
	if p.Redis == nil {
		return RandomGenerator{}
	}
	return &RedisGenerator{rdb: p.Redis}
}

type RedisGenerator struct {
	rdb *redis.Client
}

func (g *RedisGenerator) Next(ctx context.Context, prefix string) (string, error) {
	today := time.Now().UTC().Format("060102")
	key := rediskey.BuildSequenceKey(prefix, today)

	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", err
	}

	if seq == 1 {
		_ = g.rdb.Expire(ctx, key, 25*time.Hour).Err()
	}

	suffix, err := randomAlphaNumeric(2)
	if err != nil {
		return "", err
	}

	return formatCode(prefix, today, seq, suffix), nil
}

// RandomGenerator produces codes without a shared counter. Codes are not
// ordered but stay unique enough for display.
type RandomGenerator struct{}

func (RandomGenerator) Next(_ context.Context, prefix string) (string, error) {
	suffix, err := randomAlphaNumeric(6)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%s", prefix, time.Now().UTC().Format("060102"), suffix), nil
}

func formatCode(prefix, day string, seq int64, suffix string) string {
	encodedSeq := strings.ToUpper(fmt.Sprintf("%03s", strconv.FormatInt(seq, 36)))
	return fmt.Sprintf("%s-%s-%s%s", prefix, day, encodedSeq, suffix)
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
