package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBoard mirrors leaderboards into a Redis sorted set per competition,
// scored by total value, so rank lookups do not need a recompute.
type RedisBoard struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisBoard creates a Redis mirror. ttl <= 0 keeps keys forever.
func NewRedisBoard(rdb *redis.Client, ttl time.Duration) *RedisBoard {
	return &RedisBoard{rdb: rdb, ttl: ttl}
}

func boardKey(competitionID string) string {
	return "nepse:leaderboard:" + competitionID
}

// Save replaces the sorted set of the board's competition.
func (r *RedisBoard) Save(ctx context.Context, b *Board) error {
	key := boardKey(b.CompetitionID)
	members := make([]redis.Z, 0, len(b.Entries))
	for _, e := range b.Entries {
		members = append(members, redis.Z{Score: e.TotalValue.InexactFloat64(), Member: e.UserID})
	}
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		if len(members) > 0 {
			p.ZAdd(ctx, key, members...)
		}
		if r.ttl > 0 {
			p.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save leaderboard %s: %w", b.CompetitionID, err)
	}
	return nil
}

// Rank returns the 1-based rank of userID, or 0 if absent.
func (r *RedisBoard) Rank(ctx context.Context, competitionID, userID string) (int64, error) {
	rank, err := r.rdb.ZRevRank(ctx, boardKey(competitionID), userID).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rank %s: %w", userID, err)
	}
	return rank + 1, nil
}

// Top returns the n highest-ranked user IDs with their scores.
func (r *RedisBoard) Top(ctx context.Context, competitionID string, n int64) ([]redis.Z, error) {
	if n <= 0 {
		return nil, nil
	}
	out, err := r.rdb.ZRevRangeWithScores(ctx, boardKey(competitionID), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("top %d: %w", n, err)
	}
	return out, nil
}
