package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/craftlink/earnings-service/internal/model"
)

const summaryTTL = 5 * time.Minute

func summaryKey(userID uint64) string { return fmt.Sprintf("summary:%d", userID) }

// CacheSummary writes the wallet summary to Redis.
func (r *Repository) CacheSummary(ctx context.Context, userID uint64, s model.Summary) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, summaryKey(userID), string(b), summaryTTL).Err()
}

// GetCachedSummary reads the wallet summary from Redis.
func (r *Repository) GetCachedSummary(ctx context.Context, userID uint64) (*model.Summary, error) {
	str, err := r.rdb.Get(ctx, summaryKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	var s model.Summary
	if err := json.Unmarshal([]byte(str), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// InvalidateSummary drops the cached summary after a balance mutation.
func (r *Repository) InvalidateSummary(ctx context.Context, userID uint64) error {
	return r.rdb.Del(ctx, summaryKey(userID)).Err()
}

const paypalStateTTL = 15 * time.Minute

func paypalStateKey(state string) string { return "paypal:state:" + state }

// SavePayPalState stores an OAuth state nonce for the connect flow.
func (r *Repository) SavePayPalState(ctx context.Context, state string, userID uint64) error {
	return r.rdb.Set(ctx, paypalStateKey(state), fmt.Sprintf("%d", userID), paypalStateTTL).Err()
}

// TakePayPalState consumes a state nonce, returning the user it was minted
// for. Single use: the key is deleted on read.
func (r *Repository) TakePayPalState(ctx context.Context, state string) (uint64, error) {
	str, err := r.rdb.Get(ctx, paypalStateKey(state)).Result()
	if err != nil {
		return 0, err
	}
	_ = r.rdb.Del(ctx, paypalStateKey(state)).Err()
	var userID uint64
	if _, err := fmt.Sscanf(str, "%d", &userID); err != nil {
		return 0, err
	}
	return userID, nil
}
