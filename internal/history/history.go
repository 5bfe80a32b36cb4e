// Package history provides behavioral history aggregation for entities.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Cache TTL for computed history profiles. Short enough that recent
// transactions show up quickly, long enough to absorb request bursts.
const historyTTL = 30 * time.Second

// Service computes transaction history profiles for users and devices.
// Profiles are cached to keep lookup latency bounded on the hot path.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
	now   func() time.Time
}

// NewService creates a new history service.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
		now:   time.Now,
	}
}

// History returns the behavioral profile for a user and device pair.
// The cache is consulted first; on a miss the profile is computed from
// stored transactions and written back.
func (s *Service) History(ctx context.Context, userID, deviceID string) (*domain.EntityHistory, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID is required")
	}

	key := userID + "|" + deviceID

	if s.cache != nil {
		if cached, err := s.cache.GetHistory(ctx, key); err == nil && cached != nil {
			return cached, nil
		}
	}

	hist, err := s.compute(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		// Best effort; a failed write just means recompute next time
		_ = s.cache.SetHistory(ctx, key, hist, historyTTL)
	}

	return hist, nil
}

// compute builds a profile from the transaction store.
func (s *Service) compute(ctx context.Context, userID, deviceID string) (*domain.EntityHistory, error) {
	now := s.now().UTC()

	userTxs, err := s.repo.GetTransactionsByUser(ctx, userID, now.Add(-30*24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to load user transactions: %w", err)
	}

	hist := &domain.EntityHistory{
		ComputedAt: now,
	}

	var totalAmount float64
	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)

	for _, tx := range userTxs {
		totalAmount += tx.Amount
		if tx.Timestamp.After(hourAgo) {
			hist.UserTxCount1h++
		}
		if tx.Timestamp.After(dayAgo) {
			hist.UserTxCount24h++
		}
		if deviceID != "" && tx.DeviceID == deviceID {
			hist.KnownDevice = true
		}
	}

	if len(userTxs) > 0 {
		hist.UserAvgAmount = totalAmount / float64(len(userTxs))
	}

	if deviceID != "" {
		deviceTxs, err := s.repo.GetTransactionsByDevice(ctx, deviceID, now.Add(-30*24*time.Hour))
		if err != nil {
			return nil, fmt.Errorf("failed to load device transactions: %w", err)
		}
		hist.DeviceTxCount = int64(len(deviceTxs))
		for _, tx := range deviceTxs {
			if hist.DeviceFirstSeen.IsZero() || tx.Timestamp.Before(hist.DeviceFirstSeen) {
				hist.DeviceFirstSeen = tx.Timestamp
			}
		}
	}

	return hist, nil
}
