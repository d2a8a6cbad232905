package redis

import (
	"context"
	"fmt"
	"time"
)

// AddIfAbsent records purpose/id with SET NX until expiration. It returns
// false when the identifier is already recorded.
func (s *Store) AddIfAbsent(ctx context.Context, purpose, id string, expiration time.Time) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("replay identifier cannot be empty")
	}
	if err := validateStringLength(id, MaxIDLength, "id"); err != nil {
		return false, err
	}

	added := false
	err := s.observe(ctx, "replay_add", func(ctx context.Context) error {
		ttl := s.ttlUntil(expiration)
		if ttl <= 0 {
			// Unbounded identifiers are kept for a day.
			ttl = 24 * time.Hour
		}
		ok, err := s.client.SetNX(ctx, s.replayKey(purpose, id), "1", ttl).Result()
		if err != nil {
			return fmt.Errorf("failed to record replay identifier: %w", err)
		}
		added = ok
		return nil
	})
	return added, err
}
