package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-provider/security"
)

// AddIfAbsent records purpose/id until expiration. It returns false when the
// identifier is already recorded and not yet expired.
func (s *Store) AddIfAbsent(ctx context.Context, purpose, id string, expiration time.Time) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("replay identifier cannot be empty")
	}

	added := false
	err := s.observe(ctx, "replay_add", func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		key := purpose + "|" + id
		if exp, ok := s.replay[key]; ok && !security.IsExpired(s.clock.Now(), exp) {
			return nil
		}
		s.replay[key] = expiration
		added = true
		return nil
	})
	return added, err
}
