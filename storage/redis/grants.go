package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/oauth-provider/internal/util"
	"github.com/giantswarm/oauth-provider/storage"
)

const (
	fieldGrant    = "grant"
	fieldConsumed = "consumed"
)

// consumeGrantScript atomically marks a grant consumed. Only ONE concurrent
// caller observes the unset field.
//
// KEYS[1] = grant hash key
// ARGV[1] = consumed time (RFC 3339)
//
// Returns:
//   - nil if the grant does not exist
//   - {1, grant, ARGV[1]} if this call consumed it
//   - {0, grant, consumed} if it was consumed before
var consumeGrantScript = goredis.NewScript(`
local grant = redis.call('HGET', KEYS[1], 'grant')
if not grant then
    return false
end
local consumed = redis.call('HGET', KEYS[1], 'consumed')
if consumed then
    return {0, grant, consumed}
end
redis.call('HSET', KEYS[1], 'consumed', ARGV[1])
return {1, grant, ARGV[1]}
`)

// ============================================================
// PersistedGrantStore Implementation
// ============================================================

// StoreGrant saves or replaces a grant. The key expires with the grant.
func (s *Store) StoreGrant(ctx context.Context, grant *storage.PersistedGrant) error {
	if grant == nil {
		return fmt.Errorf("grant cannot be nil")
	}
	if grant.Key == "" {
		return fmt.Errorf("grant key cannot be empty")
	}
	if err := validateGrant(grant); err != nil {
		return err
	}

	envelope := *grant
	envelope.ConsumedTime = time.Time{}
	data, err := json.Marshal(&envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal grant: %w", err)
	}

	return s.observe(ctx, "store_grant", func(ctx context.Context) error {
		key := s.grantKey(grant.Key)
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fieldGrant, string(data))
		if grant.IsConsumed() {
			pipe.HSet(ctx, key, fieldConsumed, formatTime(grant.ConsumedTime))
		}
		if ttl := s.ttlUntil(grant.Expiration); ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}
		for _, idx := range s.indexesFor(grant) {
			pipe.SAdd(ctx, idx, grant.Key)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to store grant: %w", err)
		}

		s.logger.Debug("Stored grant",
			"kind", grant.Kind,
			"key_prefix", util.SafeTruncate(grant.Key, keyLogLength),
			"client_id", grant.ClientID)
		return nil
	})
}

// GetGrant returns the grant stored under key, consumed or not.
func (s *Store) GetGrant(ctx context.Context, key string) (*storage.PersistedGrant, error) {
	var out *storage.PersistedGrant
	err := s.observe(ctx, "get_grant", func(ctx context.Context) error {
		fields, err := s.client.HGetAll(ctx, s.grantKey(key)).Result()
		if err != nil {
			return fmt.Errorf("failed to get grant: %w", err)
		}
		g, err := decodeGrantFields(fields)
		if err != nil {
			return err
		}
		out = g
		return nil
	})
	return out, err
}

// ConsumeGrant atomically sets ConsumedTime. A grant consumed before is
// returned together with storage.ErrAlreadyConsumed.
func (s *Store) ConsumeGrant(ctx context.Context, key string, at time.Time) (*storage.PersistedGrant, error) {
	var out *storage.PersistedGrant
	err := s.observe(ctx, "consume_grant", func(ctx context.Context) error {
		res, err := consumeGrantScript.Run(ctx, s.client, []string{s.grantKey(key)}, formatTime(at)).Slice()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("failed to consume grant: %w", err)
		}
		if len(res) != 3 {
			return fmt.Errorf("unexpected consume result length %d", len(res))
		}

		first, _ := res[0].(int64)
		data, _ := res[1].(string)
		consumed, _ := res[2].(string)

		g, err := decodeGrantFields(map[string]string{fieldGrant: data, fieldConsumed: consumed})
		if err != nil {
			return err
		}
		out = g
		if first != 1 {
			return storage.ErrAlreadyConsumed
		}
		return nil
	})
	return out, err
}

// RemoveGrant deletes a grant. Index entries are pruned lazily.
func (s *Store) RemoveGrant(ctx context.Context, key string) error {
	return s.observe(ctx, "remove_grant", func(ctx context.Context) error {
		if err := s.client.Del(ctx, s.grantKey(key)).Err(); err != nil {
			return fmt.Errorf("failed to remove grant: %w", err)
		}
		return nil
	})
}

// GetAllGrants returns the grants matching filter.
func (s *Store) GetAllGrants(ctx context.Context, filter storage.GrantFilter) ([]*storage.PersistedGrant, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	var out []*storage.PersistedGrant
	err := s.observe(ctx, "get_all_grants", func(ctx context.Context) error {
		grants, err := s.findGrants(ctx, filter)
		out = grants
		return err
	})
	return out, err
}

// RemoveAllGrants removes the grants matching filter.
func (s *Store) RemoveAllGrants(ctx context.Context, filter storage.GrantFilter) (int, error) {
	if err := filter.Validate(); err != nil {
		return 0, err
	}

	removed := 0
	err := s.observe(ctx, "remove_all_grants", func(ctx context.Context) error {
		grants, err := s.findGrants(ctx, filter)
		if err != nil {
			return err
		}
		if len(grants) == 0 {
			return nil
		}

		pipe := s.client.TxPipeline()
		for _, g := range grants {
			pipe.Del(ctx, s.grantKey(g.Key))
			for _, idx := range s.indexesFor(g) {
				pipe.SRem(ctx, idx, g.Key)
			}
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to remove grants: %w", err)
		}
		removed = len(grants)
		return nil
	})
	if removed > 0 {
		s.logger.Debug("Removed grants", "count", removed,
			"client_id", filter.ClientID, "family_id", filter.FamilyID, "kind", filter.Kind)
	}
	return removed, err
}

// findGrants reads the most selective index for filter and loads its members.
func (s *Store) findGrants(ctx context.Context, filter storage.GrantFilter) ([]*storage.PersistedGrant, error) {
	var index string
	switch {
	case filter.FamilyID != "":
		index = s.familyIndex(filter.FamilyID)
	case filter.SubjectID != "":
		index = s.subjectIndex(filter.SubjectID)
	default:
		index = s.clientIndex(filter.ClientID)
	}

	members, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read grant index: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.HGetAll(ctx, s.grantKey(m))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load grants: %w", err)
	}

	var out []*storage.PersistedGrant
	var stale []any
	for i, cmd := range cmds {
		g, err := decodeGrantFields(cmd.Val())
		if errors.Is(err, storage.ErrNotFound) {
			stale = append(stale, members[i])
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter.Matches(g) {
			out = append(out, g)
		}
	}

	if len(stale) > 0 {
		if err := s.client.SRem(ctx, index, stale...).Err(); err != nil {
			s.logger.Warn("Failed to prune grant index", "error", err)
		}
	}
	return out, nil
}

func (s *Store) indexesFor(g *storage.PersistedGrant) []string {
	var idx []string
	if g.FamilyID != "" {
		idx = append(idx, s.familyIndex(g.FamilyID))
	}
	if g.SubjectID != "" {
		idx = append(idx, s.subjectIndex(g.SubjectID))
	}
	if g.ClientID != "" {
		idx = append(idx, s.clientIndex(g.ClientID))
	}
	return idx
}

func validateGrant(g *storage.PersistedGrant) error {
	for name, v := range map[string]string{
		"key":        g.Key,
		"client_id":  g.ClientID,
		"subject_id": g.SubjectID,
		"session_id": g.SessionID,
		"family_id":  g.FamilyID,
	} {
		if err := validateStringLength(v, MaxIDLength, name); err != nil {
			return err
		}
	}
	return validateStringLength(g.Data, MaxGrantDataSize, "data")
}

func decodeGrantFields(fields map[string]string) (*storage.PersistedGrant, error) {
	data, ok := fields[fieldGrant]
	if !ok || data == "" {
		return nil, storage.ErrNotFound
	}
	var g storage.PersistedGrant
	if err := json.Unmarshal([]byte(data), &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal grant: %w", err)
	}
	if c := fields[fieldConsumed]; c != "" {
		t, err := time.Parse(time.RFC3339Nano, c)
		if err != nil {
			return nil, fmt.Errorf("failed to parse consumed time: %w", err)
		}
		g.ConsumedTime = t
	}
	return &g, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
