package federation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/campusworks/trustcore/pkg/autherr"
	"github.com/campusworks/trustcore/pkg/storage/postgres"
)

const (
	relayKeyPrefix     = "fed:relay:"
	assertionKeyPrefix = "fed:assertion:"
	// stateTokenBytes gives 256 bits of entropy per state token
	stateTokenBytes = 32
)

// relayCache wraps the shared redis client for relay state and assertion
// replay markers.
type relayCache struct {
	redis *postgres.RedisClient
}

// issueState stores relay state under a fresh unguessable token
func (c *relayCache) issueState(ctx context.Context, state RelayState, ttl time.Duration) (string, error) {
	raw := make([]byte, stateTokenBytes)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("failed to generate state token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	payload, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to marshal relay state: %w", err)
	}

	if err := c.redis.Set(ctx, relayKeyPrefix+token, payload, ttl); err != nil {
		return "", fmt.Errorf("%w: relay state store: %v", autherr.ErrPersistenceUnavailable, err)
	}
	return token, nil
}

// consumeState fetches and deletes relay state in one atomic operation.
// A missing token means expired, already consumed, or never issued; the
// caller cannot tell which, and neither can an attacker.
func (c *relayCache) consumeState(ctx context.Context, token string) (*RelayState, error) {
	payload, err := c.redis.GetDel(ctx, relayKeyPrefix+token)
	if err != nil {
		if errors.Is(err, postgres.ErrCacheMiss) {
			return nil, autherr.ErrStateExpiredOrUnknown
		}
		return nil, fmt.Errorf("%w: relay state fetch: %v", autherr.ErrPersistenceUnavailable, err)
	}

	var state RelayState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, autherr.ErrStateExpiredOrUnknown
	}
	return &state, nil
}

// markAssertion records an assertion identifier for the remainder of its
// validity window. The conditional set is one atomic round trip: of any two
// concurrent consumers, exactly one wins.
func (c *relayCache) markAssertion(ctx context.Context, assertionID string, ttl time.Duration) error {
	ok, err := c.redis.SetNX(ctx, assertionKeyPrefix+assertionID, "1", ttl)
	if err != nil {
		// Fail closed: an unreachable replay store rejects the attempt
		return fmt.Errorf("%w: replay marker store: %v", autherr.ErrPersistenceUnavailable, err)
	}
	if !ok {
		return autherr.ErrReplayDetected
	}
	return nil
}
