package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"roomchat/internal/chat"
)

const defaultTimeout = 2 * time.Second

// RedisMirror copies local presence into Redis so dashboards and scripts can
// read who is online without talking to the server. Keys:
//
//	{prefix}:online          set of identities
//	{prefix}:user:{identity} hash of room, displayName, updatedAt (expires after ttl
//	                         unless Run keeps refreshing it)
type RedisMirror struct {
	// mu orders refreshes against Online/Moved/Offline so a refresh built
	// from an older snapshot cannot resurrect a user that just went offline.
	mu      sync.Mutex
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	timeout time.Duration
}

var _ chat.PresenceMirror = (*RedisMirror)(nil)

func NewRedisMirror(client *redis.Client, prefix string, ttl time.Duration) *RedisMirror {
	if prefix == "" {
		prefix = "roomchat"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisMirror{client: client, prefix: prefix, ttl: ttl, timeout: defaultTimeout}
}

func (m *RedisMirror) onlineKey() string { return m.prefix + ":online" }

func (m *RedisMirror) userKey(identity string) string {
	return fmt.Sprintf("%s:user:%s", m.prefix, identity)
}

func (m *RedisMirror) Online(ctx context.Context, rec chat.Record) error {
	return m.write(ctx, rec)
}

func (m *RedisMirror) Moved(ctx context.Context, rec chat.Record) error {
	return m.write(ctx, rec)
}

func (m *RedisMirror) write(ctx context.Context, rec chat.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	pipe := m.client.TxPipeline()
	m.queue(ctx, pipe, rec)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror presence of %s: %w", rec.Identity, err)
	}
	return nil
}

func (m *RedisMirror) queue(ctx context.Context, pipe redis.Pipeliner, rec chat.Record) {
	pipe.SAdd(ctx, m.onlineKey(), rec.Identity)
	pipe.HSet(ctx, m.userKey(rec.Identity), map[string]interface{}{
		"room":        rec.Room,
		"displayName": rec.DisplayName,
		"updatedAt":   time.Now().Unix(),
	})
	pipe.Expire(ctx, m.userKey(rec.Identity), m.ttl)
}

// Refresh rewrites every record in one pipeline, resetting their expiry.
func (m *RedisMirror) Refresh(ctx context.Context, recs []chat.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refresh(ctx, recs)
}

func (m *RedisMirror) refresh(ctx context.Context, recs []chat.Record) error {
	if len(recs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	pipe := m.client.Pipeline()
	for _, rec := range recs {
		m.queue(ctx, pipe, rec)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("refresh mirrored presence: %w", err)
	}
	return nil
}

// Run refreshes snapshot() every interval until ctx is done. An interval of
// zero or less means half the ttl. Failures are logged and retried on the
// next tick.
func (m *RedisMirror) Run(ctx context.Context, interval time.Duration, snapshot func() []chat.Record, logger zerolog.Logger) {
	if interval <= 0 {
		interval = m.ttl / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.refreshFrom(ctx, snapshot); err != nil && ctx.Err() == nil {
				logger.Warn().Err(err).Msg("presence mirror refresh failed")
			}
		}
	}
}

// refreshFrom takes the snapshot while holding mu, so presence changes that
// land after it are written after the refresh.
func (m *RedisMirror) refreshFrom(ctx context.Context, snapshot func() []chat.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refresh(ctx, snapshot())
}

func (m *RedisMirror) Offline(ctx context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	pipe := m.client.TxPipeline()
	pipe.SRem(ctx, m.onlineKey(), identity)
	pipe.Del(ctx, m.userKey(identity))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror offline of %s: %w", identity, err)
	}
	return nil
}

// Entry is one mirrored user.
type Entry struct {
	Identity    string
	DisplayName string
	Room        string
}

// List returns the mirrored users. Users whose hash expired are skipped.
func (m *RedisMirror) List(ctx context.Context) ([]Entry, error) {
	identities, err := m.client.SMembers(ctx, m.onlineKey()).Result()
	if err != nil {
		return nil, err
	}
	cmds, err := m.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, identity := range identities {
			pipe.HGetAll(ctx, m.userKey(identity))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(identities))
	for i, cmd := range cmds {
		fields, err := cmd.(*redis.MapStringStringCmd).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		entries = append(entries, Entry{
			Identity:    identities[i],
			DisplayName: fields["displayName"],
			Room:        fields["room"],
		})
	}
	return entries, nil
}
