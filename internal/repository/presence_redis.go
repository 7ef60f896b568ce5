package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"collab-core/internal/models"

	"github.com/redis/go-redis/v9"
)

/*
LEARNING: PRESENCE MIRROR

Presence lives in memory in the session manager. Mirroring it into Redis
lets other processes (a dashboard, a second gateway) see who is online
without talking to this one.

  collab:presence:{<session>}:<user>  hash  userId displayName role status color lastSeen
  collab:presence:{<session>}         set   user ids with a presence hash

Every entry carries a TTL that cursor moves and status changes renew, so
a crashed server's users fade out on their own. The braces are a hash
tag keeping a session's keys in one cluster slot.
*/

// PresenceEntry is one user's mirrored presence
type PresenceEntry struct {
	UserID      string
	DisplayName string
	Role        models.Role
	Status      models.ParticipantStatus
	Color       string
	LastSeen    time.Time
}

// RedisPresenceStore mirrors session presence into Redis
type RedisPresenceStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewRedisClient connects and pings, like every other Redis user here
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return rdb, nil
}

func NewRedisPresenceStore(rdb redis.Cmdable, ttl time.Duration) *RedisPresenceStore {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisPresenceStore{rdb: rdb, ttl: ttl}
}

func presenceKey(sessionID, userID string) string {
	return fmt.Sprintf("collab:presence:{%s}:%s", sessionID, userID)
}

func presenceIndexKey(sessionID string) string {
	return fmt.Sprintf("collab:presence:{%s}", sessionID)
}

func (s *RedisPresenceStore) Name() string { return "redis_presence" }

// Deliver applies one collaboration event to the mirror
func (s *RedisPresenceStore) Deliver(ctx context.Context, ev models.CollaborationEvent) error {
	switch ev.Type {
	case models.EventUserJoined:
		var data models.UserJoinedData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		p := data.Participant
		return s.put(ctx, ev.SessionID, p.UserID, ev.Timestamp,
			"userId", p.UserID,
			"displayName", p.DisplayName,
			"role", string(p.Role),
			"status", string(p.Status),
			"color", p.Color,
		)

	case models.EventUserStatusChanged:
		var data models.StatusChangedData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		fields := []any{"userId", data.UserID}
		if data.Status != "" {
			fields = append(fields, "status", string(data.Status))
		}
		if data.Role != "" {
			fields = append(fields, "role", string(data.Role))
		}
		return s.put(ctx, ev.SessionID, data.UserID, ev.Timestamp, fields...)

	case models.EventCursorMoved:
		return s.put(ctx, ev.SessionID, ev.UserID, ev.Timestamp, "userId", ev.UserID)

	case models.EventUserLeft:
		var data models.UserLeftData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		pipe := s.rdb.TxPipeline()
		pipe.Del(ctx, presenceKey(ev.SessionID, data.UserID))
		pipe.SRem(ctx, presenceIndexKey(ev.SessionID), data.UserID)
		_, err := pipe.Exec(ctx)
		return err

	default:
		return nil
	}
}

func (s *RedisPresenceStore) put(ctx context.Context, sessionID, userID string, at time.Time, fields ...any) error {
	key := presenceKey(sessionID, userID)
	index := presenceIndexKey(sessionID)
	fields = append(fields, "lastSeen", at.UTC().Format(time.RFC3339Nano))

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields...)
	pipe.Expire(ctx, key, s.ttl)
	pipe.SAdd(ctx, index, userID)
	pipe.Expire(ctx, index, s.ttl*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write presence for %s: %w", userID, err)
	}
	return nil
}

// Online lists the mirrored presence of a session. Index members whose
// hash already expired are pruned.
func (s *RedisPresenceStore) Online(ctx context.Context, sessionID string) ([]PresenceEntry, error) {
	index := presenceIndexKey(sessionID)
	users, err := s.rdb.SMembers(ctx, index).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence index: %w", err)
	}
	if len(users) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(users))
	for i, u := range users {
		cmds[i] = pipe.HGetAll(ctx, presenceKey(sessionID, u))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}

	entries := make([]PresenceEntry, 0, len(users))
	var gone []any
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			gone = append(gone, users[i])
			continue
		}
		entries = append(entries, presenceFromHash(fields))
	}
	if len(gone) > 0 {
		_ = s.rdb.SRem(ctx, index, gone...).Err()
	}
	return entries, nil
}

// Lookup returns one user's presence; ok is false when none is mirrored
func (s *RedisPresenceStore) Lookup(ctx context.Context, sessionID, userID string) (PresenceEntry, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, presenceKey(sessionID, userID)).Result()
	if err != nil {
		return PresenceEntry{}, false, err
	}
	if len(fields) == 0 {
		return PresenceEntry{}, false, nil
	}
	return presenceFromHash(fields), true, nil
}

func presenceFromHash(fields map[string]string) PresenceEntry {
	entry := PresenceEntry{
		UserID:      fields["userId"],
		DisplayName: fields["displayName"],
		Role:        models.Role(fields["role"]),
		Status:      models.ParticipantStatus(fields["status"]),
		Color:       fields["color"],
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["lastSeen"]); err == nil {
		entry.LastSeen = ts
	}
	return entry
}
