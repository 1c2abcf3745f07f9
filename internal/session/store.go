package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/newschat/models"
)

const (
	sessionKeyPrefix = "chat:session:"
	historyKeyPrefix = "chat:history:"

	// derived titles longer than the configured bound are cut three runes
	// short of it to leave room for an ellipsis marker
	defaultTitleMaxLen = 50
)

// Store owns session metadata and ordered chat history in Redis.
// Every write refreshes the sliding retention window on both keys, so an idle
// session silently disappears once the window elapses.
type Store struct {
	client   *redis.Client
	ttl      time.Duration
	titleMax int
}

// Conn opens and verifies a Redis connection.
func Conn(ctx context.Context, host, port, pass string, db int, timeout time.Duration) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", host, port),
		DialTimeout: timeout,
		Password:    pass,
		DB:          db,
	})

	pong, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, err
	}
	if pong != "PONG" {
		return nil, fmt.Errorf("expected PONG, got %s", pong)
	}

	return client, nil
}

func NewStore(client *redis.Client, ttl time.Duration, titleMax int) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if titleMax < 4 {
		titleMax = defaultTitleMaxLen
	}
	return &Store{client: client, ttl: ttl, titleMax: titleMax}
}

// TTL reports the configured retention window.
func (s *Store) TTL() time.Duration { return s.ttl }

// Ping verifies the backing connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// CreateSession allocates a new session with the given title. Blank titles are
// coerced to the default; a title is never persisted empty.
func (s *Store) CreateSession(ctx context.Context, title string) (models.Session, error) {
	now := time.Now().UTC()
	sess := models.Session{
		ID:           uuid.NewString(),
		Title:        coerceTitle(title),
		CreatedAt:    now,
		LastActivity: now,
		MessageCount: 0,
		IsActive:     true,
	}
	if err := s.putSession(ctx, sess, s.ttl); err != nil {
		return models.Session{}, err
	}
	return sess, nil
}

// SessionExists reports whether the session metadata key is present.
// It does not touch lastActivity or the expiry.
func (s *Store) SessionExists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, sessionKeyPrefix+id).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetSession loads session metadata.
func (s *Store) GetSession(ctx context.Context, id string) (models.Session, error) {
	val, err := s.client.Get(ctx, sessionKeyPrefix+id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.Session{}, models.ErrSessionNotFound
		}
		return models.Session{}, err
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return models.Session{}, fmt.Errorf("corrupt session record %s: %w", id, err)
	}
	return sess, nil
}

// GetChatHistory returns the most recent limit turns, oldest first.
// limit <= 0 returns the whole history. A missing session yields
// models.ErrSessionNotFound, not an empty list.
func (s *Store) GetChatHistory(ctx context.Context, id string, limit int) ([]models.ChatTurn, error) {
	exists, err := s.SessionExists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, models.ErrSessionNotFound
	}

	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	vals, err := s.client.LRange(ctx, historyKeyPrefix+id, start, -1).Result()
	if err != nil {
		return nil, err
	}
	turns := make([]models.ChatTurn, 0, len(vals))
	for _, v := range vals {
		var turn models.ChatTurn
		if err := json.Unmarshal([]byte(v), &turn); err != nil {
			return nil, fmt.Errorf("corrupt turn in session %s: %w", id, err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// AddMessage appends a turn to the session history, increments the message
// counter, updates lastActivity, and resets the retention window on both keys.
//
// The history append itself is a single RPUSH and therefore atomic, but the
// metadata update is a read-modify-write: two concurrent appends to the same
// session can interleave and the counter resolves last-write-wins. Accepted.
func (s *Store) AddMessage(ctx context.Context, id string, turn models.ChatTurn) (models.ChatTurn, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return models.ChatTurn{}, err
	}

	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return models.ChatTurn{}, fmt.Errorf("failed to marshal turn: %w", err)
	}

	sess.MessageCount++
	sess.LastActivity = turn.Timestamp
	meta, err := json.Marshal(sess)
	if err != nil {
		return models.ChatTurn{}, fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, historyKeyPrefix+id, data)
	pipe.Set(ctx, sessionKeyPrefix+id, meta, s.ttl)
	pipe.Expire(ctx, historyKeyPrefix+id, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.ChatTurn{}, fmt.Errorf("failed to append turn: %w", err)
	}
	return turn, nil
}

// UpdateSessionTitle sets the title, coercing blanks to the default. As with
// every write, the retention window resets to its full duration.
func (s *Store) UpdateSessionTitle(ctx context.Context, id, title string) (models.Session, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return models.Session{}, err
	}
	sess.Title = coerceTitle(title)
	meta, err := json.Marshal(sess)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to marshal session: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+id, meta, s.ttl)
	pipe.Expire(ctx, historyKeyPrefix+id, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.Session{}, fmt.Errorf("failed to store session: %w", err)
	}
	return sess, nil
}

// AutoGenerateTitle derives a session title from the first user message,
// truncating to a bounded length. On any failure to derive, the default title
// is assigned instead; the title never ends up blank.
func (s *Store) AutoGenerateTitle(ctx context.Context, id, firstMessage string) (models.Session, error) {
	return s.UpdateSessionTitle(ctx, id, TitleFromMessage(firstMessage, s.titleMax))
}

// ClearChatHistory empties the history while preserving metadata and its
// remaining expiry. The message counter is zeroed to keep it equal to the
// number of persisted turns.
func (s *Store) ClearChatHistory(ctx context.Context, id string) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	sess.MessageCount = 0
	meta, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, historyKeyPrefix+id)
	pipe.Set(ctx, sessionKeyPrefix+id, meta, redis.KeepTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

// DeleteSession removes metadata and history together.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	exists, err := s.SessionExists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return models.ErrSessionNotFound
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKeyPrefix+id)
	pipe.Del(ctx, historyKeyPrefix+id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// GetAllSessions lists every live session with its most recent turn, sorted by
// lastActivity descending. Repair-on-read: a session found with a blank title
// is rewritten with the default title as part of the read contract.
func (s *Store) GetAllSessions(ctx context.Context) ([]models.SessionSummary, error) {
	keys, err := s.client.Keys(ctx, sessionKeyPrefix+"*").Result()
	if err != nil {
		return nil, err
	}

	summaries := make([]models.SessionSummary, 0, len(keys))
	for _, key := range keys {
		val, err := s.client.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // expired between KEYS and GET
			}
			return nil, err
		}
		var sess models.Session
		if err := json.Unmarshal([]byte(val), &sess); err != nil {
			return nil, fmt.Errorf("corrupt session record %s: %w", key, err)
		}
		if strings.TrimSpace(sess.Title) == "" {
			sess.Title = models.DefaultSessionTitle
			if err := s.putSession(ctx, sess, redis.KeepTTL); err != nil {
				return nil, err
			}
		}

		summary := models.SessionSummary{Session: sess}
		last, err := s.client.LRange(ctx, historyKeyPrefix+sess.ID, -1, -1).Result()
		if err == nil && len(last) == 1 {
			var turn models.ChatTurn
			if err := json.Unmarshal([]byte(last[0]), &turn); err == nil {
				summary.LastMessage = &turn
			}
		}
		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastActivity.After(summaries[j].LastActivity)
	})
	return summaries, nil
}

// GetSessionStats reports metadata plus storage-level detail for one session.
func (s *Store) GetSessionStats(ctx context.Context, id string) (models.SessionStats, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return models.SessionStats{}, err
	}
	length, err := s.client.LLen(ctx, historyKeyPrefix+id).Result()
	if err != nil {
		return models.SessionStats{}, err
	}
	ttl, err := s.client.TTL(ctx, sessionKeyPrefix+id).Result()
	if err != nil {
		return models.SessionStats{}, err
	}
	return models.SessionStats{
		CreatedAt:     sess.CreatedAt,
		LastActivity:  sess.LastActivity,
		MessageCount:  sess.MessageCount,
		HistoryLength: int(length),
		TTL:           ttl,
	}, nil
}

func (s *Store) putSession(ctx context.Context, sess models.Session, expiration time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKeyPrefix+sess.ID, data, expiration).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

// TitleFromMessage derives a session title from a message, truncating
// messages longer than max runes and terminating them with an ellipsis
// marker. Bounds too small to truncate into fall back to the default.
func TitleFromMessage(message string, max int) string {
	if max < 4 {
		max = defaultTitleMaxLen
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return models.DefaultSessionTitle
	}
	runes := []rune(message)
	if len(runes) <= max {
		return message
	}
	return string(runes[:max-3]) + "..."
}

func coerceTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return models.DefaultSessionTitle
	}
	return title
}
