package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dialog states. A session means "the next message from this user in this
// chat is dialog input", replacing free-form routing until consumed.
const (
	StateAwaitingRules  = "awaiting_rules"
	StateAwaitingFormat = "awaiting_format"
)

const defaultSessionTTL = 10 * time.Minute

// Session is one explicit conversation-state record.
type Session struct {
	State    string `json:"state"`
	TopicID  int64  `json:"topicId"`
	PromptID int64  `json:"promptId"` // message to edit in place when the dialog ends
}

// SessionStore keeps dialog state in Redis keyed by (chat, user) with a TTL,
// so an abandoned dialog expires on its own.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSessionStore connects to Redis for dialog state.
func NewSessionStore(addr, password string, ttl time.Duration) (*SessionStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("session store requires redis addr")
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &SessionStore{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		ttl:    ttl,
	}, nil
}

func sessionKey(chatID, userID int64) string {
	return fmt.Sprintf("sekretar:session:%d:%d", chatID, userID)
}

// Set stores (or replaces) the dialog state for (chat, user).
func (s *SessionStore) Set(ctx context.Context, chatID, userID int64, session Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.client.Set(ctx, sessionKey(chatID, userID), raw, s.ttl).Err()
}

// Get returns the current dialog state, if any.
func (s *SessionStore) Get(ctx context.Context, chatID, userID int64) (Session, bool, error) {
	raw, err := s.client.Get(ctx, sessionKey(chatID, userID)).Bytes()
	if err == redis.Nil {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return Session{}, false, fmt.Errorf("unmarshal session: %w", err)
	}
	return session, true, nil
}

// Clear ends the dialog for (chat, user).
func (s *SessionStore) Clear(ctx context.Context, chatID, userID int64) error {
	return s.client.Del(ctx, sessionKey(chatID, userID)).Err()
}
