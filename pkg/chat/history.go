// Package chat persists per-session conversation transcripts. Histories
// are keyed by session id, live independently of the response cache, and
// expire 30 days after their last update.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stationside/orbitcache/pkg/cache"
)

// ErrNoSession is returned when a session id is empty.
var ErrNoSession = errors.New("session id is required")

// Message is a single turn in a conversation.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// History is an ordered session transcript.
type History struct {
	SessionID    string    `json:"session_id"`
	Messages     []Message `json:"messages"`
	LastUpdated  time.Time `json:"last_updated"`
	MessageCount int       `json:"message_count"`
}

// Options configures the history store.
type Options struct {
	// KeyPrefix namespaces history keys, separate from the cache namespace.
	KeyPrefix string

	// TTL is refreshed on every append.
	TTL time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		KeyPrefix: "orbitchat:",
		TTL:       30 * 24 * time.Hour,
	}
}

// Store persists chat histories in an injected KV store.
type Store struct {
	store cache.Store
	opts  Options
}

// NewStore creates a history store. Zero-valued options fall back to
// defaults.
func NewStore(store cache.Store, opts Options) *Store {
	def := DefaultOptions()
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = def.KeyPrefix
	}
	if opts.TTL == 0 {
		opts.TTL = def.TTL
	}
	return &Store{store: store, opts: opts}
}

func (s *Store) key(sessionID string) string {
	return s.opts.KeyPrefix + "session:" + sessionID
}

// Append adds a message to a session's transcript, creating the session
// if needed, and refreshes the 30-day TTL.
func (s *Store) Append(ctx context.Context, sessionID string, msg Message) (*History, error) {
	if sessionID == "" {
		return nil, ErrNoSession
	}
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}

	history, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if history == nil {
		history = &History{SessionID: sessionID}
	}

	history.Messages = append(history.Messages, msg)
	history.MessageCount = len(history.Messages)
	history.LastUpdated = time.Now().UTC()

	data, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("marshal history: %w", err)
	}
	if err := s.store.Set(ctx, s.key(sessionID), data, s.opts.TTL); err != nil {
		return nil, fmt.Errorf("write history: %w", err)
	}

	return history, nil
}

// Get returns a session's transcript, or nil when the session has no
// history (a normal result, not an error).
func (s *Store) Get(ctx context.Context, sessionID string) (*History, error) {
	if sessionID == "" {
		return nil, ErrNoSession
	}

	data, err := s.store.Get(ctx, s.key(sessionID))
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history: %w", err)
	}

	var history History
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return &history, nil
}
