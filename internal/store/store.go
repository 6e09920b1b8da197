// Package store persists per-user application state as a single keyed blob.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/yakGPT/yakGPT/internal/chat"
)

var ErrNotFound = errors.New("state not found")

// Store is a keyed blob store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, blob []byte) error
	Close() error
}

// State is everything that survives a restart. Streams, recorder and
// recognizer handles, input buffers and playback queues are never part of it.
type State struct {
	Version      uint64            `json:"version"`
	ActiveChatID string            `json:"active_chat_id,omitempty"`
	Chats        []*chat.Chat      `json:"chats"`
	Settings     chat.SettingsForm `json:"settings"`
	Toggles      chat.Toggles      `json:"toggles"`
}

func DefaultState() State {
	return State{
		Chats:    []*chat.Chat{},
		Settings: chat.DefaultSettings(),
		Toggles:  chat.Toggles{AutoSendDictation: true},
	}
}

func StateKey(userID string) string { return "state:" + userID }

// LoadState returns the stored state for userID, or DefaultState when none
// has been saved yet.
func LoadState(ctx context.Context, s Store, userID string) (State, error) {
	blob, err := s.Get(ctx, StateKey(userID))
	if errors.Is(err, ErrNotFound) {
		return DefaultState(), nil
	}
	if err != nil {
		return State{}, err
	}
	st := DefaultState()
	if err := sonic.Unmarshal(blob, &st); err != nil {
		return State{}, fmt.Errorf("decode state for %q: %w", userID, err)
	}
	for _, c := range st.Chats {
		c.ClearLoading()
	}
	return st, nil
}

func SaveState(ctx context.Context, s Store, userID string, st State) error {
	blob, err := sonic.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return s.Put(ctx, StateKey(userID), blob)
}

type Config struct {
	DatabaseURL string
	SQLitePath  string
}

// Open picks postgres when a database URL is configured, then sqlite, and
// falls back to memory.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch {
	case strings.TrimSpace(cfg.DatabaseURL) != "":
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	case strings.TrimSpace(cfg.SQLitePath) != "":
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	default:
		return NewMemoryStore(), nil
	}
}
