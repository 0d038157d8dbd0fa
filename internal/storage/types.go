package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": a single JSON object plus an audit JSONL next to it
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// State is what the bot needs back after a restart.
type State struct {
	Subscribers []int64
	Live        []int64
}

// AuditEntry records an operator action (register, unregister, token).
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	Error         string    `json:"error,omitempty"`
	MetaJSON      string    `json:"meta,omitempty"`
}

// Store persists subscribers, live flags and the audit trail.
type Store interface {
	Load(ctx context.Context) (State, error)
	SetSubscriber(ctx context.Context, chatID int64, on bool) error
	SetLive(ctx context.Context, uid int64, on bool) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
