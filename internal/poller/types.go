package poller

import (
	"context"
	"time"

	"dynbot/internal/bilibili"
)

// Source is the upstream client the poller drives.
type Source interface {
	FetchHistory(ctx context.Context, uid, since int64) ([]bilibili.Record, error)
	ResolveRoomID(ctx context.Context, uid int64) (int64, error)
	FetchLiveStatus(ctx context.Context, uid, roomID int64, last bilibili.LiveStatus) (*bilibili.LiveRecord, error)
}

// Sink receives every new record and live transition. It owns fan-out to
// subscribers and never reports per-channel failures back.
type Sink interface {
	DeliverRecord(ctx context.Context, sourceID int64, rec bilibili.Record)
	DeliverLive(ctx context.Context, live bilibili.LiveRecord)
}

// Registry is the subscriber store as seen by the poller.
type Registry interface {
	ListChannels() []int64
	ListCurrentlyLive() []int64
	SetLive(uid int64, live bool) error
}

type emptyRegistry struct{}

func (emptyRegistry) ListChannels() []int64      { return nil }
func (emptyRegistry) ListCurrentlyLive() []int64 { return nil }
func (emptyRegistry) SetLive(int64, bool) error  { return nil }

// Sleeper waits d or until ctx is done, returning ctx.Err() in the latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

func realSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type SourceConfig struct {
	UID  int64
	Name string
}

type Config struct {
	Enabled       bool
	Sources       []SourceConfig
	FetchInterval time.Duration // outer cycle
	MinFetchDelay time.Duration // base spacing between sources
	Cooldown      time.Duration // suppression after a throttle
}

type State int

const (
	StateIdle State = iota
	StatePolling
	StateSleeping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateSleeping:
		return "sleeping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// sourceState is owned by the poll goroutine; Snapshot copies it under mu.
type sourceState struct {
	uid          int64
	name         string
	author       string // last author seen in a record
	lastSeen     int64
	lastLive     bilibili.LiveStatus
	roomID       int64
	roomResolved bool
	lastPollAt   time.Time
	lastErr      string
}

type SourceInfo struct {
	UID        int64     `json:"uid"`
	Name       string    `json:"name"`
	LastSeen   int64     `json:"last_seen"`
	Live       bool      `json:"live"`
	RoomID     int64     `json:"room_id,omitempty"`
	LastPollAt time.Time `json:"last_poll_at"`
	LastErr    string    `json:"last_err,omitempty"`
}

type Snapshot struct {
	Enabled       bool          `json:"enabled"`
	State         string        `json:"state"`
	Cycles        uint64        `json:"cycles"`
	CooldownUntil time.Time     `json:"cooldown_until"`
	FetchInterval time.Duration `json:"fetch_interval"`
	Sources       []SourceInfo  `json:"sources"`
}

// ThrottleEvent is the bus payload of eventbus.TypeThrottled.
type ThrottleEvent struct {
	UID   int64
	Until time.Time
}

// CycleEvent is the bus payload of eventbus.TypeCycleDone.
type CycleEvent struct {
	Delivered int
	Took      time.Duration
	Skipped   string // "", "cooldown", "no_subscribers", "throttled"
}
