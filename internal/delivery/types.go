package delivery

import "time"

// Config controls the per-chat delivery pipeline.
type Config struct {
	// MinSendDelay is waited before every message handed to a chat. Zero
	// disables it.
	MinSendDelay  time.Duration
	QueueSize     int // per chat
	RatePerSec    int // shared by all chats
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	Location      *time.Location
}

// Channels lists the chats every record fans out to.
type Channels interface {
	ListChannels() []int64
}

type HistoryItem struct {
	At     time.Time
	ChatID int64
	Link   string
	Error  string
}

// DeliveryEvent is published on the event bus for every finished, failed or
// dropped message.
type DeliveryEvent struct {
	ChatID int64     `json:"chat_id"`
	Kind   string    `json:"kind"`
	Link   string    `json:"link"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
