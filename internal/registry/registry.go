// Package registry holds the set of subscribed chats and the creators that
// are currently live, backed by storage.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"dynbot/internal/eventbus"
	"dynbot/internal/storage"
	logx "dynbot/pkg/logx"
)

// Registry is safe for concurrent use. Reads never touch storage.
type Registry struct {
	mu    sync.RWMutex
	chats map[int64]bool
	live  map[int64]bool

	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
}

// Load builds a Registry from the persisted state.
func Load(ctx context.Context, store storage.Store, bus eventbus.Bus, log logx.Logger) (*Registry, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	st, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		chats: make(map[int64]bool, len(st.Subscribers)),
		live:  make(map[int64]bool, len(st.Live)),
		store: store,
		bus:   bus,
		log:   log,
	}
	for _, id := range st.Subscribers {
		r.chats[id] = true
	}
	for _, uid := range st.Live {
		r.live[uid] = true
	}
	log.Info("registry loaded", logx.Int("subscribers", len(r.chats)), logx.Int("live", len(r.live)))
	return r, nil
}

func keys(m map[int64]bool) []int64 {
	out := make([]int64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) ListChannels() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.chats)
}

func (r *Registry) ListCurrentlyLive() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.live)
}

func (r *Registry) Has(chatID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.chats[chatID]
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chats)
}

// Add subscribes chatID. It reports false when the chat was already
// subscribed.
func (r *Registry) Add(ctx context.Context, chatID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chats[chatID] {
		return false, nil
	}
	if err := r.store.SetSubscriber(ctx, chatID, true); err != nil {
		return false, err
	}
	r.chats[chatID] = true
	r.publish(eventbus.TypeSubscribed, chatID)
	return true, nil
}

// Remove unsubscribes chatID. It reports false when the chat was not
// subscribed.
func (r *Registry) Remove(ctx context.Context, chatID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.chats[chatID] {
		return false, nil
	}
	if err := r.store.SetSubscriber(ctx, chatID, false); err != nil {
		return false, err
	}
	delete(r.chats, chatID)
	r.publish(eventbus.TypeUnsubscribed, chatID)
	return true, nil
}

// SetLive records whether uid is live. The in-memory flag is updated even
// when persisting fails.
func (r *Registry) SetLive(uid int64, live bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live[uid] == live {
		return nil
	}
	if live {
		r.live[uid] = true
	} else {
		delete(r.live, uid)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.store.SetLive(ctx, uid, live)
}

// Audit appends e to the audit trail. Failures are logged only.
func (r *Registry) Audit(ctx context.Context, e storage.AuditEntry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if err := r.store.AppendAudit(ctx, e); err != nil {
		r.log.Warn("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}

func (r *Registry) publish(typ string, chatID int64) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Data: chatID})
}
