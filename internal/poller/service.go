// Package poller runs the fetch loop: it visits every tracked creator in
// turn, hands new dynamics and live transitions to the delivery sink and
// keeps the per-creator cursors.
package poller

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"dynbot/internal/bilibili"
	"dynbot/internal/eventbus"
	logx "dynbot/pkg/logx"
)

type Service struct {
	mu            sync.Mutex
	cfg           Config
	state         State
	cycles        uint64
	cooldownUntil time.Time
	sources       []*sourceState

	src  Source
	sink Sink
	reg  Registry
	bus  eventbus.Bus
	log  logx.Logger

	now   func() time.Time
	sleep Sleeper
	rand  func() float64
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithSleeper(fn Sleeper) Option { return func(s *Service) { s.sleep = fn } }

// WithRand sets the jitter source; fn must return values in [0, 1).
func WithRand(fn func() float64) Option { return func(s *Service) { s.rand = fn } }

// New builds a poller. Cursors start at the current time so backlog from
// before startup is never delivered; live state is seeded from the registry.
// A nil reg has no subscribers, so every cycle is skipped.
func New(cfg Config, src Source, sink Sink, reg Registry, opts ...Option) *Service {
	s := &Service{
		cfg:   cfg,
		src:   src,
		sink:  sink,
		reg:   reg,
		now:   time.Now,
		sleep: realSleep,
		rand:  rand.Float64,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.reg == nil {
		s.reg = emptyRegistry{}
	}
	s.sources = s.buildSources(cfg.Sources, nil)
	return s
}

// buildSources keeps the state of sources present in prev and creates fresh
// state for new ones. Callers hold mu or own s exclusively.
func (s *Service) buildSources(cfgs []SourceConfig, prev []*sourceState) []*sourceState {
	old := make(map[int64]*sourceState, len(prev))
	for _, st := range prev {
		old[st.uid] = st
	}
	live := map[int64]bool{}
	for _, uid := range s.reg.ListCurrentlyLive() {
		live[uid] = true
	}
	now := s.now().Unix()

	out := make([]*sourceState, 0, len(cfgs))
	for _, c := range cfgs {
		if st, ok := old[c.UID]; ok {
			st.name = c.Name
			out = append(out, st)
			continue
		}
		st := &sourceState{uid: c.UID, name: c.Name, lastSeen: now, lastLive: bilibili.LiveOffline}
		if live[c.UID] {
			st.lastLive = bilibili.LiveOn
		}
		out = append(out, st)
	}
	return out
}

// Apply swaps cadence settings and the source list. It takes effect from
// the next source visit.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.sources = s.buildSources(cfg.Sources, s.sources)
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

// Run polls until ctx is done. Each cycle sleeps FetchInterval minus the
// time the cycle took, so cadence does not drift with upstream latency.
func (s *Service) Run(ctx context.Context) error {
	defer s.setState(StateStopped)
	s.log.Info("poller started")

	for ctx.Err() == nil {
		start := s.now()

		s.mu.Lock()
		cfg := s.cfg
		s.mu.Unlock()

		if cfg.Enabled {
			s.PollOnce(ctx)
		}
		if ctx.Err() != nil {
			break
		}

		wait := cfg.FetchInterval - s.now().Sub(start)
		if wait <= 0 {
			s.log.Warn("cycle took longer than fetch interval", logx.Duration("interval", cfg.FetchInterval), logx.Duration("overrun", -wait))
			wait = 0
		}
		s.setState(StateSleeping)
		s.log.Debug("cycle sleep", logx.Duration("wait", wait))
		if err := s.sleep(ctx, wait); err != nil {
			break
		}
	}
	s.log.Info("poller stopped")
	return nil
}

// PollOnce runs one cycle and returns the number of records handed to the
// sink.
func (s *Service) PollOnce(ctx context.Context) int {
	s.setState(StatePolling)
	defer s.setState(StateIdle)

	start := s.now()
	ev := CycleEvent{}
	defer func() {
		ev.Took = s.now().Sub(start)
		s.mu.Lock()
		s.cycles++
		s.mu.Unlock()
		s.publish(eventbus.TypeCycleDone, ev)
	}()

	s.mu.Lock()
	until := s.cooldownUntil
	cfg := s.cfg
	sources := append([]*sourceState(nil), s.sources...)
	s.mu.Unlock()

	if !until.IsZero() {
		if start.Before(until) {
			s.log.Debug("cycle skipped: throttle cooldown", logx.Time("until", until))
			ev.Skipped = "cooldown"
			return 0
		}
		s.mu.Lock()
		s.cooldownUntil = time.Time{}
		s.mu.Unlock()
		s.log.Info("crawler resumed")
		s.publish(eventbus.TypeResumed, nil)
	}

	if len(s.reg.ListChannels()) == 0 {
		s.log.Debug("cycle skipped: no subscribers")
		ev.Skipped = "no_subscribers"
		return 0
	}

	for i, st := range sources {
		if ctx.Err() != nil {
			return ev.Delivered
		}
		visitStart := s.now()
		n, throttled := s.pollSource(ctx, st, cfg)
		ev.Delivered += n
		if throttled {
			ev.Skipped = "throttled"
			return ev.Delivered
		}
		if i == len(sources)-1 {
			break
		}

		jitter := time.Duration(float64(cfg.MinFetchDelay) * (1 + s.rand()))
		wait := jitter - s.now().Sub(visitStart)
		if wait <= 0 {
			s.log.Warn("source visit took longer than fetch delay", logx.Int64("uid", st.uid), logx.Duration("overrun", -wait))
			continue
		}
		if err := s.sleep(ctx, wait); err != nil {
			return ev.Delivered
		}
	}
	return ev.Delivered
}

func (s *Service) throttle(uid int64, cooldown time.Duration, err error) {
	until := s.now().Add(cooldown)
	s.mu.Lock()
	s.cooldownUntil = until
	s.mu.Unlock()
	s.log.Error("bilibili throttled; crawler paused", logx.Int64("uid", uid), logx.Time("until", until), logx.Err(err))
	s.publish(eventbus.TypeThrottled, ThrottleEvent{UID: uid, Until: until})
}

func (s *Service) noteErr(st *sourceState, err error) {
	s.mu.Lock()
	if err != nil {
		st.lastErr = err.Error()
	} else {
		st.lastErr = ""
	}
	s.mu.Unlock()
}

// pollSource visits one creator. It reports whether upstream throttled us,
// in which case the rest of the cycle is abandoned.
func (s *Service) pollSource(ctx context.Context, st *sourceState, cfg Config) (int, bool) {
	log := s.log.With(logx.Int64("uid", st.uid))

	s.mu.Lock()
	since := st.lastSeen
	st.lastPollAt = s.now()
	s.mu.Unlock()

	recs, err := s.src.FetchHistory(ctx, st.uid, since)
	switch {
	case errors.Is(err, bilibili.ErrThrottled):
		s.noteErr(st, err)
		s.throttle(st.uid, cfg.Cooldown, err)
		return 0, true
	case err != nil:
		s.noteErr(st, err)
		if ctx.Err() == nil {
			log.Warn("fetch history failed; skipping source this cycle", logx.Err(err))
		}
		return 0, false
	}
	s.noteErr(st, nil)

	if len(recs) > 0 {
		log.Info("fetched dynamics", logx.Int("count", len(recs)))
	}
	// Upstream is newest first; deliver oldest first.
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		s.sink.DeliverRecord(ctx, st.uid, rec)
		s.mu.Lock()
		if rec.PostedAt > st.lastSeen {
			st.lastSeen = rec.PostedAt
		}
		if rec.Author != "" {
			st.author = rec.Author
		}
		s.mu.Unlock()
		s.publish(eventbus.TypeRecordFound, rec)
	}

	return len(recs), s.pollLive(ctx, st, cfg, log)
}

func (s *Service) pollLive(ctx context.Context, st *sourceState, cfg Config, log logx.Logger) bool {
	if !st.roomResolved {
		id, err := s.src.ResolveRoomID(ctx, st.uid)
		switch {
		case errors.Is(err, bilibili.ErrThrottled):
			s.throttle(st.uid, cfg.Cooldown, err)
			return true
		case errors.Is(err, bilibili.ErrNoRoom):
			log.Info("source has no live room")
		case err != nil:
			log.Warn("resolve room failed", logx.Err(err))
			return false
		}
		s.mu.Lock()
		st.roomID, st.roomResolved = id, true
		s.mu.Unlock()
	}
	if st.roomID == 0 {
		return false
	}

	live, err := s.src.FetchLiveStatus(ctx, st.uid, st.roomID, st.lastLive)
	if errors.Is(err, bilibili.ErrThrottled) {
		s.throttle(st.uid, cfg.Cooldown, err)
		return true
	}
	if err != nil {
		log.Debug("fetch live status failed", logx.Err(err))
		return false
	}
	if live == nil {
		return false
	}
	// Replay rooms (status 2) count as offline so the next broadcast is
	// still an Offline→Live edge.
	observed := live.Status
	if observed != bilibili.LiveOn {
		observed = bilibili.LiveOffline
	}

	if st.lastLive == bilibili.LiveOffline && observed == bilibili.LiveOn {
		if live.Author == "" {
			s.mu.Lock()
			live.Author = firstNonEmpty(st.author, st.name)
			s.mu.Unlock()
		}
		log.Info("source is now live", logx.Int64("room", live.RoomID), logx.String("title", live.Title))
		s.sink.DeliverLive(ctx, *live)
		if err := s.reg.SetLive(st.uid, true); err != nil {
			log.Warn("persist live flag failed", logx.Err(err))
		}
		s.publish(eventbus.TypeLiveStarted, *live)
	} else if err := s.reg.SetLive(st.uid, false); err != nil {
		log.Warn("persist live flag failed", logx.Err(err))
	}

	s.mu.Lock()
	st.lastLive = observed
	s.mu.Unlock()
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Snapshot{
		Enabled:       s.cfg.Enabled,
		State:         s.state.String(),
		Cycles:        s.cycles,
		CooldownUntil: s.cooldownUntil,
		FetchInterval: s.cfg.FetchInterval,
		Sources:       make([]SourceInfo, 0, len(s.sources)),
	}
	for _, st := range s.sources {
		out.Sources = append(out.Sources, SourceInfo{
			UID:        st.uid,
			Name:       firstNonEmpty(st.name, st.author),
			LastSeen:   st.lastSeen,
			Live:       st.lastLive == bilibili.LiveOn,
			RoomID:     st.roomID,
			LastPollAt: st.lastPollAt,
			LastErr:    st.lastErr,
		})
	}
	return out
}
