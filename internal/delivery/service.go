package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"dynbot/internal/bilibili"
	"dynbot/internal/eventbus"
	"dynbot/internal/runtime/supervisor"
	kit "dynbot/internal/transport"
	logx "dynbot/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrQueueFull = errors.New("delivery queue full")
	ErrStopped   = errors.New("delivery stopped")
)

const (
	sendTimeout  = 15 * time.Second
	historyLimit = 300
)

type job struct {
	msg message
}

// Service implements the poller sink. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	adapter  kit.Adapter
	bus      eventbus.Bus
	channels Channels

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	queues    map[int64]chan job
	sup       *supervisor.Supervisor
	stopDone  chan struct{} // non-nil while stopping

	sleep func(ctx context.Context, d time.Duration) error

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter kit.Adapter, channels Channels, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter:  adapter,
		channels: channels,
		log:      log,
		bus:      bus,
		sleep:    sleepCtx,
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps limits and formatting. Queues that already exist keep their
// capacity.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.MinSendDelay < 0 {
		cfg.MinSendDelay = 0
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Supervisor returns the worker supervisor, nil when not started.
func (s *Service) Supervisor() *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start is idempotent. Chat workers are spawned lazily on first delivery.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		// one broken chat must not take the bot down
		supervisor.WithCancelOnError(false),
	)
	s.queues = map[int64]chan job{}
	s.accepting = true
}

// Stop refuses new deliveries and drains queued ones until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	sup := s.sup
	if sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	queues := s.queues
	s.queues = nil
	s.mu.Unlock()

	go func() {
		defer close(done)
		for _, q := range queues {
			close(q)
		}
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
	}
}

func (s *Service) DeliverRecord(ctx context.Context, sourceID int64, rec bilibili.Record) {
	s.mu.Lock()
	loc := s.cfg.Location
	s.mu.Unlock()
	s.fanOut(ctx, planRecord(rec, loc), logx.Int64("uid", sourceID))
}

func (s *Service) DeliverLive(ctx context.Context, live bilibili.LiveRecord) {
	s.mu.Lock()
	loc := s.cfg.Location
	s.mu.Unlock()
	s.fanOut(ctx, planLive(live, loc), logx.Int64("uid", live.SourceID))
}

func (s *Service) fanOut(ctx context.Context, msg message, fields ...logx.Field) {
	if ctx.Err() != nil {
		return
	}
	chats := s.channels.ListChannels()
	log := s.log.With(fields...)
	for _, chatID := range chats {
		if err := s.enqueue(chatID, msg); err != nil {
			log.Warn("delivery dropped", logx.Int64("chat", chatID), logx.String("link", msg.link), logx.Err(err))
			s.publish(eventbus.TypeDeliveryDrop, chatID, msg, err)
		}
	}
}

func (s *Service) enqueue(chatID int64, msg message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accepting {
		return ErrStopped
	}
	q, ok := s.queues[chatID]
	if !ok {
		q = make(chan job, s.cfg.QueueSize)
		s.queues[chatID] = q
		s.sup.GoRestart("chat."+strconv.FormatInt(chatID, 10), func(ctx context.Context) error {
			return s.chatLoop(ctx, chatID, q)
		})
	}
	select {
	case q <- job{msg: msg}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) chatLoop(ctx context.Context, chatID int64, q <-chan job) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j, ok := <-q:
			if !ok {
				return nil
			}
			s.deliver(ctx, chatID, j.msg)
		}
	}
}

// deliver sends every step of msg to one chat. A step that still fails
// after retries abandons the rest of the message.
func (s *Service) deliver(ctx context.Context, chatID int64, msg message) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	if err := s.sleep(ctx, cfg.MinSendDelay); err != nil {
		return
	}

	to := kit.ChatTarget{ChatID: chatID}
	for i, st := range msg.steps {
		err := s.sendWithRetry(ctx, cfg, lim, to, st)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("delivery failed",
			logx.Int64("chat", chatID),
			logx.String("kind", msg.kind),
			logx.String("step", st.kind.String()),
			logx.Int("step_index", i),
			logx.String("link", msg.link),
			logx.Err(err))
		s.appendHistory(chatID, msg.link, err)
		s.publish(eventbus.TypeDeliveryFail, chatID, msg, err)
		return
	}
	s.log.Debug("delivered", logx.Int64("chat", chatID), logx.String("link", msg.link))
	s.appendHistory(chatID, msg.link, nil)
	s.publish(eventbus.TypeDeliverySent, chatID, msg, nil)
}

func (s *Service) sendWithRetry(ctx context.Context, cfg Config, lim *rate.Limiter, to kit.ChatTarget, st step) error {
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := s.send(callCtx, to, st)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, kit.ErrChatUnavailable) {
			return err
		}
		s.log.Debug("send failed", logx.Int64("chat", to.ChatID), logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))
		if attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		var ra *kit.RetryAfterError
		if errors.As(err, &ra) && ra.After > delay {
			delay = ra.After
		}
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

func (s *Service) send(ctx context.Context, to kit.ChatTarget, st step) error {
	var err error
	switch st.kind {
	case stepText:
		_, err = s.adapter.SendText(ctx, to, st.text, st.opt)
	case stepPhoto:
		_, err = s.adapter.SendPhoto(ctx, to, st.media[0], st.text, st.opt)
	case stepAnimation:
		_, err = s.adapter.SendAnimation(ctx, to, st.media[0], st.text, st.opt)
	case stepAlbum:
		err = s.adapter.SendAlbum(ctx, to, st.media)
	default:
		err = fmt.Errorf("unknown step kind %d", st.kind)
	}
	return err
}

func (s *Service) publish(typ string, chatID int64, msg message, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := DeliveryEvent{ChatID: chatID, Kind: msg.kind, Link: msg.link, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// Snapshot returns recent delivery outcomes, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(chatID int64, link string, err error) {
	it := HistoryItem{At: time.Now(), ChatID: chatID, Link: link}
	if err != nil {
		it.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.hmu.Unlock()
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d < 0 {
		return 0
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
