package delivery

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"dynbot/internal/bilibili"
	"dynbot/internal/eventbus"
	kit "dynbot/internal/transport"
	logx "dynbot/pkg/logx"
)

var cst = time.FixedZone("CST", 8*3600)

type call struct {
	chat   int64
	kind   string
	media  []string
	text   string
	button string
}

type fakeAdapter struct {
	mu    sync.Mutex
	calls []call
	fail  func(c call) error
}

func (f *fakeAdapter) record(c call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		if err := f.fail(c); err != nil {
			return err
		}
	}
	f.calls = append(f.calls, c)
	return nil
}

func button(opt *kit.SendOptions) string {
	if opt == nil || opt.Button == nil {
		return ""
	}
	return opt.Button.URL
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{ChatID: to.ChatID}, f.record(call{chat: to.ChatID, kind: "text", text: text, button: button(opt)})
}

func (f *fakeAdapter) SendPhoto(_ context.Context, to kit.ChatTarget, photo, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{ChatID: to.ChatID}, f.record(call{chat: to.ChatID, kind: "photo", media: []string{photo}, text: caption, button: button(opt)})
}

func (f *fakeAdapter) SendAnimation(_ context.Context, to kit.ChatTarget, anim, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{ChatID: to.ChatID}, f.record(call{chat: to.ChatID, kind: "animation", media: []string{anim}, text: caption, button: button(opt)})
}

func (f *fakeAdapter) SendAlbum(_ context.Context, to kit.ChatTarget, photos []string) error {
	return f.record(call{chat: to.ChatID, kind: "album", media: photos})
}

func (f *fakeAdapter) callsFor(chat int64) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.chat == chat {
			out = append(out, c)
		}
	}
	return out
}

type staticChannels []int64

func (c staticChannels) ListChannels() []int64 { return c }

func newTestService(t *testing.T, ad kit.Adapter, chats []int64, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(Config{RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, Location: cst}, ad, staticChannels(chats), logx.Nop(), bus)
	s.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	s.Start(context.Background())
	return s
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestRecordText(t *testing.T) {
	t.Parallel()

	rec := bilibili.Record{Author: "alice", Body: "hello", PostedAt: 1609588800}
	want := "alice:\n2021-01-02 20:00:00 +0800\n------\nhello"
	if got := RecordText(rec, cst); got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	live := bilibili.LiveRecord{Author: "bob", Title: "late night", StartedAt: 1609588800}
	want = "bob is living:\n2021-01-02 20:00:00 +0800\n------\nlate night"
	if got := LiveText(live, cst); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestPlanRecord(t *testing.T) {
	t.Parallel()

	imgs := func(n int, ext string) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = fmt.Sprintf("https://i0.hdslb.com/%d.%s", i, ext)
		}
		return out
	}

	cases := []struct {
		name string
		rec  bilibili.Record
		want []string
	}{
		{"plain", bilibili.Record{Kind: bilibili.KindPlain}, []string{"text"}},
		{"single photo", bilibili.Record{Kind: bilibili.KindPhoto, Images: imgs(1, "jpg")}, []string{"photo"}},
		{"gif", bilibili.Record{Kind: bilibili.KindPhoto, Images: []string{"https://i0.hdslb.com/a.GIF?x=1"}}, []string{"animation"}},
		{"album", bilibili.Record{Kind: bilibili.KindPhoto, Images: imgs(3, "jpg")}, []string{"album", "text"}},
		{"album overflow", bilibili.Record{Kind: bilibili.KindPhoto, Images: imgs(12, "png")}, []string{"album", "album", "text"}},
		{"photo without images", bilibili.Record{Kind: bilibili.KindPhoto}, []string{"text"}},
		{"video", bilibili.Record{Kind: bilibili.KindVideo, Images: imgs(1, "jpg")}, []string{"photo"}},
		{"forward text", bilibili.Record{Kind: bilibili.KindForward}, []string{"text"}},
		{"forward images", bilibili.Record{Kind: bilibili.KindForward, Images: imgs(2, "jpg")}, []string{"album", "text"}},
		{"long caption", bilibili.Record{Kind: bilibili.KindVideo, Images: imgs(1, "jpg"), Body: strings.Repeat("字", 1100)}, []string{"photo", "text"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tc.rec.Permalink = "https://t.bilibili.com/1"
			m := planRecord(tc.rec, cst)
			var kinds []string
			for _, st := range m.steps {
				kinds = append(kinds, st.kind.String())
			}
			if !reflect.DeepEqual(kinds, tc.want) {
				t.Fatalf("steps=%v want %v", kinds, tc.want)
			}
			last := m.steps[len(m.steps)-1]
			if last.opt == nil || last.opt.Button == nil || last.opt.Button.URL != tc.rec.Permalink {
				t.Fatal("final step must carry the link button")
			}
		})
	}
}

func TestDeliveryPreservesPerChatOrder(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	s := newTestService(t, ad, []int64{1, 2}, nil)
	for i := 1; i <= 5; i++ {
		s.DeliverRecord(context.Background(), 9, bilibili.Record{
			Kind: bilibili.KindPlain, Author: "a", Body: fmt.Sprintf("post %d", i), PostedAt: int64(i),
		})
	}
	stop(t, s)

	for _, chat := range []int64{1, 2} {
		calls := ad.callsFor(chat)
		if len(calls) != 5 {
			t.Fatalf("chat %d got %d messages", chat, len(calls))
		}
		for i, c := range calls {
			if !strings.HasSuffix(c.text, fmt.Sprintf("post %d", i+1)) {
				t.Fatalf("chat %d message %d out of order: %q", chat, i, c.text)
			}
		}
	}
}

func TestDeliveryAlbumThenText(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	s := newTestService(t, ad, []int64{7}, nil)
	s.DeliverRecord(context.Background(), 1, bilibili.Record{
		Kind: bilibili.KindPhoto, Author: "a", Images: []string{"x.jpg", "y.jpg"}, Permalink: "https://t.bilibili.com/5",
	})
	stop(t, s)

	calls := ad.callsFor(7)
	if len(calls) != 2 || calls[0].kind != "album" || calls[1].kind != "text" {
		t.Fatalf("calls=%+v", calls)
	}
	if !reflect.DeepEqual(calls[0].media, []string{"x.jpg", "y.jpg"}) || calls[1].button != "https://t.bilibili.com/5" {
		t.Fatalf("calls=%+v", calls)
	}
}

func TestDeliverLive(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	s := newTestService(t, ad, []int64{3}, nil)
	s.DeliverLive(context.Background(), bilibili.LiveRecord{
		SourceID: 5, Author: "bob", RoomID: 77, Title: "t", CoverURL: "https://i0.hdslb.com/c.jpg", Status: bilibili.LiveOn, StartedAt: 1609588800,
	})
	stop(t, s)

	calls := ad.callsFor(3)
	if len(calls) != 1 || calls[0].kind != "photo" || calls[0].button != "https://live.bilibili.com/77" {
		t.Fatalf("calls=%+v", calls)
	}
	if !strings.HasPrefix(calls[0].text, "bob is living:\n") {
		t.Fatalf("caption=%q", calls[0].text)
	}
}

func TestDeliveryFailureIsIsolatedPerChat(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	ad := &fakeAdapter{fail: func(c call) error {
		if c.chat == 1 {
			return fmt.Errorf("blocked: %w", kit.ErrChatUnavailable)
		}
		return nil
	}}
	s := newTestService(t, ad, []int64{1, 2}, bus)
	s.DeliverRecord(context.Background(), 1, bilibili.Record{Kind: bilibili.KindPlain, Body: "a", Permalink: "p1"})
	s.DeliverRecord(context.Background(), 1, bilibili.Record{Kind: bilibili.KindPlain, Body: "b", Permalink: "p2"})
	stop(t, s)

	if n := len(ad.callsFor(2)); n != 2 {
		t.Fatalf("healthy chat got %d messages", n)
	}
	var failed, sent int
	for len(events) > 0 {
		ev := <-events
		switch ev.Type {
		case eventbus.TypeDeliveryFail:
			if ev.Data.(DeliveryEvent).ChatID != 1 {
				t.Fatalf("failure for wrong chat: %+v", ev.Data)
			}
			failed++
		case eventbus.TypeDeliverySent:
			sent++
		}
	}
	if failed != 2 || sent != 2 {
		t.Fatalf("failed=%d sent=%d", failed, sent)
	}
	hist := s.Snapshot()
	if len(hist) != 4 {
		t.Fatalf("history=%+v", hist)
	}
}

func TestDeliveryRetries(t *testing.T) {
	t.Parallel()

	var attempts int
	ad := &fakeAdapter{fail: func(call) error {
		attempts++
		if attempts < 3 {
			return errors.New("timeout")
		}
		return nil
	}}
	s := newTestService(t, ad, []int64{1}, nil)
	s.DeliverRecord(context.Background(), 1, bilibili.Record{Kind: bilibili.KindPlain})
	stop(t, s)

	if attempts != 3 || len(ad.callsFor(1)) != 1 {
		t.Fatalf("attempts=%d calls=%d", attempts, len(ad.callsFor(1)))
	}
}

func TestDeliveryWaitsMinSendDelay(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	s := New(Config{MinSendDelay: 2 * time.Second, RatePerSec: 1000}, ad, staticChannels{1}, logx.Nop(), nil)
	var mu sync.Mutex
	var waits []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
		return nil
	}
	s.Start(context.Background())
	s.DeliverRecord(context.Background(), 1, bilibili.Record{Kind: bilibili.KindPlain})
	s.DeliverRecord(context.Background(), 1, bilibili.Record{Kind: bilibili.KindPlain})
	stop(t, s)

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(waits, []time.Duration{2 * time.Second, 2 * time.Second}) {
		t.Fatalf("waits=%v", waits)
	}
}

func TestDeliveryAfterStopIsDropped(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	ad := &fakeAdapter{}
	s := newTestService(t, ad, []int64{1}, bus)
	stop(t, s)
	s.DeliverRecord(context.Background(), 1, bilibili.Record{Kind: bilibili.KindPlain})

	if len(ad.callsFor(1)) != 0 {
		t.Fatal("sent after stop")
	}
	ev := <-events
	if ev.Type != eventbus.TypeDeliveryDrop || ev.Data.(DeliveryEvent).Error != ErrStopped.Error() {
		t.Fatalf("event=%+v", ev)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()

	cfg := Config{RetryBase: time.Second, RetryMaxDelay: 5 * time.Second}
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d: delay %s out of bounds", attempt, d)
		}
	}
	if d := retryDelay(cfg, 1); d < 700*time.Millisecond || d > 1300*time.Millisecond {
		t.Fatalf("first delay %s", d)
	}
}
