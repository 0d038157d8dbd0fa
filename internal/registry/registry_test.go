package registry

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"dynbot/internal/eventbus"
	"dynbot/internal/storage"
	logx "dynbot/pkg/logx"
)

func openStore(t *testing.T, path string) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRegistryPersistsAcrossReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data.json")
	ctx := context.Background()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	r, err := Load(ctx, openStore(t, path), bus, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if added, err := r.Add(ctx, 10); err != nil || !added {
		t.Fatalf("add: %v %v", added, err)
	}
	if added, _ := r.Add(ctx, 10); added {
		t.Fatal("second add reported as new")
	}
	_, _ = r.Add(ctx, 20)
	if removed, err := r.Remove(ctx, 10); err != nil || !removed {
		t.Fatalf("remove: %v %v", removed, err)
	}
	if removed, _ := r.Remove(ctx, 10); removed {
		t.Fatal("second remove reported as removed")
	}
	if err := r.SetLive(5, true); err != nil {
		t.Fatal(err)
	}

	r2, err := Load(ctx, openStore(t, path), nil, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if got := r2.ListChannels(); !reflect.DeepEqual(got, []int64{20}) {
		t.Fatalf("channels=%v", got)
	}
	if got := r2.ListCurrentlyLive(); !reflect.DeepEqual(got, []int64{5}) {
		t.Fatalf("live=%v", got)
	}

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	want := []string{eventbus.TypeSubscribed, eventbus.TypeSubscribed, eventbus.TypeUnsubscribed}
	if !reflect.DeepEqual(types, want) {
		t.Fatalf("events=%v", types)
	}
}

type failingStore struct{ storage.Store }

func (failingStore) Load(context.Context) (storage.State, error) { return storage.State{}, nil }
func (failingStore) SetSubscriber(context.Context, int64, bool) error {
	return errors.New("disk full")
}

func TestRegistryAddFailureLeavesSetUnchanged(t *testing.T) {
	t.Parallel()

	r, err := Load(context.Background(), failingStore{}, nil, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Add(context.Background(), 1); err == nil {
		t.Fatal("want error")
	}
	if r.Has(1) || r.Count() != 0 {
		t.Fatal("chat added despite storage failure")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	t.Parallel()

	r, err := Load(context.Background(), openStore(t, filepath.Join(t.TempDir(), "d.json")), nil, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := int64(0); i < 16; i++ {
		wg.Add(2)
		go func(id int64) {
			defer wg.Done()
			_, _ = r.Add(context.Background(), id)
		}(i)
		go func() {
			defer wg.Done()
			_ = r.ListChannels()
		}()
	}
	wg.Wait()
	if r.Count() != 16 {
		t.Fatalf("count=%d", r.Count())
	}
}

func TestTokensOneTime(t *testing.T) {
	t.Parallel()

	tk := NewTokens(0, logx.Nop())
	tok := tk.Issue()
	if !strings.HasPrefix(tok, "key_") || len(tok) != len("key_")+28 {
		t.Fatalf("token=%q", tok)
	}
	if tk.Issue() == tok {
		t.Fatal("tokens must be unique")
	}
	if !tk.Consume(" " + tok + " ") {
		t.Fatal("valid token rejected")
	}
	if tk.Consume(tok) {
		t.Fatal("token reused")
	}
	if tk.Consume("key_nope") {
		t.Fatal("unknown token accepted")
	}
}

func TestTokensExpire(t *testing.T) {
	t.Parallel()

	now := time.Unix(0, 0)
	tk := NewTokens(time.Hour, logx.Nop())
	tk.now = func() time.Time { return now }

	old := tk.Issue()
	fresh := tk.Issue()
	now = now.Add(2 * time.Hour)
	if tk.Consume(old) {
		t.Fatal("expired token accepted")
	}

	tk.now = func() time.Time { return time.Unix(0, 0).Add(30 * time.Minute) }
	if !tk.Consume(fresh) {
		t.Fatal("fresh token rejected")
	}

	tk.now = func() time.Time { return now }
	tk.Issue()
	tk.Issue()
	tk.now = func() time.Time { return now.Add(2 * time.Hour) }
	if n := tk.Prune(); n != 2 || tk.Pending() != 0 {
		t.Fatalf("pruned=%d pending=%d", n, tk.Pending())
	}
}

func TestTokensPruneSchedule(t *testing.T) {
	t.Parallel()

	tk := NewTokens(time.Hour, logx.Nop())
	if err := tk.StartPruning("not a schedule"); err == nil {
		t.Fatal("want parse error")
	}
	if err := tk.StartPruning("@every 1h"); err != nil {
		t.Fatal(err)
	}
	if err := tk.StartPruning("@every 2h"); err != nil {
		t.Fatal(err)
	}
	tk.Stop()
	tk.Stop()
}
