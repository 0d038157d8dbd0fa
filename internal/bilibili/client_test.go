package bilibili

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	logx "dynbot/pkg/logx"
)

func historyBody(t *testing.T, cards ...map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{"code": 0, "data": map[string]any{"cards": cards}})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func plainRaw(t *testing.T, id, ts int64) map[string]any {
	return map[string]any{
		"desc": map[string]any{"type": 4, "dynamic_id": id},
		"card": plainCardJSON(t, "post", "alice", ts),
	}
}

func newTestClient(srv *httptest.Server, log logx.Logger) *Client {
	return New(Options{
		HistoryURL:  srv.URL + "/history",
		RoomURL:     srv.URL + "/room/%d",
		RoomInfoURL: srv.URL + "/info?room_id=%d",
		HTTPClient:  srv.Client(),
		Logger:      log,
	})
}

func TestFetchHistoryRequestShape(t *testing.T) {
	t.Parallel()

	page := historyBody(t, plainRaw(t, 3, 300), plainRaw(t, 2, 200), plainRaw(t, 1, 100))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method=%s", r.Method)
		}
		if ua := r.Header.Get("User-Agent"); ua != DefaultUserAgent {
			t.Errorf("user agent=%q", ua)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type=%q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		var got map[string]int64
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("body: %v", err)
		}
		want := map[string]int64{"visitor_uid": 0, "host_uid": 42, "offset_dynamic_id": 0, "need_top": 0}
		for k, v := range want {
			if gv, ok := got[k]; !ok || gv != v {
				t.Errorf("%s=%d want %d", k, gv, v)
			}
		}
		_, _ = w.Write(page)
	}))
	defer srv.Close()

	recs, err := newTestClient(srv, logx.Nop()).FetchHistory(context.Background(), 42, 150)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].PostedAt != 300 || recs[1].PostedAt != 200 {
		t.Fatalf("records=%v", recs)
	}
}

func TestFetchHistoryBatchCap(t *testing.T) {
	t.Parallel()

	cards := make([]map[string]any, 0, 10)
	for i := int64(10); i >= 1; i-- {
		cards = append(cards, plainRaw(t, i, 1000+i))
	}
	page := historyBody(t, cards...)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(page)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	recs, err := newTestClient(srv, logx.NewWriter(&buf, "debug")).FetchHistory(context.Background(), 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 6 {
		t.Fatalf("len=%d want 6", len(recs))
	}
	if recs[0].PostedAt != 1010 || recs[5].PostedAt != 1005 {
		t.Fatalf("kept the wrong records: first=%d last=%d", recs[0].PostedAt, recs[5].PostedAt)
	}
	if !strings.Contains(buf.String(), "dynamic batch capped") || !strings.Contains(buf.String(), `"level":"warn"`) {
		t.Fatalf("missing cap warning: %q", buf.String())
	}
}

func TestFetchHistorySkipsUnparseable(t *testing.T) {
	t.Parallel()

	bad := map[string]any{"desc": map[string]any{"type": 2048, "dynamic_id": 5}, "card": "{}"}
	page := historyBody(t, plainRaw(t, 6, 600), bad, plainRaw(t, 4, 400))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(page)
	}))
	defer srv.Close()

	recs, err := newTestClient(srv, logx.Nop()).FetchHistory(context.Background(), 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[1].PostedAt != 400 {
		t.Fatalf("records=%v", recs)
	}
}

func TestFetchHistoryErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{"http 412", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusPreconditionFailed) }, ErrThrottled},
		{"code -412", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"code":-412,"message":"request was banned"}`))
		}, ErrThrottled},
		{"http 500", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) }, ErrUnreachable},
		{"not json", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`<html>`)) }, ErrMalformed},
		{"no cards", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"code":0,"data":{}}`)) }, ErrMalformed},
		{"other code", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"code":-400,"message":"bad"}`)) }, ErrMalformed},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			_, err := newTestClient(srv, logx.Nop()).FetchHistory(context.Background(), 1, 0)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
		})
	}
}

func TestFetchHistoryUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	c := newTestClient(srv, logx.Nop())
	srv.Close()

	if _, err := c.FetchHistory(context.Background(), 1, 0); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("err=%v", err)
	}
}

func TestResolveRoomID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/room/1":
			http.Redirect(w, r, "https://live.bilibili.com/21452505?from=space", http.StatusFound)
		case "/room/2":
			_, _ = w.Write([]byte(`{"code":0,"data":{"roomid":"8792912","roomStatus":1}}`))
		case "/room/3":
			_, _ = w.Write([]byte(`{"code":0,"data":{"roomid":0}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	c := newTestClient(srv, logx.Nop())

	if id, err := c.ResolveRoomID(context.Background(), 1); err != nil || id != 21452505 {
		t.Fatalf("redirect: id=%d err=%v", id, err)
	}
	if id, err := c.ResolveRoomID(context.Background(), 2); err != nil || id != 8792912 {
		t.Fatalf("json: id=%d err=%v", id, err)
	}
	if _, err := c.ResolveRoomID(context.Background(), 3); !errors.Is(err, ErrNoRoom) {
		t.Fatalf("no room: err=%v", err)
	}
}

func TestFetchLiveStatus(t *testing.T) {
	t.Parallel()

	var status atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("room_id") != "77" {
			t.Errorf("room_id=%q", r.URL.Query().Get("room_id"))
		}
		b, _ := json.Marshal(map[string]any{"code": 0, "data": map[string]any{
			"uid":         5,
			"room_id":     77,
			"title":       "late night stream",
			"user_cover":  "",
			"keyframe":    "https://i0.hdslb.com/keyframe.jpg",
			"live_status": status.Load(),
			"live_time":   "2021-01-02 20:00:00",
		}})
		_, _ = w.Write(b)
	}))
	defer srv.Close()
	c := newTestClient(srv, logx.Nop())

	status.Store(1)
	rec, err := c.FetchLiveStatus(context.Background(), 5, 77, LiveOffline)
	if err != nil || rec == nil {
		t.Fatalf("rec=%v err=%v", rec, err)
	}
	if rec.Status != LiveOn || rec.CoverURL != "https://i0.hdslb.com/keyframe.jpg" || rec.RoomID != 77 || rec.SourceID != 5 {
		t.Fatalf("unexpected live record %+v", rec)
	}
	// 2021-01-02 20:00:00 +0800
	if rec.StartedAt != 1609588800 {
		t.Fatalf("started_at=%d", rec.StartedAt)
	}

	rec, err = c.FetchLiveStatus(context.Background(), 5, 77, LiveOn)
	if err != nil || rec != nil {
		t.Fatalf("unchanged status: rec=%v err=%v", rec, err)
	}
}

func TestParseHistoryPage(t *testing.T) {
	t.Parallel()

	c := New(Options{Logger: logx.Nop()})
	recs, err := c.ParseHistoryPage(historyBody(t, plainRaw(t, 2, 200), plainRaw(t, 1, 100)), 1, 0)
	if err != nil || len(recs) != 2 || recs[0].PostedAt != 200 {
		t.Fatalf("recs=%v err=%v", recs, err)
	}
	if _, err := c.ParseHistoryPage([]byte(`{"code":-412}`), 1, 0); !errors.Is(err, ErrThrottled) {
		t.Fatalf("throttled page: %v", err)
	}
	if _, err := c.ParseHistoryPage([]byte(`{"code":0,"data":{}}`), 1, 0); !errors.Is(err, ErrMalformed) {
		t.Fatalf("empty page: %v", err)
	}
}
