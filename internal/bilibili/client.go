package bilibili

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "dynbot/pkg/logx"
)

const (
	DefaultHistoryURL  = "https://api.vc.bilibili.com/dynamic_svr/v1/dynamic_svr/space_history"
	DefaultRoomURL     = "https://api.live.bilibili.com/room/v1/Room/getRoomInfoOld?mid=%d"
	DefaultRoomInfoURL = "https://api.live.bilibili.com/room/v1/Room/get_info?room_id=%d"
	DefaultUserAgent   = "Dalvik/2.1.0 (Linux; U; Android 7.1.2; Test Build/Test)"

	liveTimeLayout = "2006-01-02 15:04:05"
	maxBodyBytes   = 8 << 20
)

var shanghai = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		return time.FixedZone("CST", 8*3600)
	}
	return loc
}()

type Options struct {
	HistoryURL  string
	RoomURL     string // %d is replaced by the uid
	RoomInfoURL string // %d is replaced by the room id
	UserAgent   string
	Timeout     time.Duration
	MaxRPS      float64 // 0 disables the limiter
	BatchCap    int

	// HTTPClient overrides the default client; its Jar and Timeout are kept.
	HTTPClient *http.Client
	Logger     logx.Logger
}

// Client issues the upstream calls. It is safe for concurrent use.
type Client struct {
	opts     Options
	http     *http.Client
	noFollow *http.Client
	log      logx.Logger

	mu      sync.Mutex
	limiter *rate.Limiter
}

func New(opts Options) *Client {
	if opts.HistoryURL == "" {
		opts.HistoryURL = DefaultHistoryURL
	}
	if opts.RoomURL == "" {
		opts.RoomURL = DefaultRoomURL
	}
	if opts.RoomInfoURL == "" {
		opts.RoomInfoURL = DefaultRoomInfoURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BatchCap <= 0 {
		opts.BatchCap = 6
	}
	if opts.Logger.IsZero() {
		opts.Logger = logx.Nop()
	}

	hc := opts.HTTPClient
	if hc == nil {
		jar, _ := cookiejar.New(nil)
		hc = &http.Client{Jar: jar, Timeout: opts.Timeout}
	}
	nf := *hc
	nf.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	c := &Client{opts: opts, http: hc, noFollow: &nf, log: opts.Logger}
	c.SetMaxRPS(opts.MaxRPS)
	return c
}

// SetMaxRPS replaces the client-side limiter; 0 disables it.
func (c *Client) SetMaxRPS(rps float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rps <= 0 {
		c.limiter = nil
		return
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
}

func (c *Client) wait(ctx context.Context) error {
	c.mu.Lock()
	lim := c.limiter
	c.mu.Unlock()
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

type envelope struct {
	Code    flexInt         `json:"code"`
	Message string          `json:"message"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

func (e envelope) text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Msg
}

// do performs req and returns the decoded envelope. HTTP 412 and envelope
// code -412 both map to ErrThrottled.
func (c *Client) do(ctx context.Context, hc *http.Client, req *http.Request) (*http.Response, *envelope, error) {
	if err := c.wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusPreconditionFailed {
		return resp, nil, fmt.Errorf("%w: HTTP %d", ErrThrottled, resp.StatusCode)
	}
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		return resp, nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, nil, fmt.Errorf("%w: HTTP %d", ErrUnreachable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp, nil, fmt.Errorf("%w: read body: %w", ErrUnreachable, err)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return resp, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if env.Code == throttleCode {
		return resp, nil, fmt.Errorf("%w: code %d", ErrThrottled, throttleCode)
	}
	if env.Code != 0 {
		return resp, nil, fmt.Errorf("%w: code %d: %s", ErrMalformed, int64(env.Code), env.text())
	}
	return resp, &env, nil
}

func (c *Client) newRequest(ctx context.Context, method, u string, body []byte) (*http.Request, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, cancel, nil
}

// FetchHistory returns the dynamics of uid posted after since, newest
// first. Unparseable cards are skipped; scanning stops at the first record
// at or below since and after BatchCap records.
func (c *Client) FetchHistory(ctx context.Context, uid, since int64) ([]Record, error) {
	payload, err := json.Marshal(map[string]int64{
		"visitor_uid":       0,
		"host_uid":          uid,
		"offset_dynamic_id": 0,
		"need_top":          0,
	})
	if err != nil {
		return nil, err
	}
	req, cancel, err := c.newRequest(ctx, http.MethodPost, c.opts.HistoryURL, payload)
	if err != nil {
		return nil, err
	}
	defer cancel()

	_, env, err := c.do(ctx, c.http, req)
	if err != nil {
		return nil, fmt.Errorf("history uid=%d: %w", uid, err)
	}
	if env == nil {
		return nil, fmt.Errorf("history uid=%d: %w: unexpected redirect", uid, ErrUnreachable)
	}

	cards, err := historyCards(env.Data)
	if err != nil {
		return nil, fmt.Errorf("history uid=%d: %w", uid, err)
	}
	return c.collect(uid, since, cards), nil
}

func historyCards(data json.RawMessage) ([]json.RawMessage, error) {
	var page struct {
		Cards []json.RawMessage `json:"cards"`
	}
	if len(data) == 0 || json.Unmarshal(data, &page) != nil || page.Cards == nil {
		return nil, fmt.Errorf("%w: missing data.cards", ErrMalformed)
	}
	return page.Cards, nil
}

// ParseHistoryPage decodes a captured space_history response body exactly
// like FetchHistory would, without touching the network.
func (c *Client) ParseHistoryPage(body []byte, uid, since int64) ([]Record, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	switch {
	case env.Code == throttleCode:
		return nil, fmt.Errorf("%w: code %d", ErrThrottled, throttleCode)
	case env.Code != 0:
		return nil, fmt.Errorf("%w: code %d: %s", ErrMalformed, int64(env.Code), env.text())
	}
	cards, err := historyCards(env.Data)
	if err != nil {
		return nil, err
	}
	return c.collect(uid, since, cards), nil
}

func (c *Client) collect(uid, since int64, cards []json.RawMessage) []Record {
	log := c.log.With(logx.Int64("uid", uid))
	out := make([]Record, 0, min(len(cards), c.opts.BatchCap))
	for i, raw := range cards {
		var rc RawCard
		if err := json.Unmarshal(raw, &rc); err != nil {
			log.Warn("dynamic card dropped", logx.Int("index", i), logx.Err(err))
			continue
		}
		rec, ok := ParseCard(rc, log)
		if !ok {
			continue
		}
		if rec.PostedAt <= since {
			break
		}
		out = append(out, rec)
		if len(out) == c.opts.BatchCap {
			if i < len(cards)-1 {
				log.Warn("dynamic batch capped", logx.Int("total", len(cards)), logx.Int("cap", c.opts.BatchCap))
			}
			break
		}
	}
	return out
}

// ResolveRoomID looks up the live room of uid. A redirect answer carries the
// room id as the last path segment of Location; a 200 answer carries it in
// data.roomid.
func (c *Client) ResolveRoomID(ctx context.Context, uid int64) (int64, error) {
	req, cancel, err := c.newRequest(ctx, http.MethodGet, endpoint(c.opts.RoomURL, uid), nil)
	if err != nil {
		return 0, err
	}
	defer cancel()

	resp, env, err := c.do(ctx, c.noFollow, req)
	if err != nil {
		return 0, fmt.Errorf("room uid=%d: %w", uid, err)
	}
	if env == nil {
		id, err := roomFromLocation(resp.Header.Get("Location"))
		if err != nil {
			return 0, fmt.Errorf("room uid=%d: %w", uid, err)
		}
		return id, nil
	}

	var data struct {
		RoomID flexInt `json:"roomid"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return 0, fmt.Errorf("room uid=%d: %w: %w", uid, ErrMalformed, err)
	}
	if data.RoomID <= 0 {
		return 0, fmt.Errorf("room uid=%d: %w", uid, ErrNoRoom)
	}
	return int64(data.RoomID), nil
}

func roomFromLocation(loc string) (int64, error) {
	if loc == "" {
		return 0, fmt.Errorf("%w: redirect without Location", ErrMalformed)
	}
	u, err := url.Parse(loc)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	seg := path.Base(strings.TrimRight(u.Path, "/"))
	id, err := strconv.ParseInt(seg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: no room id in %q", ErrNoRoom, loc)
	}
	return id, nil
}

type roomInfo struct {
	UID        flexInt `json:"uid"`
	RoomID     flexInt `json:"room_id"`
	Title      string  `json:"title"`
	UserCover  string  `json:"user_cover"`
	Keyframe   string  `json:"keyframe"`
	LiveStatus flexInt `json:"live_status"`
	LiveTime   string  `json:"live_time"`
	Uname      string  `json:"uname"`
}

// FetchLiveStatus returns the room state when it differs from last and nil
// when it does not. Author is only set when upstream reports it.
func (c *Client) FetchLiveStatus(ctx context.Context, uid, roomID int64, last LiveStatus) (*LiveRecord, error) {
	req, cancel, err := c.newRequest(ctx, http.MethodGet, endpoint(c.opts.RoomInfoURL, roomID), nil)
	if err != nil {
		return nil, err
	}
	defer cancel()

	_, env, err := c.do(ctx, c.http, req)
	if err != nil {
		return nil, fmt.Errorf("live room=%d: %w", roomID, err)
	}
	if env == nil {
		return nil, fmt.Errorf("live room=%d: %w: unexpected redirect", roomID, ErrUnreachable)
	}
	var info roomInfo
	if err := json.Unmarshal(env.Data, &info); err != nil {
		return nil, fmt.Errorf("live room=%d: %w: %w", roomID, ErrMalformed, err)
	}

	status := LiveStatus(info.LiveStatus)
	if status == last {
		return nil, nil
	}
	cover := info.UserCover
	if cover == "" {
		cover = info.Keyframe
	}
	var started int64
	if t, err := time.ParseInLocation(liveTimeLayout, info.LiveTime, shanghai); err == nil {
		started = t.Unix()
	}
	return &LiveRecord{
		SourceID:  uid,
		Author:    info.Uname,
		RoomID:    roomID,
		Title:     info.Title,
		CoverURL:  cover,
		Status:    status,
		StartedAt: started,
	}, nil
}

func endpoint(tmpl string, id int64) string {
	if strings.Contains(tmpl, "%d") {
		return fmt.Sprintf(tmpl, id)
	}
	return tmpl + strconv.FormatInt(id, 10)
}
