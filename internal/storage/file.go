package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	logx "dynbot/pkg/logx"
)

// fileStore keeps everything in memory and rewrites the data file on each
// change.
//
// Files:
//   - <path>                 (JSON object, replaced atomically)
//   - <prefix>.audit.jsonl   (append-only JSON Lines)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	path      string
	auditFile *os.File

	subscriber map[int64]bool
	live       map[int64]bool
}

// fileData is the on-disk shape. JSON object keys are always strings.
type fileData struct {
	Subscriber map[string]bool `json:"subscriber"`
	Live       map[string]bool `json:"live"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base)))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		log:        log,
		path:       path,
		auditFile:  af,
		subscriber: map[int64]bool{},
		live:       map[int64]bool{},
	}
	s.loadLocked()
	return s, nil
}

// loadLocked reads the data file. A missing or corrupt file leaves the maps
// empty.
func (s *fileStore) loadLocked() {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Info("no data file yet; starting empty", logx.String("path", s.path))
		return
	}
	if err != nil {
		s.log.Warn("data file unreadable; starting empty", logx.String("path", s.path), logx.Err(err))
		return
	}
	var d fileData
	if err := json.Unmarshal(b, &d); err != nil {
		s.log.Warn("data file corrupt; starting empty", logx.String("path", s.path), logx.Err(err))
		return
	}
	s.subscriber = decodeIDs(d.Subscriber, s.log, "subscriber")
	s.live = decodeIDs(d.Live, s.log, "live")
}

func decodeIDs(in map[string]bool, log logx.Logger, section string) map[int64]bool {
	out := make(map[int64]bool, len(in))
	for k, v := range in {
		id, err := strconv.ParseInt(strings.TrimSpace(k), 10, 64)
		if err != nil {
			log.Warn("data file: skipping bad key", logx.String("section", section), logx.String("key", k))
			continue
		}
		if v {
			out[id] = true
		}
	}
	return out
}

func encodeIDs(in map[int64]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for id := range in {
		out[strconv.FormatInt(id, 10)] = true
	}
	return out
}

func sortedIDs(in map[int64]bool) []int64 {
	out := make([]int64, 0, len(in))
	for id := range in {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *fileStore) Load(ctx context.Context) (State, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{Subscribers: sortedIDs(s.subscriber), Live: sortedIDs(s.live)}, nil
}

func (s *fileStore) SetSubscriber(ctx context.Context, chatID int64, on bool) error {
	_ = ctx
	return s.set(s.subscriberMap, chatID, on)
}

func (s *fileStore) SetLive(ctx context.Context, uid int64, on bool) error {
	_ = ctx
	return s.set(s.liveMap, uid, on)
}

func (s *fileStore) subscriberMap() map[int64]bool { return s.subscriber }
func (s *fileStore) liveMap() map[int64]bool       { return s.live }

func (s *fileStore) set(pick func() map[int64]bool, id int64, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	m := pick()
	if m[id] == on {
		return nil
	}
	apply := func(v bool) {
		if v {
			m[id] = true
		} else {
			delete(m, id)
		}
	}
	apply(on)
	if err := s.saveLocked(); err != nil {
		// Memory must match disk so a retry writes again.
		apply(!on)
		return err
	}
	return nil
}

// saveLocked writes to a temp file and renames it over the data file so a
// crash never leaves a half-written object behind.
func (s *fileStore) saveLocked() error {
	b, err := json.Marshal(fileData{Subscriber: encodeIDs(s.subscriber), Live: encodeIDs(s.live)})
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}
