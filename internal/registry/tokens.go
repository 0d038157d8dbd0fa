package registry

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	logx "dynbot/pkg/logx"
)

const tokenPrefix = "key_"

// Tokens issues one-time registration tokens. A token is consumed by the
// first successful Consume. Tokens live in memory only; a restart
// invalidates them.
type Tokens struct {
	mu     sync.Mutex
	ttl    time.Duration // 0 means tokens never expire
	issued map[string]time.Time
	now    func() time.Time
	log    logx.Logger

	cron   *cron.Cron
	pruneE cron.EntryID
}

func NewTokens(ttl time.Duration, log logx.Logger) *Tokens {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tokens{ttl: ttl, issued: map[string]time.Time{}, now: time.Now, log: log}
}

// SetTTL affects tokens issued before the change too.
func (t *Tokens) SetTTL(ttl time.Duration) {
	t.mu.Lock()
	t.ttl = ttl
	t.mu.Unlock()
}

// Issue returns a fresh token like "key_0f3c...".
func (t *Tokens) Issue() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	tok := tokenPrefix + hex[4:]

	t.mu.Lock()
	t.issued[tok] = t.now()
	t.mu.Unlock()
	return tok
}

func (t *Tokens) expiredLocked(at, now time.Time) bool {
	return t.ttl > 0 && now.Sub(at) > t.ttl
}

// Consume removes tok and reports whether it was valid.
func (t *Tokens) Consume(tok string) bool {
	tok = strings.TrimSpace(tok)
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.issued[tok]
	if !ok {
		return false
	}
	delete(t.issued, tok)
	return !t.expiredLocked(at, t.now())
}

func (t *Tokens) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.issued)
}

// Prune drops expired tokens and returns how many were removed.
func (t *Tokens) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	n := 0
	for tok, at := range t.issued {
		if t.expiredLocked(at, now) {
			delete(t.issued, tok)
			n++
		}
	}
	return n
}

// StartPruning runs Prune on a cron schedule ("@every 10m", "0 * * * *").
// Calling it again replaces the previous schedule.
func (t *Tokens) StartPruning(spec string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cron == nil {
		t.cron = cron.New()
		t.cron.Start()
	} else if t.pruneE != 0 {
		t.cron.Remove(t.pruneE)
		t.pruneE = 0
	}
	id, err := t.cron.AddFunc(spec, func() {
		if n := t.Prune(); n > 0 {
			t.log.Debug("expired tokens pruned", logx.Int("count", n))
		}
	})
	if err != nil {
		return err
	}
	t.pruneE = id
	return nil
}

// Stop halts the prune schedule and waits for a running prune.
func (t *Tokens) Stop() {
	t.mu.Lock()
	c := t.cron
	t.cron, t.pruneE = nil, 0
	t.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
