package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmcleod/shelfguard/storage"
)

const (
	namespace      = "audit"
	recordType     = "RECORD"
	headType       = "HEAD"
	headID         = "chain"
	appendRetries  = 64
	defaultTimeout = 5 * time.Second
)

type head struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

// Logger appends records to the chain. Appends are synchronous: when a Log
// method returns, the record is durable or its failure has been reported
// on the fallback channel.
type Logger struct {
	repo     storage.Repository
	mirror   *slog.Logger
	fallback *slog.Logger
	webhook  *Webhook
	alerts   *Alerts
	timeout  time.Duration
	now      func() time.Time
	newID    func() string
}

// Option configures a Logger.
type Option func(*Logger)

// WithLogger sets the slog logger records are mirrored to.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Logger) {
		if logger != nil {
			l.mirror = logger
		}
	}
}

// WithFallback sets where failed writes are reported. The default writes
// JSON to stderr.
func WithFallback(logger *slog.Logger) Option {
	return func(l *Logger) {
		if logger != nil {
			l.fallback = logger
		}
	}
}

// WithWebhook forwards every durable record to w.
func WithWebhook(w *Webhook) Option { return func(l *Logger) { l.webhook = w } }

// WithAlerts feeds every durable record to a.
func WithAlerts(a *Alerts) Option { return func(l *Logger) { l.alerts = a } }

// WithTimeout bounds a single append.
func WithTimeout(d time.Duration) Option { return func(l *Logger) { l.timeout = d } }

func WithClock(now func() time.Time) Option { return func(l *Logger) { l.now = now } }

func New(repo storage.Repository, opts ...Option) *Logger {
	l := &Logger{
		repo:     repo,
		mirror:   slog.Default(),
		fallback: slog.New(slog.NewJSONHandler(os.Stderr, nil)),
		timeout:  defaultTimeout,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.mirror = l.mirror.With("component", "audit")
	l.fallback = l.fallback.With("component", "audit")
	return l
}

// LogAdminAction records an administrative action.
func (l *Logger) LogAdminAction(ctx context.Context, e Entry) {
	l.log(ctx, KindAdminAction, e)
}

// LogSecurityEvent records a security event.
func (l *Logger) LogSecurityEvent(ctx context.Context, e Entry) {
	l.log(ctx, KindSecurityEvent, e)
}

// log never fails the caller. A write failure is reported on the fallback
// channel with the full record so the gap is observable.
func (l *Logger) log(ctx context.Context, kind Kind, e Entry) {
	rec, err := l.Append(ctx, kind, e)
	if err != nil {
		l.fallback.LogAttrs(context.Background(), slog.LevelError, "audit_write_failed",
			slog.String("error", err.Error()),
			slog.String("kind", string(kind)),
			slog.String("name", e.Name),
			slog.String("severity", string(e.Severity)),
			slog.String("admin_id", e.AdminID),
			slog.String("admin_email", e.AdminEmail),
			slog.String("client_ip", e.ClientIP),
			slog.String("user_agent", e.UserAgent),
			slog.String("target_user_id", e.TargetUserID),
			slog.Bool("success", e.Success),
			slog.Any("details", e.Details),
			slog.String("timestamp", l.now().UTC().Format(time.RFC3339Nano)),
		)
		return
	}

	level := slog.LevelInfo
	if rec.Severity.Rank() >= SeverityHigh.Rank() {
		level = slog.LevelWarn
	}
	l.mirror.LogAttrs(ctx, level, "audit",
		slog.String("event", rec.Name),
		slog.String("kind", string(rec.Kind)),
		slog.String("severity", string(rec.Severity)),
		slog.Uint64("seq", rec.Seq),
		slog.String("id", rec.ID),
		slog.String("admin_id", rec.AdminID),
		slog.String("client_ip", rec.ClientIP),
		slog.String("target_user_id", rec.TargetUserID),
		slog.Bool("success", rec.Success),
	)
	if l.webhook != nil {
		l.webhook.Enqueue(*rec)
	}
	if l.alerts != nil {
		l.alerts.Observe(*rec)
	}
}

// Append writes one record and returns it. The record write is the commit
// point: it is stored under its sequence number with create-only
// compare-and-set, so concurrent appenders from any instance serialise and
// no two records share a slot. The head pointer is a hint and may lag.
func (l *Logger) Append(ctx context.Context, kind Kind, e Entry) (*Record, error) {
	if e.Name == "" {
		return nil, errors.New("audit entry name is required")
	}
	if e.Severity.Rank() == 0 {
		return nil, fmt.Errorf("audit entry %s: unknown severity %q", e.Name, e.Severity)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	tip, err := l.tip(ctx)
	if err != nil {
		return nil, err
	}

	rec := Record{
		ID:           l.newID(),
		Kind:         kind,
		Name:         e.Name,
		Severity:     e.Severity,
		AdminID:      e.AdminID,
		AdminEmail:   e.AdminEmail,
		ClientIP:     e.ClientIP,
		UserAgent:    e.UserAgent,
		TargetUserID: e.TargetUserID,
		Details:      e.Details,
		Success:      e.Success,
	}
	for i := 0; i < appendRetries; i++ {
		rec.Seq = tip.Seq + 1
		rec.PrevHash = tip.Hash
		rec.Timestamp = l.now().UTC().Format(time.RFC3339Nano)
		rec.Hash, err = ComputeHash(rec)
		if err != nil {
			return nil, err
		}
		env, err := storage.PlainRecord(rec, 1)
		if err != nil {
			return nil, fmt.Errorf("encoding audit record: %w", err)
		}
		err = l.repo.PutCAS(ctx, namespace, recordType, seqKey(rec.Seq), 0, env)
		if err == nil {
			l.advanceHead(ctx, head{Seq: rec.Seq, Hash: rec.Hash})
			return &rec, nil
		}
		if !errors.Is(err, storage.ErrCASFailed) {
			return nil, fmt.Errorf("writing audit record: %w", err)
		}
		// Another writer took this slot; follow it.
		taken, err := l.get(ctx, rec.Seq)
		if err != nil {
			return nil, err
		}
		tip = head{Seq: taken.Seq, Hash: taken.Hash}
	}
	return nil, fmt.Errorf("audit append: %w", storage.ErrCASFailed)
}

// tip returns the last committed record, starting from the head hint and
// walking forward over records written after it.
func (l *Logger) tip(ctx context.Context) (head, error) {
	h, _, err := l.loadHead(ctx)
	if err != nil {
		return head{}, err
	}
	for {
		next, err := l.get(ctx, h.Seq+1)
		if errors.Is(err, storage.ErrNotFound) {
			return h, nil
		}
		if err != nil {
			return head{}, err
		}
		h = head{Seq: next.Seq, Hash: next.Hash}
	}
}

func (l *Logger) loadHead(ctx context.Context) (head, uint64, error) {
	env, err := l.repo.Get(ctx, namespace, headType, headID)
	if errors.Is(err, storage.ErrNotFound) {
		return head{Hash: GenesisHash}, 0, nil
	}
	if err != nil {
		return head{}, 0, fmt.Errorf("reading audit head: %w", err)
	}
	var h head
	if err := storage.DecodePlain(env, &h); err != nil {
		return head{}, 0, fmt.Errorf("decoding audit head: %w", err)
	}
	return h, env.Version, nil
}

// advanceHead moves the hint forward. Failure is harmless because tip
// walks past a stale head.
func (l *Logger) advanceHead(ctx context.Context, next head) {
	for i := 0; i < 8; i++ {
		cur, version, err := l.loadHead(ctx)
		if err != nil || cur.Seq >= next.Seq {
			return
		}
		env, err := storage.PlainRecord(next, version+1)
		if err != nil {
			return
		}
		err = l.repo.PutCAS(ctx, namespace, headType, headID, version, env)
		if !errors.Is(err, storage.ErrCASFailed) {
			return
		}
	}
}

func (l *Logger) get(ctx context.Context, seq uint64) (*Record, error) {
	env, err := l.repo.Get(ctx, namespace, recordType, seqKey(seq))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("reading audit record %d: %w", seq, err)
	}
	var rec Record
	if err := storage.DecodePlain(env, &rec); err != nil {
		return nil, fmt.Errorf("decoding audit record %d: %w", seq, err)
	}
	return &rec, nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Kind         Kind
	Name         string
	MinSeverity  Severity
	AdminID      string
	TargetUserID string
	Since        time.Time
	Until        time.Time
	Limit        int
}

func (f Filter) match(r Record) bool {
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Name != "" && r.Name != f.Name {
		return false
	}
	if f.MinSeverity != "" && r.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	if f.AdminID != "" && r.AdminID != f.AdminID {
		return false
	}
	if f.TargetUserID != "" && r.TargetUserID != f.TargetUserID {
		return false
	}
	if !f.Since.IsZero() || !f.Until.IsZero() {
		t, err := time.Parse(time.RFC3339Nano, r.Timestamp)
		if err != nil {
			return false
		}
		if !f.Since.IsZero() && t.Before(f.Since) {
			return false
		}
		if !f.Until.IsZero() && t.After(f.Until) {
			return false
		}
	}
	return true
}

// List returns matching records, newest first.
func (l *Logger) List(ctx context.Context, f Filter) ([]Record, error) {
	all, err := l.all(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if !f.match(all[i]) {
			continue
		}
		out = append(out, all[i])
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Export is a full, ordered copy of the chain.
type Export struct {
	ExportedAt string   `json:"exportedAt"`
	HeadHash   string   `json:"headHash"`
	Records    []Record `json:"records"`
}

// Export returns the whole chain in order.
func (l *Logger) Export(ctx context.Context) (*Export, error) {
	all, err := l.all(ctx)
	if err != nil {
		return nil, err
	}
	exp := &Export{
		ExportedAt: l.now().UTC().Format(time.RFC3339Nano),
		HeadHash:   GenesisHash,
		Records:    all,
	}
	if n := len(all); n > 0 {
		exp.HeadHash = all[n-1].Hash
	}
	return exp, nil
}

// Verify checks the stored chain.
func (l *Logger) Verify(ctx context.Context) (Report, error) {
	all, err := l.all(ctx)
	if err != nil {
		return Report{}, err
	}
	return VerifyChain(all), nil
}

func (l *Logger) all(ctx context.Context) ([]Record, error) {
	keys, err := l.repo.List(ctx, namespace, recordType)
	if err != nil {
		return nil, fmt.Errorf("listing audit records: %w", err)
	}
	sort.Strings(keys)
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		env, err := l.repo.Get(ctx, namespace, recordType, k)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("reading audit record %s: %w", k, err)
		}
		var rec Record
		if err := storage.DecodePlain(env, &rec); err != nil {
			return nil, fmt.Errorf("decoding audit record %s: %w", k, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close drains the webhook queue, if any.
func (l *Logger) Close() {
	if l.webhook != nil {
		l.webhook.Close()
	}
}
