package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jmcleod/shelfguard/storage"
	"github.com/jmcleod/shelfguard/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, repo storage.Repository, opts ...Option) (*Logger, *bytes.Buffer) {
	t.Helper()
	var fallback bytes.Buffer
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))),
		WithFallback(slog.New(slog.NewJSONHandler(&fallback, nil))),
	}
	return New(repo, append(base, opts...)...), &fallback
}

func TestAppendBuildsChain(t *testing.T) {
	l, _ := newTestLogger(t, memory.NewRepository())
	ctx := context.Background()

	l.LogSecurityEvent(ctx, Entry{Name: "login_failed_not_admin", Severity: SeverityMedium, ClientIP: "203.0.113.1"})
	l.LogAdminAction(ctx, Entry{Name: "logout", Severity: SeverityLow, AdminID: "admin-1", Success: true})
	l.LogAdminAction(ctx, Entry{
		Name: "emergency_password_reset", Severity: SeverityCritical, AdminID: "root-1",
		TargetUserID: "admin-2", Details: map[string]any{"reason": "lost device", "attempt": 1}, Success: true,
	})

	exp, err := l.Export(ctx)
	require.NoError(t, err)
	require.Len(t, exp.Records, 3)
	assert.Equal(t, GenesisHash, exp.Records[0].PrevHash)
	assert.Equal(t, uint64(1), exp.Records[0].Seq)
	assert.Equal(t, exp.Records[0].Hash, exp.Records[1].PrevHash)
	assert.Equal(t, exp.Records[1].Hash, exp.Records[2].PrevHash)
	assert.Equal(t, exp.Records[2].Hash, exp.HeadHash)
	assert.Equal(t, KindSecurityEvent, exp.Records[0].Kind)
	assert.Equal(t, KindAdminAction, exp.Records[1].Kind)

	rep, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Valid, "%+v", rep.Checks)
}

func TestExportSurvivesJSONRoundTrip(t *testing.T) {
	l, _ := newTestLogger(t, memory.NewRepository())
	ctx := context.Background()
	l.LogAdminAction(ctx, Entry{
		Name: "user_claims_updated", Severity: SeverityMedium,
		Details: map[string]any{"count": 3, "roles": []string{"a", "b"}, "at": int64(1700000000000)},
	})

	exp, err := l.Export(ctx)
	require.NoError(t, err)
	data, err := json.Marshal(exp)
	require.NoError(t, err)

	var decoded Export
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, VerifyChain(decoded.Records).Valid)
}

func TestTamperDetected(t *testing.T) {
	l, _ := newTestLogger(t, memory.NewRepository())
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		l.LogAdminAction(ctx, Entry{Name: "logout", Severity: SeverityLow, AdminID: "admin-1", Success: true})
	}
	exp, err := l.Export(ctx)
	require.NoError(t, err)

	t.Run("ModifiedContent", func(t *testing.T) {
		recs := append([]Record(nil), exp.Records...)
		recs[2].AdminID = "someone-else"
		rep := VerifyChain(recs)
		assert.False(t, rep.Valid)
		assert.Equal(t, "fail", checkStatus(rep, "record_hashes"))
	})

	t.Run("DeletedRecord", func(t *testing.T) {
		recs := append([]Record{}, exp.Records[:1]...)
		recs = append(recs, exp.Records[2:]...)
		rep := VerifyChain(recs)
		assert.False(t, rep.Valid)
		assert.Equal(t, "fail", checkStatus(rep, "chain_continuity"))
		assert.Equal(t, "fail", checkStatus(rep, "contiguous_sequence"))
	})

	t.Run("Reordered", func(t *testing.T) {
		recs := append([]Record(nil), exp.Records...)
		recs[1], recs[2] = recs[2], recs[1]
		assert.False(t, VerifyChain(recs).Valid)
	})

	t.Run("ForgedGenesis", func(t *testing.T) {
		recs := append([]Record(nil), exp.Records...)
		recs[0].PrevHash = recs[1].Hash
		rep := VerifyChain(recs)
		assert.False(t, rep.Valid)
		assert.Equal(t, "fail", checkStatus(rep, "genesis_anchor"))
	})
}

func checkStatus(rep Report, name string) string {
	for _, c := range rep.Checks {
		if c.Name == name {
			return c.Status
		}
	}
	return ""
}

func TestEmptyChainValid(t *testing.T) {
	rep := VerifyChain(nil)
	assert.True(t, rep.Valid)
	require.Len(t, rep.Checks, 1)
	assert.Equal(t, "empty_chain", rep.Checks[0].Name)
}

func TestConcurrentAppendsFormOneChain(t *testing.T) {
	repo := memory.NewRepository()
	// Two loggers over one store behave like two instances.
	a, _ := newTestLogger(t, repo)
	b, _ := newTestLogger(t, repo)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l := a
			if i%2 == 1 {
				l = b
			}
			l.LogAdminAction(ctx, Entry{Name: "session_invalidated", Severity: SeverityMedium, Details: map[string]any{"i": i}})
		}(i)
	}
	wg.Wait()

	exp, err := a.Export(ctx)
	require.NoError(t, err)
	assert.Len(t, exp.Records, 20)
	assert.True(t, VerifyChain(exp.Records).Valid)
}

func TestStaleHeadIsWalkedPast(t *testing.T) {
	repo := memory.NewRepository()
	l, _ := newTestLogger(t, repo)
	ctx := context.Background()
	l.LogAdminAction(ctx, Entry{Name: "logout", Severity: SeverityLow})
	l.LogAdminAction(ctx, Entry{Name: "logout", Severity: SeverityLow})

	// Roll the head hint back to simulate a crash after a record write.
	env, err := storage.PlainRecord(head{Seq: 0, Hash: GenesisHash}, 99)
	require.NoError(t, err)
	require.NoError(t, repo.Put(ctx, namespace, headType, headID, env))

	l.LogAdminAction(ctx, Entry{Name: "logout", Severity: SeverityLow})
	rep, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Valid)
	assert.Equal(t, 3, rep.RecordCount)
}

type brokenRepo struct{ storage.Repository }

func (brokenRepo) PutCAS(context.Context, string, string, string, uint64, *storage.Envelope) error {
	return errors.New("disk full")
}

func TestWriteFailureGoesToFallback(t *testing.T) {
	l, fallback := newTestLogger(t, brokenRepo{memory.NewRepository()})

	assert.NotPanics(t, func() {
		l.LogSecurityEvent(context.Background(), Entry{
			Name: "csrf_validation_failed", Severity: SeverityHigh, ClientIP: "198.51.100.3",
		})
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(fallback.Bytes(), &line))
	assert.Equal(t, "audit_write_failed", line["msg"])
	assert.Equal(t, "ERROR", line["level"])
	assert.Equal(t, "csrf_validation_failed", line["name"])
	assert.Equal(t, "198.51.100.3", line["client_ip"])
	assert.Contains(t, line["error"], "disk full")
}

func TestCancelledRequestStillWrites(t *testing.T) {
	l, fallback := newTestLogger(t, memory.NewRepository())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l.LogAdminAction(ctx, Entry{Name: "logout", Severity: SeverityLow})
	assert.Empty(t, fallback.String())

	recs, err := l.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestRejectsInvalidEntries(t *testing.T) {
	l, fallback := newTestLogger(t, memory.NewRepository())
	_, err := l.Append(context.Background(), KindAdminAction, Entry{Severity: SeverityLow})
	assert.Error(t, err)
	_, err = l.Append(context.Background(), KindAdminAction, Entry{Name: "x", Severity: "URGENT"})
	assert.Error(t, err)

	l.LogAdminAction(context.Background(), Entry{Name: "x"})
	assert.Contains(t, fallback.String(), "audit_write_failed")
}

func TestListFilters(t *testing.T) {
	l, _ := newTestLogger(t, memory.NewRepository())
	ctx := context.Background()
	l.LogSecurityEvent(ctx, Entry{Name: "login_failed_not_admin", Severity: SeverityMedium})
	l.LogAdminAction(ctx, Entry{Name: "logout", Severity: SeverityLow, AdminID: "a"})
	l.LogSecurityEvent(ctx, Entry{Name: "self_role_change_attempt", Severity: SeverityHigh, AdminID: "a"})
	l.LogAdminAction(ctx, Entry{Name: "emergency_password_reset", Severity: SeverityCritical, AdminID: "root", TargetUserID: "a"})

	all, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "emergency_password_reset", all[0].Name, "newest first")

	high, err := l.List(ctx, Filter{MinSeverity: SeverityHigh})
	require.NoError(t, err)
	assert.Len(t, high, 2)

	byAdmin, err := l.List(ctx, Filter{AdminID: "a"})
	require.NoError(t, err)
	assert.Len(t, byAdmin, 2)

	events, err := l.List(ctx, Filter{Kind: KindSecurityEvent, Limit: 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "self_role_change_attempt", events[0].Name)

	future, err := l.List(ctx, Filter{Since: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, future)
}

func TestParseSeverity(t *testing.T) {
	s, err := ParseSeverity("critical")
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, s)
	_, err = ParseSeverity("meh")
	assert.Error(t, err)
}
