package audit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginFailureSpikeAlert(t *testing.T) {
	var mu sync.Mutex
	var fired []AlertEvent
	a := NewAlerts(AlertThresholds{LoginFailureThreshold: 5}, func(e AlertEvent) {
		mu.Lock()
		fired = append(fired, e)
		mu.Unlock()
	})

	for i := 0; i < 4; i++ {
		a.Observe(Record{Name: "login_failed_invalid_credential", Severity: SeverityMedium})
	}
	a.Observe(Record{Name: "logout", Severity: SeverityLow})
	mu.Lock()
	assert.Empty(t, fired, "no alert below threshold")
	mu.Unlock()

	a.Observe(Record{Name: "auth_failed_bearer", Severity: SeverityMedium})
	mu.Lock()
	require.Len(t, fired, 1)
	assert.Equal(t, AlertLoginFailureSpike, fired[0].Type)
	assert.Equal(t, 5, fired[0].Count)
	mu.Unlock()
}

func TestCriticalBurstAlert(t *testing.T) {
	var fired []AlertEvent
	a := NewAlerts(AlertThresholds{CriticalThreshold: 2}, func(e AlertEvent) { fired = append(fired, e) })

	a.Observe(Record{Name: "emergency_password_reset", Severity: SeverityCritical})
	assert.Empty(t, fired)
	a.Observe(Record{Name: "emergency_reset_denied", Severity: SeverityCritical})
	require.Len(t, fired, 1)
	assert.Equal(t, AlertCriticalBurst, fired[0].Type)
}

func TestAlertWindowSlides(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var fired int
	a := NewAlerts(AlertThresholds{CriticalThreshold: 2, CriticalWindow: time.Minute}, func(AlertEvent) { fired++ })
	a.now = func() time.Time { return now }

	a.Observe(Record{Severity: SeverityCritical})
	now = now.Add(2 * time.Minute)
	a.Observe(Record{Severity: SeverityCritical})
	assert.Equal(t, 0, fired)
}

func TestNilAlertsSafe(t *testing.T) {
	var a *Alerts
	assert.NotPanics(t, func() { a.Observe(Record{Severity: SeverityCritical}) })
}
