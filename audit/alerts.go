package audit

import (
	"strings"
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertCriticalBurst     AlertType = "critical_event_burst"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// AlertThresholds configures the sliding windows.
type AlertThresholds struct {
	LoginFailureWindow    time.Duration `yaml:"login_failure_window"`
	LoginFailureThreshold int           `yaml:"login_failure_threshold"`
	CriticalWindow        time.Duration `yaml:"critical_window"`
	CriticalThreshold     int           `yaml:"critical_threshold"`
}

// DefaultAlertThresholds returns the built-in windows.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		LoginFailureWindow:    time.Minute,
		LoginFailureThreshold: 50,
		CriticalWindow:        5 * time.Minute,
		CriticalThreshold:     5,
	}
}

// Alerts tracks sliding-window counters over audit records.
type Alerts struct {
	mu            sync.Mutex
	thresholds    AlertThresholds
	loginFailures []time.Time
	criticals     []time.Time
	alertFn       AlertFunc
	now           func() time.Time
}

func NewAlerts(t AlertThresholds, fn AlertFunc) *Alerts {
	d := DefaultAlertThresholds()
	if t.LoginFailureWindow <= 0 {
		t.LoginFailureWindow = d.LoginFailureWindow
	}
	if t.LoginFailureThreshold <= 0 {
		t.LoginFailureThreshold = d.LoginFailureThreshold
	}
	if t.CriticalWindow <= 0 {
		t.CriticalWindow = d.CriticalWindow
	}
	if t.CriticalThreshold <= 0 {
		t.CriticalThreshold = d.CriticalThreshold
	}
	return &Alerts{thresholds: t, alertFn: fn, now: time.Now}
}

// Observe updates counters for rec and fires alerts on threshold.
func (a *Alerts) Observe(rec Record) {
	if a == nil || a.alertFn == nil {
		return
	}
	if strings.HasPrefix(rec.Name, "login_failed") || strings.HasPrefix(rec.Name, "auth_failed") {
		a.observe(&a.loginFailures, a.thresholds.LoginFailureWindow, a.thresholds.LoginFailureThreshold,
			AlertLoginFailureSpike, "authentication failure rate exceeds threshold")
	}
	if rec.Severity == SeverityCritical {
		a.observe(&a.criticals, a.thresholds.CriticalWindow, a.thresholds.CriticalThreshold,
			AlertCriticalBurst, "critical audit event rate exceeds threshold")
	}
}

func (a *Alerts) observe(window *[]time.Time, d time.Duration, threshold int, typ AlertType, msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	*window = append(*window, now)
	*window = trimWindow(*window, now, d)

	if len(*window) >= threshold {
		a.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     len(*window),
			Threshold: threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		*window = (*window)[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
