// Package audit is the append-only, hash-chained trail of administrative
// actions and security events.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind separates administrative actions from security events.
type Kind string

const (
	KindAdminAction   Kind = "admin_action"
	KindSecurityEvent Kind = "security_event"
)

// Severity is chosen by the caller from a fixed taxonomy.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// ParseSeverity accepts any case.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if sev.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// GenesisHash is the PrevHash of the first record in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is what callers log.
type Entry struct {
	Name         string
	Severity     Severity
	AdminID      string
	AdminEmail   string
	ClientIP     string
	UserAgent    string
	TargetUserID string
	Details      map[string]any
	Success      bool
}

// Record is an immutable, chained audit record.
type Record struct {
	Seq          uint64         `json:"seq"`
	ID           string         `json:"id"`
	Kind         Kind           `json:"kind"`
	Name         string         `json:"name"`
	Severity     Severity       `json:"severity"`
	AdminID      string         `json:"adminId,omitempty"`
	AdminEmail   string         `json:"adminEmail,omitempty"`
	ClientIP     string         `json:"clientIp,omitempty"`
	UserAgent    string         `json:"userAgent,omitempty"`
	TargetUserID string         `json:"targetUserId,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Success      bool           `json:"success"`
	Timestamp    string         `json:"timestamp"`
	PrevHash     string         `json:"prevHash"`
	Hash         string         `json:"hash"`
}

// body is the hashed content of a record.
type body struct {
	Seq          uint64         `json:"seq"`
	Kind         Kind           `json:"kind"`
	Name         string         `json:"name"`
	Severity     Severity       `json:"severity"`
	AdminID      string         `json:"adminId"`
	AdminEmail   string         `json:"adminEmail"`
	ClientIP     string         `json:"clientIp"`
	UserAgent    string         `json:"userAgent"`
	TargetUserID string         `json:"targetUserId"`
	Details      map[string]any `json:"details"`
	Success      bool           `json:"success"`
}

// ComputeHash returns
//
//	SHA-256( id || prevHash || timestamp || hex(SHA-256(canonical body)) )
func ComputeHash(r Record) (string, error) {
	b, err := json.Marshal(body{
		Seq:          r.Seq,
		Kind:         r.Kind,
		Name:         r.Name,
		Severity:     r.Severity,
		AdminID:      r.AdminID,
		AdminEmail:   r.AdminEmail,
		ClientIP:     r.ClientIP,
		UserAgent:    r.UserAgent,
		TargetUserID: r.TargetUserID,
		Details:      r.Details,
		Success:      r.Success,
	})
	if err != nil {
		return "", fmt.Errorf("encoding audit body: %w", err)
	}
	bodySum := sha256.Sum256(b)
	h := sha256.Sum256([]byte(r.ID + r.PrevHash + r.Timestamp + hex.EncodeToString(bodySum[:])))
	return hex.EncodeToString(h[:]), nil
}

// seqKey renders a sequence number so lexical order is chain order.
func seqKey(seq uint64) string {
	s := strconv.FormatUint(seq, 10)
	return strings.Repeat("0", 20-len(s)) + s
}
