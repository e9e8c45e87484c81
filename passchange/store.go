package passchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/shelfguard/internal/keyring"
	"github.com/jmcleod/shelfguard/internal/util"
	"github.com/jmcleod/shelfguard/storage"
)

const (
	namespace  = "passchange"
	recordType = "REQUEST"
	aadPrefix  = "passchange:"
)

// Status is the lifecycle state of a Request.
type Status string

const (
	StatusRequested        Status = "requested"
	StatusVerificationSent Status = "verification_sent"
	StatusProcessing       Status = "processing"
	StatusCompleted        Status = "completed"
	StatusExpired          Status = "expired"
	StatusRejected         Status = "rejected"
)

// Pending reports whether the request can still be completed.
func (s Status) Pending() bool {
	return s == StatusRequested || s == StatusVerificationSent
}

// Request is a stored two-phase password change. Secrets are kept only as
// SHA-256 hashes and the record is sealed at rest.
type Request struct {
	ID                    string     `json:"id"`
	RequesterID           string     `json:"requesterId"`
	RequesterEmail        string     `json:"requesterEmail"`
	TargetUID             string     `json:"targetUid"`
	TargetEmail           string     `json:"targetEmail"`
	Reason                string     `json:"reason"`
	IsEmergency           bool       `json:"isEmergency"`
	Status                Status     `json:"status"`
	VerificationTokenHash string     `json:"verificationTokenHash"`
	EmailCodeHash         string     `json:"emailCodeHash,omitempty"`
	OverrideCodeHash      string     `json:"overrideCodeHash,omitempty"`
	OverrideAuthorID      string     `json:"overrideAuthorId,omitempty"`
	FailedAttempts        int        `json:"failedAttempts"`
	CreatedAt             time.Time  `json:"createdAt"`
	ExpiresAt             time.Time  `json:"expiresAt"`
	CompletedAt           *time.Time `json:"completedAt,omitempty"`

	Version uint64 `json:"-"`
}

// Summary is the only projection of a Request returned to clients.
type Summary struct {
	RequestID   string    `json:"requestId"`
	TargetEmail string    `json:"targetEmail"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
	IsEmergency bool      `json:"isEmergency"`
}

// Summary projects r without any secret material.
func (r *Request) Summary() Summary {
	return Summary{
		RequestID:   r.ID,
		TargetEmail: r.TargetEmail,
		Reason:      r.Reason,
		Timestamp:   r.CreatedAt,
		IsEmergency: r.IsEmergency,
	}
}

func (o *Orchestrator) load(ctx context.Context, id string) (*Request, error) {
	env, err := o.repo.Get(ctx, namespace, recordType, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading password change request: %w", err)
	}
	var data []byte
	err = o.keys.Use(keyring.PurposeSeal, func(key []byte) error {
		var oerr error
		data, oerr = storage.OpenRecord(key, env, []byte(aadPrefix+id))
		return oerr
	})
	if err != nil {
		return nil, fmt.Errorf("opening password change request: %w", err)
	}
	defer util.WipeBytes(data)

	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding password change request: %w", err)
	}
	if r.ID != id {
		return nil, errors.New("password change request id mismatch")
	}
	r.Version = env.Version
	return &r, nil
}

// save writes r if the stored version still equals r.Version. It returns
// storage.ErrCASFailed (unwrapped) when another writer got there first.
func (o *Orchestrator) save(ctx context.Context, r *Request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding password change request: %w", err)
	}
	defer util.WipeBytes(data)

	var env *storage.Envelope
	err = o.keys.Use(keyring.PurposeSeal, func(key []byte) error {
		var serr error
		env, serr = storage.SealRecord(key, data, []byte(aadPrefix+r.ID), r.Version+1)
		return serr
	})
	if err != nil {
		return fmt.Errorf("sealing password change request: %w", err)
	}
	if err := o.repo.PutCAS(ctx, namespace, recordType, r.ID, r.Version, env); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return err
		}
		return fmt.Errorf("writing password change request: %w", err)
	}
	r.Version++
	return nil
}

// transition moves r from its current status to next under compare-and-set.
func (o *Orchestrator) transition(ctx context.Context, r *Request, next Status) error {
	prev := r.Status
	r.Status = next
	if err := o.save(ctx, r); err != nil {
		r.Status = prev
		return err
	}
	return nil
}

func (o *Orchestrator) all(ctx context.Context) ([]*Request, error) {
	ids, err := o.repo.List(ctx, namespace, recordType)
	if err != nil {
		return nil, fmt.Errorf("listing password change requests: %w", err)
	}
	out := make([]*Request, 0, len(ids))
	for _, id := range ids {
		r, err := o.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			o.logger.Warn("skipping unreadable password change request", "request_id", id, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
