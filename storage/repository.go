// Package storage provides the storage abstraction shared by sessions,
// rate-limit buckets, audit records and password-change requests.
//
// Every backend implements the same Repository contract so that a deployment
// can run several Shelfguard instances against one shared store.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// Repository defines the interface for record storage. Records are addressed
// by (namespace, recordType, recordID).
type Repository interface {
	Put(ctx context.Context, namespace, recordType, recordID string, envelope *Envelope) error
	Get(ctx context.Context, namespace, recordType, recordID string) (*Envelope, error)
	List(ctx context.Context, namespace, recordType string) ([]string, error)
	Delete(ctx context.Context, namespace, recordType, recordID string) error
	// PutCAS writes envelope only if the stored record's Version equals
	// expectedVersion. An expectedVersion of 0 means "must not exist".
	PutCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, envelope *Envelope) error
}
