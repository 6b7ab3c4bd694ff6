// Package store provides keyed, durable storage for token records. All
// mutation funnels through Update, an atomic read-modify-write, so
// concurrent redemptions of the same token can never lose updates.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"tokend/internal/token"
)

var (
	// ErrNotFound reports an id with no stored record.
	ErrNotFound = errors.New("token not found")
	// ErrConflict reports that a record changed between the read and the
	// write of an Update. It is transient; callers retry with bounded
	// attempts before surfacing a failure.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrUnavailable wraps backing-storage failures. Callers treat it as
	// retryable and must deny access rather than guess at validity.
	ErrUnavailable = errors.New("store unavailable")
)

// Mutator applies a pure transformation to a token record inside Update.
// Returning an error aborts the update without writing.
type Mutator func(token.Token) (token.Token, error)

// Store is the token record contract shared by all backends.
type Store interface {
	// Put writes a record unconditionally, creating or replacing it.
	Put(ctx context.Context, tok token.Token) error
	// Get returns the record for id or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (token.Token, error)
	// Delete removes the record for id. Deleting an absent id is not an
	// error; the sweep may race another sweeper.
	Delete(ctx context.Context, id uuid.UUID) error
	// Scan returns every stored record.
	Scan(ctx context.Context) ([]token.Token, error)
	// Update atomically reads the record for id, applies fn, and writes
	// the result back. It fails with ErrConflict if the record changed
	// concurrently and ErrNotFound if absent.
	Update(ctx context.Context, id uuid.UUID, fn Mutator) (token.Token, error)
}
