// Package lease guards a job id against two concurrent worker runs.
package lease

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrHeld means another owner holds a live lease on the key.
	ErrHeld = errors.New("lease held by another worker")
	// ErrLost means the token no longer owns the lease it is renewing.
	ErrLost = errors.New("lease lost")
)

// Locker grants one owner per key. A holder calls Renew between long
// steps so the lease does not expire under a slow run.
type Locker interface {
	TryLock(ctx context.Context, key string) (token string, err error)
	Renew(ctx context.Context, key, token string) error
	Unlock(ctx context.Context, key, token string) error
}

// Nop grants every lock. Used when the lease backend is "none".
type Nop struct{}

func (Nop) TryLock(context.Context, string) (string, error) { return uuid.NewString(), nil }
func (Nop) Renew(context.Context, string, string) error { return nil }
func (Nop) Unlock(context.Context, string, string) error { return nil }
