// Package lock provides exclusive, non-blocking ownership of string keys.
package lock

import (
	"context"
	"errors"
)

// ErrLocked is returned when another owner already holds the key.
var ErrLocked = errors.New("lock: key already held")

// Locker hands out exclusive ownership of a key. TryLock never waits: it
// either returns a release function or ErrLocked. Release is idempotent.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), err error)
}
