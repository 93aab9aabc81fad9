package expansion

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// Token identifies one fetch. Cancelling it guarantees that the fetch's eventual result
// is dropped; it also cancels the token's context, which transports may honour to abort
// the request early.
type Token struct {
	id        ulid.ULID
	parent    context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// NewToken derives a token from parent. A positive timeout bounds the fetch.
func NewToken(parent context.Context, timeout time.Duration) *Token {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	return &Token{
		id:     ulid.Make(),
		parent: parent,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (t *Token) ID() string {
	return t.id.String()
}

func (t *Token) Context() context.Context {
	return t.ctx
}

// Cancel marks the token cancelled. It is idempotent.
func (t *Token) Cancel() {
	t.cancelled.Store(true)
	t.cancel()
}

// IsCancelled reports whether Cancel was called or the context the token was derived
// from is done. A fetch timeout does not cancel the token.
func (t *Token) IsCancelled() bool {
	return t.cancelled.Load() || t.parent.Err() != nil
}

// release frees the token's context once its fetch settled.
func (t *Token) release() {
	t.cancel()
}

func (t *Token) String() string {
	return t.ID()
}
