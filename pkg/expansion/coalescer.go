package expansion

import (
	"context"
	"errors"

	"golang.org/x/sync/singleflight"
)

// RequestCoalescer merges concurrent identical fetches into one call. It holds only the
// calls currently in flight: an entry is forgotten as soon as its call settles, so a
// result is never served to a request that starts afterwards.
//
// One coalescer is normally shared by every engine of a tree so that the same
// relationship of the same entity, expanded at two places, is fetched once.
type RequestCoalescer struct {
	group singleflight.Group
}

func NewRequestCoalescer() *RequestCoalescer {
	return &RequestCoalescer{}
}

// Forget drops the in-flight entry for key; the next Coalesce call for key starts a new
// call instead of joining the current one.
func (c *RequestCoalescer) Forget(key string) {
	c.group.Forget(key)
}

// Coalesce runs fn once for all concurrent callers using the same key. The shared call
// runs under the context of the caller that started it; a caller whose own ctx is still
// live when that context ends runs fn again by itself. A caller whose ctx is done stops
// waiting and gets ctx.Err(). shared reports whether the result was delivered to more
// than one caller.
func Coalesce[T any](ctx context.Context, c *RequestCoalescer, key string, fn func(context.Context) (T, error)) (v T, shared bool, err error) {
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return fn(ctx)
	})

	select {
	case <-ctx.Done():
		return v, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if res.Shared && ctx.Err() == nil && isContextError(res.Err) {
				v, err = fn(ctx)
				return v, false, err
			}
			return v, res.Shared, res.Err
		}
		v, _ = res.Val.(T)
		return v, res.Shared, nil
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
