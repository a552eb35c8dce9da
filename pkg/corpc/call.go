package corpc

import (
	"context"
	"fmt"
	"sync"

	zerrors "github.com/ryandielhenn/zephyrmesh/pkg/errors"
)

// Call is the originator's handle on a collective.
type Call struct {
	id   RequestID
	done chan struct{}
	once sync.Once

	result *Result
	err    error
}

func newCall(id RequestID) *Call {
	return &Call{id: id, done: make(chan struct{})}
}

func (c *Call) ID() RequestID { return c.id }

// Done is closed once the result is available.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the collective finished or ctx expired. A completed
// collective with failed subtrees is not an error; see Result.Failed.
func (c *Call) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, fmt.Errorf("collective %s: %w: %w", c.id, zerrors.ErrTimeout, ctx.Err())
	}
}

// complete reports whether this call resolved the Call.
func (c *Call) complete(res *Result, err error) bool {
	resolved := false
	c.once.Do(func() {
		c.result, c.err = res, err
		close(c.done)
		resolved = true
	})
	return resolved
}
