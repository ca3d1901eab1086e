package fsutil

import (
	"context"
	"io"
)

// Reader returns a reader which fails with ctx.Err() once ctx is done.
// Commands fed from it stop reading their script when the caller gives up.
func Reader(ctx context.Context, r io.Reader) io.Reader {
	if r == nil {
		return nil
	}
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := c.r.Read(p)
	if err == nil {
		err = c.ctx.Err()
	}
	return n, err
}
