// Package ratelimit throttles data transfers to a byte rate.
//
// Limiters are golang.org/x/time/rate token buckets sized to one second of
// traffic. A Reader may be governed by several limiters at once (per session
// and server wide); the most restrictive one wins.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxChunk keeps individual waits short so a canceled transfer stops
// promptly and bursts stay smooth.
const maxChunk = 32 * 1024

// New returns a limiter for bytesPerSecond, or nil for unlimited.
// The burst is one second worth of data.
func New(bytesPerSecond int64) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := bytesPerSecond
	if burst > 1<<30 {
		burst = 1 << 30
	}
	return rate.NewLimiter(rate.Limit(bytesPerSecond), int(burst))
}

// Reader is an io.Reader that stops when its context is canceled and waits
// on its limiters for every chunk read.
type Reader struct {
	ctx      context.Context
	r        io.Reader
	limiters []*rate.Limiter
	chunk    int
}

// NewReader wraps r. Nil limiters are ignored.
func NewReader(ctx context.Context, r io.Reader, limiters ...*rate.Limiter) *Reader {
	rd := &Reader{ctx: ctx, r: r, chunk: maxChunk}
	for _, l := range limiters {
		if l == nil {
			continue
		}
		rd.limiters = append(rd.limiters, l)
		if b := l.Burst(); b < rd.chunk {
			rd.chunk = b
		}
	}
	if rd.chunk < 1 {
		rd.chunk = 1
	}
	return rd
}

// Read implements io.Reader with rate limiting.
func (r *Reader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if len(r.limiters) > 0 && len(p) > r.chunk {
		p = p[:r.chunk]
	}

	n, err := r.r.Read(p)
	for _, l := range r.limiters {
		if n == 0 {
			break
		}
		if werr := l.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
