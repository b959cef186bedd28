// Copyright 2023 The Cuber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package limiter paces the aggregate byte throughput of mblock's
// async extent-write path. mblock.AsyncCtx already caps how many
// chunks per second it submits with its own golang.org/x/time/rate
// limiter (a request-rate cap); this package adds a byte-rate cap on
// top of that, the way a real device driver throttles write bandwidth
// on a queue independently of IOPS.
package limiter

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// WriteThrottle caps the aggregate bytes/sec pushed through an
// io.Writer chain. A nil *WriteThrottle is valid and passes writes
// through unmodified, so callers never need to nil-check before
// wrapping.
type WriteThrottle struct {
	tokens *rate.Limiter
}

// New builds a WriteThrottle capped at mbps megabytes/sec. mbps <= 0
// disables the cap and New returns nil.
func New(mbps int) *WriteThrottle {
	if mbps <= 0 {
		return nil
	}
	const mb = 1 << 20
	return &WriteThrottle{tokens: rate.NewLimiter(rate.Limit(mbps*mb), mbps*mb)}
}

// Writer wraps w so every Write call first blocks for its byte quota.
// Chunk sizes larger than the configured burst still succeed: the
// quota is waited for in burst-sized pieces before the write is issued.
func (t *WriteThrottle) Writer(ctx context.Context, w io.Writer) io.Writer {
	if t == nil {
		return w
	}
	return &throttledWriter{ctx: ctx, tokens: t.tokens, w: w}
}

type throttledWriter struct {
	ctx    context.Context
	tokens *rate.Limiter
	w      io.Writer
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	for rem := len(p); rem > 0; {
		n := rem
		if burst := t.tokens.Burst(); burst > 0 && n > burst {
			n = burst
		}
		if err := t.tokens.WaitN(t.ctx, n); err != nil {
			return 0, err
		}
		rem -= n
	}
	return t.w.Write(p)
}
