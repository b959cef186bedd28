package mblock

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hse-project/mpool/errors"
	"github.com/hse-project/mpool/internal/backend"
	"github.com/hse-project/mpool/metrics"
	"github.com/hse-project/mpool/util/limiter"
)

// maxChunkBytes bounds how much of a single Write-async call is queued
// as one backend submission, per spec.md §4.2: "queues up to 1 MiB
// chunks into ctx".
const maxChunkBytes = 1 << 20

type chunk struct {
	offset uint64
	data   []byte
}

// AsyncCtx batches writes across one or more mblocks and lets the
// caller wait for all of them to durably persist with a single
// Flush call. Chunks queued against the same mblock are drained in
// enqueue order; chunks against distinct mblocks drain concurrently,
// the way a real device driver would fan out per-queue I/O
// (grounded on golang.org/x/sync/errgroup fan-out, same pattern the
// teacher uses for parallel raft log application).
type AsyncCtx struct {
	mgr *Manager

	mu      sync.Mutex
	queued  map[backend.ObjectID][]chunk
	nextOff map[backend.ObjectID]uint64
	flushed bool

	limiter  *rate.Limiter
	throttle *limiter.WriteThrottle
}

// NewAsyncCtx creates an async-write context. rps caps the rate of
// chunk submissions at Flush time (0 disables limiting), mirroring
// the read-ahead limiter mcache uses. mbps additionally caps the
// aggregate byte throughput of the flush.
func (m *Manager) NewAsyncCtx(rps float64, mbps int) *AsyncCtx {
	ctx := &AsyncCtx{
		mgr:      m,
		queued:   make(map[backend.ObjectID][]chunk),
		nextOff:  make(map[backend.ObjectID]uint64),
		throttle: limiter.New(mbps),
	}
	if rps > 0 {
		ctx.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return ctx
}

// WriteAsync splits data into <=1 MiB chunks and queues them against
// h, offset-monotonic within h across the lifetime of ctx. It does not
// touch the backend; submission happens at Flush.
func (c *AsyncCtx) WriteAsync(h *Handle, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.flushed {
		return errors.New(errors.KindInvalidState, "async context already flushed")
	}

	d, err := c.mgr.find(h)
	if err != nil {
		return err
	}
	if d.getState() != StateAllocated {
		return errors.New(errors.KindInvalidState, "write on non-allocated mblock")
	}

	off, ok := c.nextOff[h.id]
	if !ok {
		props, err := c.mgr.be.ExtentProps(h.id)
		if err != nil {
			return errors.New(errors.KindIO, "get extent props: "+err.Error())
		}
		off = props.Written
	}

	for len(data) > 0 {
		n := len(data)
		if n > maxChunkBytes {
			n = maxChunkBytes
		}
		c.queued[h.id] = append(c.queued[h.id], chunk{offset: off, data: data[:n]})
		off += uint64(n)
		data = data[n:]
	}
	c.nextOff[h.id] = off
	return nil
}

// Flush drains every queued chunk, waiting for all of it to durably
// persist. It reports the first failure across every mblock touched by
// ctx, if any, and releases ctx's resources: ctx must not be used
// again afterward.
func (c *AsyncCtx) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.flushed {
		c.mu.Unlock()
		return errors.New(errors.KindInvalidState, "async context already flushed")
	}
	queued := c.queued
	c.flushed = true
	c.queued = nil
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for id, chunks := range queued {
		id, chunks := id, chunks
		g.Go(func() error {
			if len(chunks) == 0 {
				return nil
			}
			ew := &extentWriter{be: c.mgr.be, id: id, off: chunks[0].offset}
			w := c.throttle.Writer(gctx, ew)
			for _, ch := range chunks {
				if c.limiter != nil {
					if err := c.limiter.Wait(gctx); err != nil {
						return errors.New(errors.KindIO, "async flush: "+err.Error())
					}
				}
				if _, err := w.Write(ch.data); err != nil {
					if err == backend.ErrNoSpace {
						return errors.New(errors.KindNoSpace, "async write")
					}
					return errors.New(errors.KindIO, "async write: "+err.Error())
				}
			}
			return nil
		})
	}

	return g.Wait()
}

// extentWriter adapts sequential WriteExtent calls to an io.Writer so
// AsyncCtx can pace them through util/limiter's byte-rate wrapper.
type extentWriter struct {
	be  backend.Backend
	id  backend.ObjectID
	off uint64
}

func (w *extentWriter) Write(p []byte) (int, error) {
	if err := w.be.WriteExtent(w.id, w.off, p); err != nil {
		return 0, err
	}
	w.off += uint64(len(p))
	metrics.MblockBytes.WithLabelValues("write_async").Add(float64(len(p)))
	return len(p), nil
}
