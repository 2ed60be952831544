// Package bufpool provides a bounded pool of fixed-capacity byte buffers used
// for chunk reads and writes.
//
// Unlike sync.Pool, the pool never allocates past its configured count:
// Get blocks until a buffer is returned or the context ends. This bounds the
// peak memory of many concurrent sessions to count * size bytes.
//
// Example:
//
//	pool := bufpool.New(16, 1<<20)
//	err := pool.With(ctx, func(buf []byte) error {
//	    n, err := f.ReadAt(buf[:length], offset)
//	    ...
//	})
package bufpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("buffer pool closed")

// ErrBufferTooSmall is returned when a caller needs more than the pool's buffer capacity.
var ErrBufferTooSmall = errors.New("requested length exceeds pool buffer size")

// Pool is a fixed set of reusable buffers. It is safe for concurrent use.
type Pool struct {
	slots   chan []byte
	size    int
	count   int
	inUse   atomic.Int64
	waits   atomic.Int64
	closed  chan struct{}
	closeMu sync.Once
}

// Buffer is a checked-out pool slot. Release returns it to the pool; calling
// Release more than once is a no-op.
type Buffer struct {
	pool     *Pool
	data     []byte
	released atomic.Bool
}

// New creates a pool of count buffers, each with capacity size bytes.
func New(count, size int) *Pool {
	if count <= 0 {
		count = 1
	}
	if size <= 0 {
		size = 1
	}

	p := &Pool{
		slots:  make(chan []byte, count),
		size:   size,
		count:  count,
		closed: make(chan struct{}),
	}
	for i := 0; i < count; i++ {
		p.slots <- make([]byte, size)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "bufpool.New",
		"count":       count,
		"buffer_size": size,
	}).Debug("Buffer pool created")

	return p
}

// Get checks out a buffer, blocking while the pool is exhausted.
func (p *Pool) Get(ctx context.Context) (*Buffer, error) {
	select {
	case buf := <-p.slots:
		return p.checkout(buf), nil
	default:
	}

	p.waits.Add(1)
	select {
	case buf := <-p.slots:
		return p.checkout(buf), nil
	case <-p.closed:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) checkout(buf []byte) *Buffer {
	p.inUse.Add(1)
	return &Buffer{pool: p, data: buf[:cap(buf)]}
}

// With checks out a buffer sliced to length bytes, runs fn, and releases the
// buffer on every exit path including panics.
func (p *Pool) With(ctx context.Context, length int, fn func(buf []byte) error) error {
	if length > p.size {
		return fmt.Errorf("%w: %d > %d", ErrBufferTooSmall, length, p.size)
	}
	b, err := p.Get(ctx)
	if err != nil {
		return err
	}
	defer b.Release()
	return fn(b.Bytes()[:length])
}

// Size returns the capacity of every buffer in the pool.
func (p *Pool) Size() int { return p.size }

// Cap returns the number of buffers owned by the pool.
func (p *Pool) Cap() int { return p.count }

// InUse returns the number of buffers currently checked out.
func (p *Pool) InUse() int { return int(p.inUse.Load()) }

// Waits returns how many Get calls had to block.
func (p *Pool) Waits() int64 { return p.waits.Load() }

// Close wakes blocked callers with ErrPoolClosed. Buffers still checked out
// may be released afterwards.
func (p *Pool) Close() {
	p.closeMu.Do(func() { close(p.closed) })
}

// Bytes returns the full-capacity slice backing the buffer.
func (b *Buffer) Bytes() []byte { return b.data }

// Release returns the buffer to its pool.
func (b *Buffer) Release() {
	if b == nil || !b.released.CompareAndSwap(false, true) {
		return
	}
	data := b.data
	b.data = nil
	b.pool.inUse.Add(-1)
	b.pool.slots <- data
}
