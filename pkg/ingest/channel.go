package ingest

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrChannelClosed = errors.New("channel is closed")

// AckCallback receives records once the importer has written them, in the
// order they were fetched.
type AckCallback func(records []Record)

// Channel connects one dumper to one importer.
type Channel interface {
	Push(ctx context.Context, r Record) error
	Fetch(ctx context.Context, max int, timeout time.Duration) ([]Record, error)
	Ack(records []Record)
	Close()
}

// MemoryChannel is a bounded in-process Channel. Push blocks while the
// channel is full.
type MemoryChannel struct {
	records   chan Record
	done      chan struct{}
	closeOnce sync.Once
	onAck     AckCallback
}

var _ Channel = &MemoryChannel{}

func NewMemoryChannel(capacity int, onAck AckCallback) *MemoryChannel {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryChannel{
		records: make(chan Record, capacity),
		done:    make(chan struct{}),
		onAck:   onAck,
	}
}

func (c *MemoryChannel) Push(ctx context.Context, r Record) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	select {
	case c.records <- r:
		return nil
	case <-c.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fetch returns up to max records. It waits up to timeout for the first
// record and then takes whatever else is already buffered. An empty result
// with a nil error means the timeout expired.
func (c *MemoryChannel) Fetch(ctx context.Context, max int, timeout time.Duration) ([]Record, error) {
	if max < 1 {
		max = 1
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var first Record
	select {
	case first = <-c.records:
	case <-c.done:
		select {
		case first = <-c.records:
		default:
			return nil, ErrChannelClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
	records := []Record{first}
	for len(records) < max {
		select {
		case r := <-c.records:
			records = append(records, r)
		default:
			return records, nil
		}
	}
	return records, nil
}

func (c *MemoryChannel) Ack(records []Record) {
	if c.onAck != nil && len(records) > 0 {
		c.onAck(records)
	}
}

// Close unblocks pending Push calls. Buffered records can still be fetched.
func (c *MemoryChannel) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Len is the number of buffered records.
func (c *MemoryChannel) Len() int {
	return len(c.records)
}
