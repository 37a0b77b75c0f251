package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	diskqueue "github.com/nsqio/go-diskqueue"
)

// diskCursor is a disk-spillable PendingCursor, grounded on NSQ's
// Channel.backend field (other_examples/420a1f2d_...nsqd-channel.go.go),
// which spills a channel's overflow onto a go-diskqueue.Interface so an
// unbounded backlog does not have to live entirely in process memory.
//
// go-diskqueue's Interface is a byte-queue with a single read cursor: a
// successful receive from ReadChan has already durably advanced the
// on-disk position. That collapses Next+Remove into one step, so unlike
// memoryCursor, Remove here only finalizes bookkeeping for the element
// Next already popped off disk; pageIn's "take next, cursor-remove"
// sequence is still honored, it is just that the disk side of the
// contract already happened inside Next.
type diskCursor struct {
	mu   sync.Mutex
	dq   diskqueue.Interface
	peek *Message // result of the most recent Next, pending Remove
	size int64    // tracked independently since Depth() reflects on-disk bytes not yet popped into peek
}

// DiskCursorOptions configures the on-disk spill files.
type DiskCursorOptions struct {
	Name        string
	DataPath    string
	MaxBytes    int64 // per-file size before rolling over
	MinMsgSize  int32
	MaxMsgSize  int32
	SyncEvery   int64
	SyncTimeout int64 // milliseconds
	Logger      Logger
}

// NewDiskCursor builds a disk-spillable PendingCursor.
func NewDiskCursor(opts DiskCursorOptions) PendingCursor {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 1 << 30
	}
	if opts.MaxMsgSize <= 0 {
		opts.MaxMsgSize = 1 << 20
	}
	if opts.SyncEvery <= 0 {
		opts.SyncEvery = 2500
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 2000
	}
	log := opts.Logger
	if log == nil {
		log = noopLogger{}
	}
	logf := func(lvl diskqueue.LogLevel, f string, args ...interface{}) {
		msg := fmt.Sprintf(f, args...)
		switch lvl {
		case diskqueue.ERROR, diskqueue.FATAL:
			log.Error(msg)
		case diskqueue.WARN:
			log.Warn(msg)
		default:
			log.Debug(msg)
		}
	}
	dq := diskqueue.New(
		opts.Name,
		opts.DataPath,
		opts.MaxBytes,
		opts.MinMsgSize,
		opts.MaxMsgSize,
		opts.SyncEvery,
		time.Duration(opts.SyncTimeout)*time.Millisecond,
		logf,
	)
	return &diskCursor{dq: dq}
}

func (c *diskCursor) Start(context.Context) error { return nil }

// IsRecoveryRequired reports whether the disk queue currently holds any
// messages (go-diskqueue Depth() > 0). That covers messages that survived
// a restart, since go-diskqueue replays its own metadata file on New, and
// equally messages appended in this process and not yet read.
func (c *diskCursor) IsRecoveryRequired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dq.Depth() > 0
}

func (c *diskCursor) AddMessageLast(_ context.Context, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: encode message: %v", ErrFatalCursorAdd, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.dq.Put(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrFatalCursorAdd, err)
	}
	c.size++
	return nil
}

func (c *diskCursor) Reset() {
	// go-diskqueue has a single forward cursor; Reset is a no-op here,
	// matching its "destructive read" semantics (see struct doc comment).
}

func (c *diskCursor) HasNext() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peek != nil || c.size > 0
}

func (c *diskCursor) Next() *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peek != nil {
		return c.peek
	}
	if c.size == 0 {
		return nil
	}
	raw := <-c.dq.ReadChan()
	msg := &Message{}
	if err := json.Unmarshal(raw, msg); err != nil {
		// Corrupt record on disk: drop it from the size accounting and
		// surface nothing further for this position.
		c.size--
		return nil
	}
	c.peek = msg
	return msg
}

func (c *diskCursor) Remove() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peek == nil {
		return
	}
	c.peek = nil
	c.size--
}

func (c *diskCursor) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.size
	if c.peek != nil {
		return int(n)
	}
	return int(n)
}

// Close releases the on-disk backing files. Not part of PendingCursor;
// callers that constructed a diskCursor via NewDiskCursor may type-assert
// to *diskCursor or keep the concrete constructor result if they need
// Close (used on queue disposal).
func (c *diskCursor) Close() error {
	return c.dq.Close()
}
