// Package channel provides the bounded, non-blocking queues that connect
// shards to the offload workers.
//
// Every queue is single-producer/single-consumer by construction: a control
// pair belongs to exactly one shard and one worker, a log channel to one
// shard and the application-log worker. Neither operation blocks — Send
// reports failure on a full queue and TryRecv reports absence on an empty
// one — so the vectorloop never suspends on a worker.
package channel

// SPSC is a bounded non-blocking queue.
type SPSC[T any] struct {
	ch chan T
}

// NewSPSC creates a queue holding at most capacity elements.
func NewSPSC[T any](capacity int) *SPSC[T] {
	return &SPSC[T]{ch: make(chan T, capacity)}
}

// Send enqueues v, reporting false when the queue is full.
func (s *SPSC[T]) Send(v T) bool {
	select {
	case s.ch <- v:
		return true
	default:
		return false
	}
}

// TryRecv dequeues the oldest element, reporting false when empty.
func (s *SPSC[T]) TryRecv() (T, bool) {
	select {
	case v := <-s.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// CtrlKind discriminates control messages.
type CtrlKind uint8

const (
	// CtrlResourceUpdate carries a fresh resource artifact to a shard.
	CtrlResourceUpdate CtrlKind = iota
	// CtrlResourceAck confirms a shard switched to the new artifact. The
	// payload is cleared before replying: the receiver owns message memory.
	CtrlResourceAck
	// CtrlQueryLogFlip asks a shard to swap its query-log buffers.
	CtrlQueryLogFlip
	// CtrlQueryLogFlipReply returns the now-inactive buffer and its length.
	CtrlQueryLogFlipReply
)

// CtrlMsg is a heap-allocated control message. Ownership transfers to the
// receiver on dequeue; replies reuse the message with the payload the
// replying side is surrendering.
type CtrlMsg struct {
	Kind     CtrlKind
	Resource any    // CtrlResourceUpdate: the artifact pointer
	Name     string // CtrlResourceUpdate: resource name, for logging
	Buf      []byte // CtrlQueryLogFlipReply: the surrendered buffer
	Len      int    // CtrlQueryLogFlipReply: bytes used in Buf
}

// ctrlDepth bounds each direction of a control pair. Usage is strictly
// request/response, so one outstanding transaction per direction suffices;
// two slots absorb a reply racing a new request.
const ctrlDepth = 2

// Ctrl is the bidirectional control channel between one shard and one
// worker.
type Ctrl struct {
	toShard   *SPSC[*CtrlMsg]
	fromShard *SPSC[*CtrlMsg]
}

// NewCtrl creates a control pair.
func NewCtrl() *Ctrl {
	return &Ctrl{
		toShard:   NewSPSC[*CtrlMsg](ctrlDepth),
		fromShard: NewSPSC[*CtrlMsg](ctrlDepth),
	}
}

// Worker-side operations.

func (c *Ctrl) SendToShard(m *CtrlMsg) bool     { return c.toShard.Send(m) }
func (c *Ctrl) RecvFromShard() (*CtrlMsg, bool) { return c.fromShard.TryRecv() }

// Shard-side operations.

func (c *Ctrl) SendToWorker(m *CtrlMsg) bool   { return c.fromShard.Send(m) }
func (c *Ctrl) RecvFromWorker() (*CtrlMsg, bool) { return c.toShard.TryRecv() }

// LogMsg is one application-log line from a shard.
type LogMsg struct {
	Line  string
	Fatal bool
}

// logDepth bounds a shard's application-log channel. Oversubscription drops
// the message; the app_log_write_error counter records it.
const logDepth = 1024

// NewLog creates a shard's application-log channel.
func NewLog() *SPSC[LogMsg] {
	return NewSPSC[LogMsg](logDepth)
}
