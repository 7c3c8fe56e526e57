package reactor

import (
	"time"
)

// Role tags what a Descriptor's underlying fd represents. The core's code
// paths only ever need to branch on this small closed set, never on an open
// class hierarchy.
type Role uint8

const (
	RoleListening Role = iota
	RoleClient
	RoleBackend
	RoleWakeup
)

func (r Role) String() string {
	switch r {
	case RoleListening:
		return "listening"
	case RoleClient:
		return "client"
	case RoleBackend:
		return "backend"
	case RoleWakeup:
		return "wakeup"
	default:
		return "unknown"
	}
}

// Handler is the capability set a Descriptor's owner invokes on readiness.
// Session-attached descriptors dispatch into a session.Session; pool-stub
// descriptors evict and close themselves on any traffic (see PoolStubHandler).
type Handler interface {
	OnReadable(d *Descriptor) error
	OnWritable(d *Descriptor) error
	OnError(d *Descriptor, err error)
	OnHangup(d *Descriptor)
}

// Descriptor wraps one OS-level file handle. It is owned by exactly one
// Worker at a time; only that worker's goroutine ever mutates its buffers,
// which is what lets the rest of the per-worker state go lock-free.
type Descriptor struct {
	fd    int
	role  Role
	owner *Worker
	self  Handle // this descriptor's handle in owner.descriptors

	pollToken uint64
	edge      bool // edge-triggered (client/backend) vs level-triggered (listening)
	wantWrite bool

	read  chunkQueue
	write chunkQueue

	handler Handler

	lastRead  time.Time
	lastWrite time.Time
	hungUp    bool

	// zombie bookkeeping, valid only once the descriptor has been parked
	// (see worker.closeDescriptor)
	zombieSince time.Time
	zombieNote  string
}

// FD returns the underlying OS file descriptor.
func (d *Descriptor) FD() int { return d.fd }

// Role returns the descriptor's role tag.
func (d *Descriptor) Role() Role { return d.role }

// Owner returns the worker that currently owns this descriptor.
// MigrateDescriptor switches it from the old owner to the new one in a
// single step; it is not set to nil during a migration.
func (d *Descriptor) Owner() *Worker { return d.owner }

// SetHandler swaps the event handler, e.g. when a connection pool entry is
// handed back to a session (pool-stub -> session-attached) or released to
// the pool (session-attached -> pool-stub).
func (d *Descriptor) SetHandler(h Handler) { d.handler = h }

// Write appends b to the pending-write buffer and arms write-readiness.
// Owning-worker only.
func (d *Descriptor) Write(b []byte) {
	d.write.Append(b)
	if d.write.Len() > 0 {
		d.armWrite()
	}
}

// PendingWrite reports how many bytes are still queued to be written.
func (d *Descriptor) PendingWrite() int { return d.write.Len() }

// ReadBuffer exposes the accumulated, unconsumed bytes read from the fd.
// Protocol modules consume from the front with Consume.
func (d *Descriptor) ReadBuffer() []byte { return d.read.Bytes() }

// Consume drops n bytes from the front of the read buffer once a protocol
// module has turned them into complete packets.
func (d *Descriptor) Consume(n int) { d.read.DropFront(n) }

func (d *Descriptor) armWrite() {
	if d.wantWrite || d.owner == nil {
		return
	}
	d.wantWrite = true
	_ = d.owner.poller.Modify(d.pollToken, true)
}

func (d *Descriptor) disarmWrite() {
	if !d.wantWrite || d.owner == nil {
		return
	}
	d.wantWrite = false
	_ = d.owner.poller.Modify(d.pollToken, false)
}

// PoolStubHandler is the handler installed on an idle pooled backend
// connection: any traffic on an idle connection means the server pushed
// something unexpected (or hung up), so the connection can no longer be
// trusted and is evicted and closed rather than reused.
type PoolStubHandler struct {
	Evict func(d *Descriptor)
}

func (h PoolStubHandler) OnReadable(d *Descriptor) error { h.Evict(d); return nil }
func (h PoolStubHandler) OnWritable(d *Descriptor) error { return nil }
func (h PoolStubHandler) OnError(d *Descriptor, err error) { h.Evict(d) }
func (h PoolStubHandler) OnHangup(d *Descriptor)           { h.Evict(d) }
