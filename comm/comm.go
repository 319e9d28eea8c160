// Package comm models the communication region: one cache-coherent page
// shared between the hypervisor and a single guest cell. The hypervisor
// owns msg_to_cell and writes cell_state on hypervisor-initiated
// transitions; the guest writes reply_from_cell and writes cell_state on
// its own transitions. The one exception is PostMessage, where the
// hypervisor resets reply_from_cell before publishing a new message.
package comm

import "sync/atomic"

// Cell states.
const (
	CellRunning       = 0
	CellRunningLocked = 1
	CellShutDown      = 2
	CellFailed        = 3
)

// Messages to the cell.
const (
	MsgNone              = 0
	MsgShutdownRequest   = 1
	MsgReconfigCompleted = 2
)

// Replies from the cell.
const (
	ReplyDenied   = 1
	ReplyApproved = 2
	ReplyReceived = 3
)

// Region is the shared page. It must not be copied once a guest can see
// it.
type Region struct {
	cellState     atomic.Uint32
	msgToCell     atomic.Uint32
	replyFromCell atomic.Uint32

	// msgSeq is not part of the shared page layout. It lets in-process
	// guests (simulator, tests) detect message re-posts without racing
	// the two stores of PostMessage; hardware guests get an interrupt
	// instead.
	msgSeq atomic.Uint64
}

// CellState returns the state word.
func (r *Region) CellState() uint32 { return r.cellState.Load() }

// SetCellState is the hypervisor-side state transition (create, start,
// set-loadable, cell failure).
func (r *Region) SetCellState(s uint32) { r.cellState.Store(s) }

// PostMessage clears any stale reply, then publishes msg to the cell.
func (r *Region) PostMessage(msg uint32) {
	r.replyFromCell.Store(MsgNone)
	r.msgToCell.Store(msg)
	r.msgSeq.Add(1)
}

// ClearMessage resets the message slot (done when a cell is started so it
// observes a consistent region).
func (r *Region) ClearMessage() { r.msgToCell.Store(MsgNone) }

// ReplyFromCell returns the pending reply word.
func (r *Region) ReplyFromCell() uint32 { return r.replyFromCell.Load() }

// Guest-side accessors, used by in-process guests (simulator, tests).

// MsgToCell returns the pending message word.
func (r *Region) MsgToCell() uint32 { return r.msgToCell.Load() }

// PendingMessage returns the message word together with its post
// sequence number, so a polling guest answers each post exactly once.
func (r *Region) PendingMessage() (uint32, uint64) {
	seq := r.msgSeq.Load()

	return r.msgToCell.Load(), seq
}

// Reply publishes the guest's reply.
func (r *Region) Reply(code uint32) { r.replyFromCell.Store(code) }

// GuestSetState is the guest-side state transition
// (RUNNING <-> RUNNING_LOCKED, SHUT_DOWN).
func (r *Region) GuestSetState(s uint32) { r.cellState.Store(s) }
