package comm_test

import (
	"testing"

	"github.com/nmi/gopart/comm"
)

func TestPostMessageClearsReply(t *testing.T) {
	t.Parallel()

	r := &comm.Region{}

	r.Reply(comm.ReplyDenied)
	r.PostMessage(comm.MsgShutdownRequest)

	if r.ReplyFromCell() != comm.MsgNone {
		t.Error("stale reply survived PostMessage")
	}

	if r.MsgToCell() != comm.MsgShutdownRequest {
		t.Error("message not published")
	}
}

func TestPendingMessageSequence(t *testing.T) {
	t.Parallel()

	r := &comm.Region{}

	_, seq0 := r.PendingMessage()

	r.PostMessage(comm.MsgReconfigCompleted)

	msg, seq1 := r.PendingMessage()
	if msg != comm.MsgReconfigCompleted || seq1 == seq0 {
		t.Error("first post not observable")
	}

	// Re-posting the same message bumps the sequence so a polling guest
	// answers again.
	r.PostMessage(comm.MsgReconfigCompleted)

	if _, seq2 := r.PendingMessage(); seq2 == seq1 {
		t.Error("re-post not distinguishable")
	}
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	r := &comm.Region{}

	if r.CellState() != comm.CellRunning {
		t.Error("zero value must read as RUNNING (code 0)")
	}

	r.SetCellState(comm.CellShutDown)

	if r.CellState() != comm.CellShutDown {
		t.Error("hypervisor transition lost")
	}

	r.GuestSetState(comm.CellRunningLocked)

	if r.CellState() != comm.CellRunningLocked {
		t.Error("guest transition lost")
	}
}
