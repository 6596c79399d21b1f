// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Emir Aganovic

package softphone

import (
	"context"
	"time"

	"github.com/looplab/fsm"
)

// CallDirection tells who originated the call.
type CallDirection string

const (
	DirectionIncoming CallDirection = "incoming"
	DirectionOutgoing CallDirection = "outgoing"
)

// CallStatus is lifecycle status of single call.
// Disconnected, Failed, Busy, Rejected are terminal. Once call hits terminal
// status it is removed from active set and only its record survives.
type CallStatus string

const (
	StatusIdle          CallStatus = "Idle"
	StatusConnecting    CallStatus = "Connecting"
	StatusRinging       CallStatus = "Ringing"
	StatusEarlyMedia    CallStatus = "EarlyMedia"
	StatusConnected     CallStatus = "Connected"
	StatusOnHold        CallStatus = "OnHold"
	StatusDisconnecting CallStatus = "Disconnecting"
	StatusDisconnected  CallStatus = "Disconnected"
	StatusFailed        CallStatus = "Failed"
	StatusBusy          CallStatus = "Busy"
	StatusRejected      CallStatus = "Rejected"
)

func (s CallStatus) IsTerminal() bool {
	switch s {
	case StatusDisconnected, StatusFailed, StatusBusy, StatusRejected:
		return true
	}
	return false
}

func (s CallStatus) String() string {
	return string(s)
}

// Final status values reported to call history.
const (
	FinalAnswered = "answered"
	FinalNoAnswer = "no-answer"
	FinalRejected = "rejected"
	FinalBusy     = "busy"
	FinalFailed   = "failed"
	// FinalOutgoing is unanswered outgoing call. Never counts as missed.
	FinalOutgoing = "outgoing"
)

// Call is mutable call record owned by the call manager. Only manager loop
// may touch it. Everybody else works with CallInfo snapshots.
type Call struct {
	ID          string
	Direction   CallDirection
	Line        int
	Number      string
	DisplayName string
	Muted       bool
	CreatedAt   time.Time

	fsm        *fsm.FSM
	answeredAt time.Time
	endSignal  CallSignal

	transfer   *transferState
	conference *conferenceState
}

var nonTerminalStatuses = []string{
	string(StatusIdle), string(StatusConnecting), string(StatusRinging),
	string(StatusEarlyMedia), string(StatusConnected), string(StatusOnHold),
	string(StatusDisconnecting),
}

// newCallFSM builds per call status machine. Events are named after canonical
// signals, so applying signal is single fsm.Event call. Invalid transitions
// error out and caller absorbs them as no state change.
func newCallFSM(initial CallStatus) *fsm.FSM {
	return fsm.NewFSM(
		string(initial),
		fsm.Events{
			{Name: string(SignalConnecting), Src: []string{string(StatusIdle)}, Dst: string(StatusConnecting)},
			{Name: string(SignalRinging), Src: []string{string(StatusIdle), string(StatusConnecting)}, Dst: string(StatusRinging)},
			{Name: string(SignalEarlyMedia), Src: []string{string(StatusConnecting), string(StatusRinging)}, Dst: string(StatusEarlyMedia)},
			{Name: string(SignalConnected), Src: []string{string(StatusIdle), string(StatusConnecting), string(StatusRinging), string(StatusEarlyMedia), string(StatusOnHold)}, Dst: string(StatusConnected)},
			{Name: string(SignalOnHold), Src: []string{string(StatusConnected), string(StatusEarlyMedia)}, Dst: string(StatusOnHold)},
			{Name: string(SignalDisconnecting), Src: nonTerminalStatuses[:6], Dst: string(StatusDisconnecting)},
			{Name: string(SignalDisconnected), Src: nonTerminalStatuses, Dst: string(StatusDisconnected)},
			{Name: string(SignalFailed), Src: nonTerminalStatuses, Dst: string(StatusFailed)},
			{Name: string(SignalBusy), Src: nonTerminalStatuses, Dst: string(StatusBusy)},
			{Name: string(SignalRejected), Src: nonTerminalStatuses, Dst: string(StatusRejected)},
		},
		fsm.Callbacks{},
	)
}

func newCall(id string, dir CallDirection, line int, number, displayName string, initial CallStatus) *Call {
	return &Call{
		ID:          id,
		Direction:   dir,
		Line:        line,
		Number:      number,
		DisplayName: displayName,
		CreatedAt:   time.Now(),
		fsm:         newCallFSM(initial),
	}
}

func (c *Call) Status() CallStatus {
	return CallStatus(c.fsm.Current())
}

// applySignal moves status machine. Returns false when transition is not
// valid from current status, which caller treats as no-op.
func (c *Call) applySignal(sig CallSignal) bool {
	if err := c.fsm.Event(context.Background(), string(sig)); err != nil {
		return false
	}
	if sig.IsTerminal() {
		c.endSignal = sig
	}
	return true
}

func (c *Call) answered() bool {
	return !c.answeredAt.IsZero()
}

func (c *Call) durationSeconds(end time.Time) int {
	if !c.answered() {
		return 0
	}
	return int(end.Sub(c.answeredAt).Seconds())
}

// finalStatus classifies terminated call for history and badge logic.
// Outgoing calls are never missed: unanswered outgoing terminates as
// "outgoing", while unanswered incoming is "no-answer" (the missed case).
func (c *Call) finalStatus() string {
	switch c.endSignal {
	case SignalFailed:
		return FinalFailed
	case SignalBusy:
		return FinalBusy
	case SignalRejected:
		if c.Direction == DirectionIncoming {
			return FinalRejected
		}
		return FinalNoAnswer
	}

	if c.answered() {
		return FinalAnswered
	}
	if c.Direction == DirectionOutgoing {
		return FinalOutgoing
	}
	return FinalNoAnswer
}

// CallInfo is immutable snapshot of call state handed to consumers.
type CallInfo struct {
	ID          string
	Direction   CallDirection
	Line        int
	Number      string
	DisplayName string
	Status      CallStatus
	Muted       bool
	CreatedAt   time.Time
	AnsweredAt  time.Time

	// Sub machine states, empty string when no transfer/conference is running
	Transfer   TransferState
	Conference ConferenceState
}

func (c *Call) info() CallInfo {
	ci := CallInfo{
		ID:          c.ID,
		Direction:   c.Direction,
		Line:        c.Line,
		Number:      c.Number,
		DisplayName: c.DisplayName,
		Status:      c.Status(),
		Muted:       c.Muted,
		CreatedAt:   c.CreatedAt,
		AnsweredAt:  c.answeredAt,
	}
	if c.transfer != nil {
		ci.Transfer = c.transfer.state()
	}
	if c.conference != nil {
		ci.Conference = c.conference.state()
	}
	return ci
}
