// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Emir Aganovic

package softphone

import (
	"context"

	"github.com/looplab/fsm"
)

// TransferState is attended transfer progress tracked per originating call.
type TransferState string

const (
	TransferIdle      TransferState = "Idle"
	TransferCalling   TransferState = "Calling"
	TransferRinging   TransferState = "Ringing"
	TransferConnected TransferState = "Connected"
	TransferCompleted TransferState = "Completed"
	TransferFailed    TransferState = "Failed"
	TransferCancelled TransferState = "Cancelled"
)

func (s TransferState) IsFinal() bool {
	switch s {
	case TransferCompleted, TransferFailed, TransferCancelled:
		return true
	}
	return false
}

// transferState is sub machine layered on top of base call status. Attached
// to the call that is being transferred, consult call is referenced by id.
type transferState struct {
	fsm       *fsm.FSM
	consultID string
	dest      string
}

func newTransferState(consultID, dest string) *transferState {
	return &transferState{
		consultID: consultID,
		dest:      dest,
		fsm: fsm.NewFSM(
			string(TransferIdle),
			fsm.Events{
				{Name: "calling", Src: []string{string(TransferIdle)}, Dst: string(TransferCalling)},
				{Name: "ringing", Src: []string{string(TransferCalling)}, Dst: string(TransferRinging)},
				{Name: "connected", Src: []string{string(TransferCalling), string(TransferRinging)}, Dst: string(TransferConnected)},
				{Name: "complete", Src: []string{string(TransferRinging), string(TransferConnected)}, Dst: string(TransferCompleted)},
				{Name: "cancel", Src: []string{string(TransferCalling), string(TransferRinging), string(TransferConnected)}, Dst: string(TransferCancelled)},
				{Name: "fail", Src: []string{string(TransferCalling), string(TransferRinging), string(TransferConnected)}, Dst: string(TransferFailed)},
			},
			fsm.Callbacks{},
		),
	}
}

func (t *transferState) state() TransferState {
	return TransferState(t.fsm.Current())
}

func (t *transferState) event(name string) bool {
	return t.fsm.Event(context.Background(), name) == nil
}

// consultSignal moves transfer machine along with consult call progress.
func (t *transferState) consultSignal(sig CallSignal) {
	switch sig {
	case SignalRinging:
		t.event("ringing")
	case SignalEarlyMedia:
		t.event("ringing")
	case SignalConnected:
		t.event("connected")
	}
}
