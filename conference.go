// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Emir Aganovic

package softphone

import (
	"context"

	"github.com/looplab/fsm"
)

// ConferenceState is ad-hoc conference (add call) progress tracked per
// originating call.
type ConferenceState string

const (
	ConferenceIdle      ConferenceState = "Idle"
	ConferenceCalling   ConferenceState = "Calling"
	ConferenceRinging   ConferenceState = "Ringing"
	ConferenceConnected ConferenceState = "Connected"
	ConferenceActive    ConferenceState = "Active"
	ConferenceEnded     ConferenceState = "Ended"
	ConferenceFailed    ConferenceState = "Failed"
)

func (s ConferenceState) IsFinal() bool {
	switch s {
	case ConferenceEnded, ConferenceFailed:
		return true
	}
	return false
}

type conferenceState struct {
	fsm   *fsm.FSM
	addID string
	dest  string
}

func newConferenceState(addID, dest string) *conferenceState {
	return &conferenceState{
		addID: addID,
		dest:  dest,
		fsm: fsm.NewFSM(
			string(ConferenceIdle),
			fsm.Events{
				{Name: "calling", Src: []string{string(ConferenceIdle)}, Dst: string(ConferenceCalling)},
				{Name: "ringing", Src: []string{string(ConferenceCalling)}, Dst: string(ConferenceRinging)},
				{Name: "connected", Src: []string{string(ConferenceCalling), string(ConferenceRinging)}, Dst: string(ConferenceConnected)},
				{Name: "merge", Src: []string{string(ConferenceConnected)}, Dst: string(ConferenceActive)},
				{Name: "end", Src: []string{string(ConferenceCalling), string(ConferenceRinging), string(ConferenceConnected), string(ConferenceActive)}, Dst: string(ConferenceEnded)},
				{Name: "fail", Src: []string{string(ConferenceCalling), string(ConferenceRinging), string(ConferenceConnected), string(ConferenceActive)}, Dst: string(ConferenceFailed)},
			},
			fsm.Callbacks{},
		),
	}
}

func (c *conferenceState) state() ConferenceState {
	return ConferenceState(c.fsm.Current())
}

func (c *conferenceState) event(name string) bool {
	return c.fsm.Event(context.Background(), name) == nil
}

func (c *conferenceState) consultSignal(sig CallSignal) {
	switch sig {
	case SignalRinging, SignalEarlyMedia:
		c.event("ringing")
	case SignalConnected:
		c.event("connected")
	}
}
