// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Emir Aganovic

package softphone

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu   sync.Mutex
	cmds []string
	ev   TransportEvents

	served chan struct{}

	originateErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{served: make(chan struct{})}
}

func (f *fakeTransport) Serve(ctx context.Context, ev TransportEvents) error {
	f.mu.Lock()
	f.ev = ev
	f.mu.Unlock()

	if ev.OnReady != nil {
		ev.OnReady()
	}
	close(f.served)
	<-ctx.Done()
	return nil
}

func (f *fakeTransport) events() TransportEvents {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ev
}

func (f *fakeTransport) record(cmd string) {
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	f.mu.Unlock()
}

func (f *fakeTransport) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.cmds)
}

func (f *fakeTransport) waitCmd(t *testing.T, cmd string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return slices.Contains(f.Commands(), cmd)
	}, time.Second, 5*time.Millisecond, "command %q never issued, got %v", cmd, f.Commands())
}

func (f *fakeTransport) Originate(ctx context.Context, line int, number string) error {
	f.record(fmt.Sprintf("originate %d %s", line, number))
	return f.originateErr
}

func (f *fakeTransport) Accept(ctx context.Context, line int) error {
	f.record(fmt.Sprintf("accept %d", line))
	return nil
}

func (f *fakeTransport) Reject(ctx context.Context, line int) error {
	f.record(fmt.Sprintf("reject %d", line))
	return nil
}

func (f *fakeTransport) Terminate(ctx context.Context, line int) error {
	f.record(fmt.Sprintf("terminate %d", line))
	return nil
}

func (f *fakeTransport) Hold(ctx context.Context, line int) error {
	f.record(fmt.Sprintf("hold %d", line))
	return nil
}

func (f *fakeTransport) Resume(ctx context.Context, line int) error {
	f.record(fmt.Sprintf("resume %d", line))
	return nil
}

func (f *fakeTransport) Mute(ctx context.Context, line int, muted bool) error {
	f.record(fmt.Sprintf("mute %d %v", line, muted))
	return nil
}

func (f *fakeTransport) SendDigit(ctx context.Context, line int, digit rune) error {
	f.record(fmt.Sprintf("dtmf %d %c", line, digit))
	return nil
}

func (f *fakeTransport) Refer(ctx context.Context, line int, dest string) error {
	f.record(fmt.Sprintf("refer %d %s", line, dest))
	return nil
}

func (f *fakeTransport) ReferReplace(ctx context.Context, line int, targetLine int) error {
	f.record(fmt.Sprintf("refer_replace %d %d", line, targetLine))
	return nil
}

func (f *fakeTransport) Bridge(ctx context.Context, line int, targetLine int) error {
	f.record(fmt.Sprintf("bridge %d %d", line, targetLine))
	return nil
}

type memHistory struct {
	mu   sync.Mutex
	recs []CallRecord
}

func (h *memHistory) SaveCallRecord(rec CallRecord) error {
	h.mu.Lock()
	h.recs = append(h.recs, rec)
	h.mu.Unlock()
	return nil
}

func (h *memHistory) UnreadMissedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.recs {
		if r.Missed() {
			n++
		}
	}
	return n
}

func (h *memHistory) Records() []CallRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.recs)
}

func (h *memHistory) waitRecord(t *testing.T, number string) CallRecord {
	t.Helper()
	var rec CallRecord
	require.Eventually(t, func() bool {
		for _, r := range h.Records() {
			if r.Number == number {
				rec = r
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "no record for %q", number)
	return rec
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startTestPhone(t *testing.T, opts ...PhoneOption) (*Phone, *fakeTransport) {
	t.Helper()
	tp := newFakeTransport()

	opts = append([]PhoneOption{WithLogger(testLogger())}, opts...)
	phone := NewPhone(tp, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	phone.ServeBackground(ctx)

	select {
	case <-tp.served:
	case <-time.After(time.Second):
		t.Fatal("transport never started")
	}
	return phone, tp
}

func waitCallStatus(t *testing.T, p *Phone, id string, status CallStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		ci, ok := p.Call(id)
		return ok && ci.Status == status
	}, time.Second, 5*time.Millisecond, "call %s never reached %s", id, status)
}

func waitCallGone(t *testing.T, p *Phone, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := p.Call(id)
		return !ok
	}, time.Second, 5*time.Millisecond, "call %s still active", id)
}

func waitIncomingCall(t *testing.T, p *Phone, number string) CallInfo {
	t.Helper()
	var found CallInfo
	require.Eventually(t, func() bool {
		for _, ci := range p.Calls() {
			if ci.Number == number && ci.Direction == DirectionIncoming {
				found = ci
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "incoming call from %q never appeared", number)
	return found
}

// connectedOutgoing dials number and walks it to Connected.
func connectedOutgoing(t *testing.T, p *Phone, tp *fakeTransport, number string, line int) string {
	t.Helper()
	id, err := p.MakeCall(number)
	require.NoError(t, err)
	tp.waitCmd(t, fmt.Sprintf("originate %d %s", line, number))

	tp.events().OnSessionState(line, "ringing")
	waitCallStatus(t, p, id, StatusRinging)
	tp.events().OnSessionState(line, "confirmed")
	waitCallStatus(t, p, id, StatusConnected)
	return id
}

// connectedIncoming rings in number and answers it.
func connectedIncoming(t *testing.T, p *Phone, tp *fakeTransport, number string, line int) string {
	t.Helper()
	tp.events().OnIncomingCall(line, number, "")
	ci := waitIncomingCall(t, p, number)

	p.AnswerCall(ci.ID)
	tp.waitCmd(t, fmt.Sprintf("accept %d", line))
	tp.events().OnSessionState(line, "confirmed")
	waitCallStatus(t, p, ci.ID, StatusConnected)
	return ci.ID
}

func TestPhoneOutgoingCallLifecycle(t *testing.T) {
	hist := &memHistory{}
	p, tp := startTestPhone(t, WithHistory(hist))

	id := connectedOutgoing(t, p, tp, "100", 1)

	ci, ok := p.CurrentCall()
	require.True(t, ok)
	assert.Equal(t, id, ci.ID)
	assert.Equal(t, DirectionOutgoing, ci.Direction)
	assert.Equal(t, 1, ci.Line)

	p.EndCall(id)
	tp.waitCmd(t, "terminate 1")
	waitCallStatus(t, p, id, StatusDisconnecting)

	tp.events().OnSessionState(1, "bye")
	waitCallGone(t, p, id)

	rec := hist.waitRecord(t, "100")
	assert.Equal(t, FinalAnswered, rec.FinalStatus)
	assert.False(t, rec.Missed())
	assert.False(t, p.HasCurrentCall())
}

func TestPhoneOutgoingNoAnswerNeverMissed(t *testing.T) {
	hist := &memHistory{}
	p, tp := startTestPhone(t, WithHistory(hist))

	id, err := p.MakeCall("100")
	require.NoError(t, err)
	tp.waitCmd(t, "originate 1 100")

	tp.events().OnSessionState(1, "ringing")
	waitCallStatus(t, p, id, StatusRinging)
	tp.events().OnSessionState(1, "terminated")
	waitCallGone(t, p, id)

	rec := hist.waitRecord(t, "100")
	assert.Equal(t, FinalOutgoing, rec.FinalStatus)
	assert.False(t, rec.Missed())
	assert.Equal(t, 0, hist.UnreadMissedCount())
}

func TestPhoneOutgoingBusy(t *testing.T) {
	hist := &memHistory{}
	p, tp := startTestPhone(t, WithHistory(hist))

	id, err := p.MakeCall("100")
	require.NoError(t, err)
	tp.waitCmd(t, "originate 1 100")

	tp.events().OnSessionState(1, "busy")
	waitCallGone(t, p, id)

	rec := hist.waitRecord(t, "100")
	assert.Equal(t, FinalBusy, rec.FinalStatus)
	assert.False(t, rec.Missed())
}

func TestPhoneIncomingAnswered(t *testing.T) {
	hist := &memHistory{}
	p, tp := startTestPhone(t, WithHistory(hist))

	id := connectedIncoming(t, p, tp, "200", 1)

	ci, ok := p.CurrentCall()
	require.True(t, ok)
	assert.Equal(t, id, ci.ID)

	tp.events().OnSessionState(1, "bye")
	waitCallGone(t, p, id)

	rec := hist.waitRecord(t, "200")
	assert.Equal(t, FinalAnswered, rec.FinalStatus)
	assert.False(t, rec.Missed())
}

func TestPhoneIncomingUnansweredIsMissed(t *testing.T) {
	hist := &memHistory{}
	missedCh := make(chan int, 1)

	p, tp := startTestPhone(t, WithHistory(hist))
	p.OnMissedCalls(func(unread int) { missedCh <- unread })

	tp.events().OnIncomingCall(1, "200", "Bob")
	ci := waitIncomingCall(t, p, "200")
	assert.Equal(t, StatusRinging, ci.Status)
	assert.Equal(t, "Bob", ci.DisplayName)

	// Remote gives up
	tp.events().OnSessionState(1, "terminated")
	waitCallGone(t, p, ci.ID)

	rec := hist.waitRecord(t, "200")
	assert.Equal(t, FinalNoAnswer, rec.FinalStatus)
	assert.True(t, rec.Missed())

	select {
	case unread := <-missedCh:
		assert.Equal(t, 1, unread)
	case <-time.After(time.Second):
		t.Fatal("missed call hook never fired")
	}
}

func TestPhoneIncomingRejected(t *testing.T) {
	hist := &memHistory{}
	p, tp := startTestPhone(t, WithHistory(hist))

	tp.events().OnIncomingCall(1, "200", "")
	ci := waitIncomingCall(t, p, "200")

	p.RejectCall(ci.ID)
	tp.waitCmd(t, "reject 1")
	tp.events().OnSessionState(1, "rejected")
	waitCallGone(t, p, ci.ID)

	rec := hist.waitRecord(t, "200")
	assert.Equal(t, FinalRejected, rec.FinalStatus)
	assert.False(t, rec.Missed())
}

func TestPhoneCallWaitingAnswer(t *testing.T) {
	p, tp := startTestPhone(t)

	first := connectedIncoming(t, p, tp, "200", 1)

	tp.events().OnIncomingCall(2, "300", "")
	second := waitIncomingCall(t, p, "300")

	// First call keeps focus, newcomer waits
	cur, ok := p.CurrentCall()
	require.True(t, ok)
	assert.Equal(t, first, cur.ID)
	wait, ok := p.WaitingCall()
	require.True(t, ok)
	assert.Equal(t, second.ID, wait.ID)

	p.AnswerWaitingCall()
	tp.waitCmd(t, "hold 1")
	tp.waitCmd(t, "accept 2")

	require.Eventually(t, func() bool {
		cur, ok := p.CurrentCall()
		return ok && cur.ID == second.ID
	}, time.Second, 5*time.Millisecond)

	held, ok := p.HeldCall()
	require.True(t, ok)
	assert.Equal(t, first, held.ID)
	assert.False(t, p.HasWaitingCall())

	tp.events().OnSessionState(1, "hold")
	waitCallStatus(t, p, first, StatusOnHold)
	tp.events().OnSessionState(2, "confirmed")
	waitCallStatus(t, p, second.ID, StatusConnected)
}

func TestPhoneCallWaitingDecline(t *testing.T) {
	hist := &memHistory{}
	p, tp := startTestPhone(t, WithHistory(hist))

	first := connectedIncoming(t, p, tp, "200", 1)

	tp.events().OnIncomingCall(2, "300", "")
	second := waitIncomingCall(t, p, "300")

	p.DeclineWaitingCall()
	tp.waitCmd(t, "reject 2")
	require.Eventually(t, func() bool { return !p.HasWaitingCall() }, time.Second, 5*time.Millisecond)

	tp.events().OnSessionState(2, "rejected")
	waitCallGone(t, p, second.ID)

	rec := hist.waitRecord(t, "300")
	assert.Equal(t, FinalRejected, rec.FinalStatus)

	// First call untouched
	cur, ok := p.CurrentCall()
	require.True(t, ok)
	assert.Equal(t, first, cur.ID)
	assert.Equal(t, StatusConnected, cur.Status)
}

func TestPhoneEndCurrentResumesHeld(t *testing.T) {
	p, tp := startTestPhone(t)

	first := connectedIncoming(t, p, tp, "200", 1)

	tp.events().OnIncomingCall(2, "300", "")
	second := waitIncomingCall(t, p, "300")

	p.AnswerWaitingCall()
	tp.waitCmd(t, "accept 2")
	tp.events().OnSessionState(1, "hold")
	waitCallStatus(t, p, first, StatusOnHold)
	tp.events().OnSessionState(2, "confirmed")
	waitCallStatus(t, p, second.ID, StatusConnected)

	p.EndCurrentAndResumeHeld()
	tp.waitCmd(t, "terminate 2")
	tp.events().OnSessionState(2, "bye")
	waitCallGone(t, p, second.ID)

	// Held call gets auto resumed and promoted back to current
	tp.waitCmd(t, "resume 1")
	require.Eventually(t, func() bool {
		cur, ok := p.CurrentCall()
		return ok && cur.ID == first
	}, time.Second, 5*time.Millisecond)
	assert.False(t, p.HasHeldCall())

	tp.events().OnSessionState(1, "confirmed")
	waitCallStatus(t, p, first, StatusConnected)
}

func TestPhoneSwitchCalls(t *testing.T) {
	p, tp := startTestPhone(t)

	first := connectedIncoming(t, p, tp, "200", 1)
	tp.events().OnIncomingCall(2, "300", "")
	second := waitIncomingCall(t, p, "300")

	p.AnswerWaitingCall()
	tp.waitCmd(t, "accept 2")
	tp.events().OnSessionState(1, "hold")
	tp.events().OnSessionState(2, "confirmed")
	waitCallStatus(t, p, second.ID, StatusConnected)

	p.SwitchCalls()
	tp.waitCmd(t, "hold 2")
	tp.waitCmd(t, "resume 1")

	require.Eventually(t, func() bool {
		cur, ok := p.CurrentCall()
		held, hok := p.HeldCall()
		return ok && hok && cur.ID == first && held.ID == second.ID
	}, time.Second, 5*time.Millisecond)
}

func TestPhoneEndHeldCallKeepsCurrent(t *testing.T) {
	p, tp := startTestPhone(t)

	first := connectedIncoming(t, p, tp, "200", 1)
	tp.events().OnIncomingCall(2, "300", "")
	second := waitIncomingCall(t, p, "300")

	p.AnswerWaitingCall()
	tp.waitCmd(t, "accept 2")
	tp.events().OnSessionState(1, "hold")
	tp.events().OnSessionState(2, "confirmed")
	waitCallStatus(t, p, second.ID, StatusConnected)

	p.SwitchCalls()
	tp.waitCmd(t, "hold 2")
	tp.waitCmd(t, "resume 1")
	tp.events().OnSessionState(2, "hold")
	tp.events().OnSessionState(1, "confirmed")
	require.Eventually(t, func() bool {
		cur, ok := p.CurrentCall()
		held, hok := p.HeldCall()
		return ok && hok && cur.ID == first && held.ID == second.ID
	}, time.Second, 5*time.Millisecond)

	// Hanging up the held call must leave the current one alone
	p.EndHeldCall()
	tp.waitCmd(t, "terminate 2")
	tp.events().OnSessionState(2, "bye")
	waitCallGone(t, p, second.ID)

	require.Eventually(t, func() bool { return !p.HasHeldCall() }, time.Second, 5*time.Millisecond)
	cur, ok := p.CurrentCall()
	require.True(t, ok)
	assert.Equal(t, first, cur.ID)
	assert.Equal(t, StatusConnected, cur.Status)
	assert.NotContains(t, tp.Commands(), "resume 2", "ending held call must not auto resume anything")
}

func TestPhoneManualHoldThenSwitch(t *testing.T) {
	p, tp := startTestPhone(t)

	first := connectedOutgoing(t, p, tp, "100", 1)

	p.HoldCall(first)
	tp.waitCmd(t, "hold 1")
	tp.events().OnSessionState(1, "hold")
	waitCallStatus(t, p, first, StatusOnHold)

	// Manually held call owns the held reference now
	held, ok := p.HeldCall()
	require.True(t, ok)
	assert.Equal(t, first, held.ID)
	assert.False(t, p.HasCurrentCall())

	second := connectedOutgoing(t, p, tp, "200", 2)

	p.SwitchCalls()
	tp.waitCmd(t, "hold 2")
	tp.waitCmd(t, "resume 1")
	require.Eventually(t, func() bool {
		cur, ok := p.CurrentCall()
		held, hok := p.HeldCall()
		return ok && hok && cur.ID == first && held.ID == second
	}, time.Second, 5*time.Millisecond)
}

func TestPhoneManualHoldResume(t *testing.T) {
	p, tp := startTestPhone(t)

	id := connectedOutgoing(t, p, tp, "100", 1)

	p.HoldCall(id)
	tp.waitCmd(t, "hold 1")
	tp.events().OnSessionState(1, "hold")
	waitCallStatus(t, p, id, StatusOnHold)

	p.ResumeCall(id)
	tp.waitCmd(t, "resume 1")
	tp.events().OnSessionState(1, "confirmed")
	waitCallStatus(t, p, id, StatusConnected)

	require.Eventually(t, func() bool {
		cur, ok := p.CurrentCall()
		return ok && cur.ID == id && !p.HasHeldCall()
	}, time.Second, 5*time.Millisecond)
}

func TestPhoneSwitchCallsNoopWithoutHeld(t *testing.T) {
	p, tp := startTestPhone(t)
	connectedIncoming(t, p, tp, "200", 1)

	p.SwitchCalls()
	time.Sleep(20 * time.Millisecond)
	assert.NotContains(t, tp.Commands(), "hold 1")
	assert.NotContains(t, tp.Commands(), "resume 1")
}

func TestPhoneLinesExhausted(t *testing.T) {
	p, tp := startTestPhone(t, WithMaxLines(2))

	_, err := p.MakeCall("100")
	require.NoError(t, err)
	_, err = p.MakeCall("101")
	require.NoError(t, err)
	tp.waitCmd(t, "originate 2 101")

	_, err = p.MakeCall("102")
	require.ErrorIs(t, err, ErrLinesExhausted)
}

func TestPhoneBlindTransfer(t *testing.T) {
	hist := &memHistory{}
	p, tp := startTestPhone(t, WithHistory(hist))

	id := connectedOutgoing(t, p, tp, "100", 1)

	p.TransferCall(id, "300")
	tp.waitCmd(t, "refer 1 300")

	// Remote confirms transfer, session terminates
	tp.events().OnSessionState(1, "terminated")
	waitCallGone(t, p, id)

	rec := hist.waitRecord(t, "100")
	assert.Equal(t, FinalAnswered, rec.FinalStatus)
}

func TestPhoneAttendedTransfer(t *testing.T) {
	p, tp := startTestPhone(t)

	id := connectedOutgoing(t, p, tp, "100", 1)

	p.StartAttendedTransfer(id, "300")
	tp.waitCmd(t, "hold 1")
	tp.waitCmd(t, "originate 2 300")

	require.Eventually(t, func() bool {
		ci, ok := p.Call(id)
		return ok && ci.Transfer == TransferCalling
	}, time.Second, 5*time.Millisecond)

	held, ok := p.HeldCall()
	require.True(t, ok)
	assert.Equal(t, id, held.ID)

	tp.events().OnSessionState(1, "hold")
	tp.events().OnSessionState(2, "ringing")
	require.Eventually(t, func() bool {
		ci, ok := p.Call(id)
		return ok && ci.Transfer == TransferRinging
	}, time.Second, 5*time.Millisecond)

	tp.events().OnSessionState(2, "confirmed")
	require.Eventually(t, func() bool {
		ci, ok := p.Call(id)
		return ok && ci.Transfer == TransferConnected
	}, time.Second, 5*time.Millisecond)

	p.CompleteAttendedTransfer(id)
	tp.waitCmd(t, "refer_replace 1 2")
	require.Eventually(t, func() bool {
		ci, ok := p.Call(id)
		return ok && ci.Transfer == TransferCompleted
	}, time.Second, 5*time.Millisecond)

	// Both legs terminate after replaces
	tp.events().OnSessionState(1, "bye")
	tp.events().OnSessionState(2, "bye")
	waitCallGone(t, p, id)
	require.Eventually(t, func() bool { return len(p.Calls()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestPhoneAttendedTransferCancel(t *testing.T) {
	p, tp := startTestPhone(t)

	id := connectedOutgoing(t, p, tp, "100", 1)

	p.StartAttendedTransfer(id, "300")
	tp.waitCmd(t, "originate 2 300")
	tp.events().OnSessionState(1, "hold")
	tp.events().OnSessionState(2, "ringing")
	require.Eventually(t, func() bool {
		ci, ok := p.Call(id)
		return ok && ci.Transfer == TransferRinging
	}, time.Second, 5*time.Millisecond)

	p.CancelAttendedTransfer(id)
	tp.waitCmd(t, "terminate 2")
	tp.waitCmd(t, "resume 1")

	require.Eventually(t, func() bool {
		ci, ok := p.Call(id)
		return ok && ci.Transfer == TransferCancelled
	}, time.Second, 5*time.Millisecond)

	cur, ok := p.CurrentCall()
	require.True(t, ok)
	assert.Equal(t, id, cur.ID)

	tp.events().OnSessionState(2, "terminated")
	tp.events().OnSessionState(1, "confirmed")
	waitCallStatus(t, p, id, StatusConnected)
	require.Eventually(t, func() bool { return len(p.Calls()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestPhoneConference(t *testing.T) {
	p, tp := startTestPhone(t)

	id := connectedOutgoing(t, p, tp, "100", 1)

	p.StartAddCall(id, "300")
	tp.waitCmd(t, "hold 1")
	tp.waitCmd(t, "originate 2 300")
	tp.events().OnSessionState(1, "hold")

	tp.events().OnSessionState(2, "confirmed")
	require.Eventually(t, func() bool {
		ci, ok := p.Call(id)
		return ok && ci.Conference == ConferenceConnected
	}, time.Second, 5*time.Millisecond)

	p.MergeConference(id)
	tp.waitCmd(t, "resume 1")
	tp.waitCmd(t, "bridge 1 2")

	require.Eventually(t, func() bool {
		ci, ok := p.Call(id)
		return ok && ci.Conference == ConferenceActive
	}, time.Second, 5*time.Millisecond)

	cur, ok := p.CurrentCall()
	require.True(t, ok)
	assert.Equal(t, id, cur.ID)

	p.EndConference(id)
	tp.waitCmd(t, "terminate 2")
	require.Eventually(t, func() bool {
		ci, ok := p.Call(id)
		return ok && ci.Conference == ConferenceEnded
	}, time.Second, 5*time.Millisecond)

	tp.events().OnSessionState(2, "bye")
	require.Eventually(t, func() bool { return len(p.Calls()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestPhoneConferencePartyLeavesWhileActive(t *testing.T) {
	p, tp := startTestPhone(t)

	id := connectedOutgoing(t, p, tp, "100", 1)

	p.StartAddCall(id, "300")
	tp.waitCmd(t, "originate 2 300")
	tp.events().OnSessionState(1, "hold")
	tp.events().OnSessionState(2, "confirmed")

	p.MergeConference(id)
	tp.waitCmd(t, "bridge 1 2")
	require.Eventually(t, func() bool {
		ci, ok := p.Call(id)
		return ok && ci.Conference == ConferenceActive
	}, time.Second, 5*time.Millisecond)

	// Added party hangs up, original call continues
	tp.events().OnSessionState(2, "bye")
	require.Eventually(t, func() bool {
		ci, ok := p.Call(id)
		return ok && ci.Conference == ConferenceEnded
	}, time.Second, 5*time.Millisecond)

	cur, ok := p.CurrentCall()
	require.True(t, ok)
	assert.Equal(t, id, cur.ID)
}

func TestPhoneMute(t *testing.T) {
	p, tp := startTestPhone(t)

	id := connectedOutgoing(t, p, tp, "100", 1)

	p.SetMute(id, true)
	tp.waitCmd(t, "mute 1 true")
	require.Eventually(t, func() bool {
		ci, ok := p.Call(id)
		return ok && ci.Muted
	}, time.Second, 5*time.Millisecond)

	p.SetMute(id, false)
	tp.waitCmd(t, "mute 1 false")
}

func TestPhoneDTMF(t *testing.T) {
	p, tp := startTestPhone(t)

	id := connectedOutgoing(t, p, tp, "100", 1)

	require.NoError(t, p.SendDTMF(id, '5'))
	tp.waitCmd(t, "dtmf 1 5")
	require.NoError(t, p.SendDTMF(id, '#'))
	tp.waitCmd(t, "dtmf 1 #")

	err := p.SendDTMF(id, 'x')
	require.ErrorIs(t, err, ErrBadDigit)
}

func TestPhoneDuplicateTerminalIdempotent(t *testing.T) {
	hist := &memHistory{}
	p, tp := startTestPhone(t, WithHistory(hist))

	id := connectedOutgoing(t, p, tp, "100", 1)

	tp.events().OnSessionState(1, "bye")
	waitCallGone(t, p, id)

	// Late duplicates for already terminated call must be absorbed
	ev := tp.events()
	ev.OnSessionState(1, "bye")
	ev.OnSessionState(1, "failed")

	hist.waitRecord(t, "100")
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, hist.Records(), 1)
}

func TestPhoneCallStateListener(t *testing.T) {
	p, tp := startTestPhone(t)

	id, err := p.MakeCall("100")
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []CallStatus
	unsub := p.OnCallState(id, func(info CallInfo) {
		mu.Lock()
		seen = append(seen, info.Status)
		mu.Unlock()
	})
	defer unsub()

	tp.waitCmd(t, "originate 1 100")
	tp.events().OnSessionState(1, "ringing")
	tp.events().OnSessionState(1, "confirmed")
	tp.events().OnSessionState(1, "bye")
	waitCallGone(t, p, id)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return slices.Contains(seen, StatusDisconnected)
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, StatusRinging)
	assert.Contains(t, seen, StatusConnected)
}

func TestPhoneOnCallEndedHook(t *testing.T) {
	p, tp := startTestPhone(t)

	endedCh := make(chan CallRecord, 1)
	p.OnCallEnded(func(rec CallRecord) { endedCh <- rec })

	id := connectedOutgoing(t, p, tp, "100", 1)
	p.EndCall(id)
	tp.waitCmd(t, "terminate 1")
	tp.events().OnSessionState(1, "bye")

	select {
	case rec := <-endedCh:
		assert.Equal(t, "100", rec.Number)
		assert.Equal(t, FinalAnswered, rec.FinalStatus)
	case <-time.After(time.Second):
		t.Fatal("call ended hook never fired")
	}
}

func TestPhoneRegistrationState(t *testing.T) {
	p, tp := startTestPhone(t)

	assert.Equal(t, RegistrationUnregistered, p.RegistrationState())

	stateCh := make(chan RegistrationState, 4)
	p.OnRegistrationState(func(s RegistrationState) { stateCh <- s })

	ev := tp.events()
	ev.OnRegistrationState(RegistrationRegistering)
	ev.OnRegistrationState(RegistrationRegistered)

	require.Eventually(t, func() bool {
		return p.RegistrationState() == RegistrationRegistered
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, RegistrationRegistering, <-stateCh)
	assert.Equal(t, RegistrationRegistered, <-stateCh)
}
