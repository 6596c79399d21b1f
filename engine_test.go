// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Emir Aganovic

package softphone

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestEngine(t *testing.T, maxLines int) (*SessionEngine, *fakeTransport) {
	t.Helper()
	tp := newFakeTransport()
	e := newSessionEngine(tp, maxLines, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Cleanup(e.stop)
	e.start(ctx)
	return e, tp
}

func readEvent(t *testing.T, e *SessionEngine) LineEvent {
	t.Helper()
	select {
	case ev := <-e.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event emitted")
		return LineEvent{}
	}
}

func assertNoEvent(t *testing.T, e *SessionEngine) {
	t.Helper()
	select {
	case ev := <-e.Events():
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngineQueuesCommandsUntilReady(t *testing.T) {
	e, tp := startTestEngine(t, 4)

	id, err := e.PlaceCall("100")
	require.NoError(t, err)
	readEvent(t, e) // optimistic connecting

	e.Answer(id)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, tp.Commands(), "commands must wait for transport ready")

	e.setReady()
	tp.waitCmd(t, "originate 1 100")
	tp.waitCmd(t, "accept 1")
}

func TestEngineLineAllocation(t *testing.T) {
	e, tp := startTestEngine(t, 2)
	e.setReady()

	id1, err := e.PlaceCall("100")
	require.NoError(t, err)
	ev := readEvent(t, e)
	assert.Equal(t, SignalConnecting, ev.Signal)
	assert.Equal(t, id1, ev.CallID)
	assert.Equal(t, "100", ev.Number)
	assert.Equal(t, 1, ev.Line)

	_, err = e.PlaceCall("101")
	require.NoError(t, err)
	readEvent(t, e)
	tp.waitCmd(t, "originate 2 101")

	_, err = e.PlaceCall("102")
	require.ErrorIs(t, err, ErrLinesExhausted)
}

func TestEngineLineFreedOnTerminal(t *testing.T) {
	e, tp := startTestEngine(t, 1)
	e.setReady()

	_, err := e.PlaceCall("100")
	require.NoError(t, err)
	readEvent(t, e)

	e.onSessionState(1, "bye")
	ev := readEvent(t, e)
	assert.Equal(t, SignalDisconnected, ev.Signal)

	// Line 1 is reusable now
	_, err = e.PlaceCall("101")
	require.NoError(t, err)
	readEvent(t, e)
	tp.waitCmd(t, "originate 1 101")
}

func TestEngineIncomingSynthesizesCallID(t *testing.T) {
	e, _ := startTestEngine(t, 4)
	e.setReady()

	e.onIncomingCall(2, "200", "Bob")
	ev := readEvent(t, e)
	assert.Equal(t, SignalIncoming, ev.Signal)
	assert.Equal(t, "in-2-1", ev.CallID)
	assert.Equal(t, "200", ev.Number)
	assert.Equal(t, "Bob", ev.DisplayName)
	assert.Equal(t, 2, ev.Line)

	// Session states for that line now resolve to synthesized id
	e.onSessionState(2, "confirmed")
	ev = readEvent(t, e)
	assert.Equal(t, SignalConnected, ev.Signal)
	assert.Equal(t, "in-2-1", ev.CallID)
}

func TestEnginePendingDeclineBeforeInvite(t *testing.T) {
	e, tp := startTestEngine(t, 4)
	e.setReady()

	// Push notification arrived, user declined before INVITE
	e.Reject("in-3-7")
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, tp.Commands())

	e.onIncomingCall(3, "200", "")
	tp.waitCmd(t, "reject 3")

	ev := readEvent(t, e)
	assert.Equal(t, SignalRejected, ev.Signal)
	assertNoEvent(t, e)
}

func TestEnginePendingDeclineExpiry(t *testing.T) {
	e, _ := startTestEngine(t, 4)
	e.setReady()

	e.mu.Lock()
	e.setPendingRejectLocked(2)
	timer := e.pendingReject[2]
	e.mu.Unlock()
	require.NotNil(t, timer)

	// Simulate timeout firing
	timer.Stop()
	e.mu.Lock()
	delete(e.pendingReject, 2)
	e.mu.Unlock()

	e.onIncomingCall(2, "200", "")
	ev := readEvent(t, e)
	assert.Equal(t, SignalIncoming, ev.Signal)
}

func TestEngineUnknownRawStateIgnored(t *testing.T) {
	e, _ := startTestEngine(t, 4)
	e.setReady()

	e.onIncomingCall(1, "200", "")
	readEvent(t, e)

	e.onSessionState(1, "whatever-vendor-state")
	assertNoEvent(t, e)
}

func TestEngineUnmappedLineStateDropped(t *testing.T) {
	e, _ := startTestEngine(t, 4)
	e.setReady()

	e.onSessionState(3, "confirmed")
	assertNoEvent(t, e)
}

func TestEngineUnknownCallFallsBackToLineOne(t *testing.T) {
	e, tp := startTestEngine(t, 4)
	e.setReady()

	e.End("no-such-call")
	tp.waitCmd(t, "terminate 1")
}

func TestEngineEmitNeverBlocks(t *testing.T) {
	e, _ := startTestEngine(t, 4)
	e.setReady()

	// Nobody consumes, saturate the event buffer
	for i := 0; i < cap(e.events); i++ {
		e.events <- LineEvent{Signal: SignalNone}
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.PlaceCall("100")
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("place call blocked on full event buffer")
	}
}

func TestEngineClosedRejectsPlaceCall(t *testing.T) {
	e, _ := startTestEngine(t, 4)
	e.setReady()
	e.stop()

	_, err := e.PlaceCall("100")
	require.Error(t, err)
	require.Error(t, e.Resume("x"))
}

func TestLineFromCallID(t *testing.T) {
	assert.Equal(t, 3, lineFromCallID("in-3-17"))
	assert.Equal(t, 1, lineFromCallID("in-0-17"))
	assert.Equal(t, 1, lineFromCallID("garbage"))
	assert.Equal(t, 1, lineFromCallID("in-x-1"))
	assert.Equal(t, 1, lineFromCallID(""))
}
