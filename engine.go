// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Emir Aganovic

package softphone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrLinesExhausted is returned by PlaceCall when all line slots are
	// occupied. This is the only synchronous call failure core reports.
	ErrLinesExhausted = errors.New("all lines exhausted")

	errEngineClosed = errors.New("session engine closed")
)

// pendingRejectTimeout bounds how long a decline-before-invite flag may block
// the line. Stuck flag would silently kill future calls on that line.
const pendingRejectTimeout = 30 * time.Second

// SessionEngine bridges line addressed transport to stable call ids.
//
// It owns three things exclusively: the line pool, the callID<->line mapping
// and the pending decline flags. Call manager never sees line numbers,
// transport never sees call ids.
type SessionEngine struct {
	log      *slog.Logger
	tp       Transport
	maxLines int

	events chan LineEvent

	mu            sync.Mutex
	lineByCall    map[string]int
	callByLine    map[int]string
	pendingReject map[int]*time.Timer
	ready         bool
	closed        bool
	queue         []queuedCommand
	inSeq         uint64

	ctx context.Context
}

type queuedCommand struct {
	name string
	fn   func(ctx context.Context) error
}

func newSessionEngine(tp Transport, maxLines int, log *slog.Logger) *SessionEngine {
	return &SessionEngine{
		log:           log.With("caller", "SessionEngine"),
		tp:            tp,
		maxLines:      maxLines,
		events:        make(chan LineEvent, 128),
		lineByCall:    make(map[string]int),
		callByLine:    make(map[int]string),
		pendingReject: make(map[int]*time.Timer),
		ctx:           context.Background(),
	}
}

// Events is the normalized event stream consumed by the call manager.
// Per call ordering follows arrival order, nothing is coalesced.
func (e *SessionEngine) Events() <-chan LineEvent {
	return e.events
}

// transportEvents wires engine as consumer of transport callbacks.
func (e *SessionEngine) transportEvents(onRegistration func(RegistrationState)) TransportEvents {
	return TransportEvents{
		OnReady:        e.setReady,
		OnSessionState: e.onSessionState,
		OnIncomingCall: e.onIncomingCall,
		OnRegistrationState: func(s RegistrationState) {
			if onRegistration != nil {
				onRegistration(s)
			}
		},
	}
}

func (e *SessionEngine) start(ctx context.Context) {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()
}

func (e *SessionEngine) stop() {
	e.mu.Lock()
	e.closed = true
	for line, t := range e.pendingReject {
		t.Stop()
		delete(e.pendingReject, line)
	}
	e.mu.Unlock()
}

// setReady flushes commands issued before transport was up.
func (e *SessionEngine) setReady() {
	e.mu.Lock()
	queue := e.queue
	e.queue = nil
	e.ready = true
	e.mu.Unlock()

	for _, q := range queue {
		e.runCommand(q)
	}
	if len(queue) > 0 {
		e.log.Debug("Flushed queued transport commands", "count", len(queue))
	}
}

// dispatch runs transport command without blocking caller. Failures are
// logged here and nowhere else: state machine learns about outcome only from
// follow up signal events, never from command result.
func (e *SessionEngine) dispatch(name string, fn func(ctx context.Context) error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if !e.ready {
		e.queue = append(e.queue, queuedCommand{name: name, fn: fn})
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	go e.runCommand(queuedCommand{name: name, fn: fn})
}

func (e *SessionEngine) runCommand(q queuedCommand) {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()

	if err := q.fn(ctx); err != nil {
		e.log.Error("Transport command failed", "cmd", q.name, "error", err)
	}
}

// PlaceCall allocates lowest free line, records the mapping and issues
// originate. Connecting event for the new call id is emitted immediately so
// UI shows dialing without waiting on network round trip.
func (e *SessionEngine) PlaceCall(number string) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", errEngineClosed
	}

	line := 0
	for l := 1; l <= e.maxLines; l++ {
		if _, busy := e.callByLine[l]; !busy {
			line = l
			break
		}
	}
	if line == 0 {
		e.mu.Unlock()
		return "", ErrLinesExhausted
	}

	callID := uuid.NewString()
	e.lineByCall[callID] = line
	e.callByLine[line] = callID
	e.mu.Unlock()

	e.emit(LineEvent{CallID: callID, Signal: SignalConnecting, Number: number, Line: line})
	e.dispatch("originate", func(ctx context.Context) error {
		return e.tp.Originate(ctx, line, number)
	})
	return callID, nil
}

func (e *SessionEngine) Answer(callID string) {
	line := e.resolveLine(callID)
	e.dispatch("accept", func(ctx context.Context) error {
		return e.tp.Accept(ctx, line)
	})
}

// Reject declines inbound call. When call id has no session yet (push
// arrived before INVITE) the decline is recorded as pending flag on the line
// and applied once the session shows up, or dropped after timeout.
func (e *SessionEngine) Reject(callID string) {
	e.mu.Lock()
	line, ok := e.lineByCall[callID]
	if !ok {
		line = lineFromCallID(callID)
		e.setPendingRejectLocked(line)
		e.mu.Unlock()
		e.log.Info("Decline recorded before session exists", "call_id", callID, "line", line)
		return
	}
	e.mu.Unlock()

	e.dispatch("reject", func(ctx context.Context) error {
		return e.tp.Reject(ctx, line)
	})
}

func (e *SessionEngine) setPendingRejectLocked(line int) {
	if t, exists := e.pendingReject[line]; exists {
		t.Stop()
	}
	e.pendingReject[line] = time.AfterFunc(pendingRejectTimeout, func() {
		e.mu.Lock()
		delete(e.pendingReject, line)
		e.mu.Unlock()
		e.log.Debug("Pending decline expired", "line", line)
	})
}

func (e *SessionEngine) End(callID string) {
	line := e.resolveLine(callID)
	e.dispatch("terminate", func(ctx context.Context) error {
		return e.tp.Terminate(ctx, line)
	})
}

func (e *SessionEngine) Hold(callID string) {
	line := e.resolveLine(callID)
	e.dispatch("hold", func(ctx context.Context) error {
		return e.tp.Hold(ctx, line)
	})
}

func (e *SessionEngine) Resume(callID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errEngineClosed
	}
	e.mu.Unlock()

	line := e.resolveLine(callID)
	e.dispatch("resume", func(ctx context.Context) error {
		return e.tp.Resume(ctx, line)
	})
	return nil
}

func (e *SessionEngine) Mute(callID string, muted bool) {
	line := e.resolveLine(callID)
	e.dispatch("mute", func(ctx context.Context) error {
		return e.tp.Mute(ctx, line, muted)
	})
}

func (e *SessionEngine) SendDigit(callID string, digit rune) {
	line := e.resolveLine(callID)
	e.dispatch("dtmf", func(ctx context.Context) error {
		return e.tp.SendDigit(ctx, line, digit)
	})
}

func (e *SessionEngine) Refer(callID string, dest string) {
	line := e.resolveLine(callID)
	e.dispatch("refer", func(ctx context.Context) error {
		return e.tp.Refer(ctx, line, dest)
	})
}

// CompleteTransfer connects parties of both sessions (REFER with Replaces).
func (e *SessionEngine) CompleteTransfer(callID, consultID string) {
	line := e.resolveLine(callID)
	target := e.resolveLine(consultID)
	e.dispatch("refer_replace", func(ctx context.Context) error {
		return e.tp.ReferReplace(ctx, line, target)
	})
}

// Merge triggers three way audio bridge between both sessions.
func (e *SessionEngine) Merge(callID, otherID string) {
	line := e.resolveLine(callID)
	target := e.resolveLine(otherID)
	e.dispatch("bridge", func(ctx context.Context) error {
		return e.tp.Bridge(ctx, line, target)
	})
}

// resolveLine maps call id to line. Unknown ids fall back to line 1 as best
// effort active line. Known approximation: good enough for single line
// dominant usage, collides when two unmapped calls race.
func (e *SessionEngine) resolveLine(callID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if line, ok := e.lineByCall[callID]; ok {
		return line
	}
	e.log.Warn("No line mapping for call, falling back to line 1", "call_id", callID)
	return 1
}

func (e *SessionEngine) onSessionState(line int, rawState string) {
	sig, ok := ParseRawSignal(rawState)
	if !ok {
		e.log.Warn("Unrecognized transport state ignored", "line", line, "state", rawState)
		return
	}

	e.mu.Lock()
	callID, mapped := e.callByLine[line]
	if mapped && sig.IsTerminal() {
		delete(e.callByLine, line)
		delete(e.lineByCall, callID)
	}
	e.mu.Unlock()

	if !mapped {
		e.log.Debug("Session state for unmapped line dropped", "line", line, "state", rawState)
		return
	}

	e.emit(LineEvent{CallID: callID, Signal: sig})
}

func (e *SessionEngine) onIncomingCall(line int, number, displayName string) {
	e.mu.Lock()
	if t, declined := e.pendingReject[line]; declined {
		t.Stop()
		delete(e.pendingReject, line)
		e.mu.Unlock()

		e.log.Info("Inbound session matched pending decline, rejecting", "line", line, "number", number)
		e.dispatch("reject", func(ctx context.Context) error {
			return e.tp.Reject(ctx, line)
		})
		e.emit(LineEvent{CallID: incomingCallID(line, 0), Signal: SignalRejected})
		return
	}

	if prev, busy := e.callByLine[line]; busy {
		// Transport reused line without terminating previous session
		e.log.Warn("Inbound session on busy line, dropping previous mapping", "line", line, "prev_call_id", prev)
		delete(e.lineByCall, prev)
	}

	e.inSeq++
	callID := incomingCallID(line, e.inSeq)
	e.lineByCall[callID] = line
	e.callByLine[line] = callID
	e.mu.Unlock()

	e.emit(LineEvent{CallID: callID, Signal: SignalIncoming, Number: number, DisplayName: displayName, Line: line})
}

// emit hands event over to the manager loop. The send never blocks: manager
// commands place consultation calls from inside the loop itself, so blocking
// here would deadlock the loop against its own consumer. A full buffer means
// the consumer is gone, dropping is the lesser evil.
func (e *SessionEngine) emit(ev LineEvent) {
	select {
	case e.events <- ev:
	default:
		e.log.Error("Event buffer full, dropping event", "call_id", ev.CallID, "signal", ev.Signal)
	}
}

// incomingCallID synthesizes line scoped call id for inbound sessions.
func incomingCallID(line int, seq uint64) string {
	return fmt.Sprintf("in-%d-%d", line, seq)
}

// lineFromCallID recovers line from synthesized inbound id. Anything else
// maps to line 1, same heuristic as resolveLine.
func lineFromCallID(callID string) int {
	rest, found := strings.CutPrefix(callID, "in-")
	if !found {
		return 1
	}
	lineStr, _, found := strings.Cut(rest, "-")
	if !found {
		return 1
	}
	line, err := strconv.Atoi(lineStr)
	if err != nil || line < 1 {
		return 1
	}
	return line
}
