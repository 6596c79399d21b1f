// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Emir Aganovic

// Package softphone is multi line call control core for SIP softphones.
//
// It keeps the concurrent call state machine (up to MaxLines calls, call
// waiting, hold/resume, attended transfer, ad-hoc conference) fully decoupled
// from the signaling stack: any Transport implementation plugs in, sipgo one
// ships with the package.
package softphone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// DefaultMaxLines is concurrent call limit unless overridden by WithMaxLines.
const DefaultMaxLines = 4

// ErrBadDigit is returned by SendDTMF for anything outside 0-9 * # A-D.
var ErrBadDigit = errors.New("not a DTMF digit")

const dtmfDigits = "0123456789*#ABCD"

// Phone is the public entrypoint. Construct with NewPhone, run with Serve,
// drive with the command methods. All commands are asynchronous: they return
// once accepted, outcome is observed through call state listeners and
// snapshots.
type Phone struct {
	log      *slog.Logger
	tp       Transport
	engine   *SessionEngine
	manager  *callManager
	history  CallHistory
	metrics  *Metrics
	ringback RingbackPlayer
	maxLines int

	regMu    sync.RWMutex
	regState RegistrationState
	onReg    func(RegistrationState)
}

type PhoneOption func(p *Phone)

func WithLogger(log *slog.Logger) PhoneOption {
	return func(p *Phone) {
		p.log = log
	}
}

// WithMaxLines caps concurrent calls. Values below 1 are ignored.
func WithMaxLines(n int) PhoneOption {
	return func(p *Phone) {
		if n >= 1 {
			p.maxLines = n
		}
	}
}

func WithHistory(h CallHistory) PhoneOption {
	return func(p *Phone) {
		if h != nil {
			p.history = h
		}
	}
}

func WithMetrics(m *Metrics) PhoneOption {
	return func(p *Phone) {
		p.metrics = m
	}
}

// WithRingback sets local ringback player used while outgoing call rings
// without early media. Default is none.
func WithRingback(r RingbackPlayer) PhoneOption {
	return func(p *Phone) {
		p.ringback = r
	}
}

func NewPhone(tp Transport, opts ...PhoneOption) *Phone {
	p := &Phone{
		log:      slog.Default(),
		tp:       tp,
		history:  nopHistory{},
		maxLines: DefaultMaxLines,
		regState: RegistrationUnregistered,
	}
	for _, o := range opts {
		o(p)
	}

	p.engine = newSessionEngine(tp, p.maxLines, p.log)
	p.manager = newCallManager(p.engine, p.history, p.metrics, p.ringback, p.log)
	return p
}

// Serve runs engine, call manager loop and transport until ctx is done.
// Blocks. Returns transport error if signaling stack dies.
func (p *Phone) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.engine.start(ctx)
	defer p.engine.stop()

	go p.manager.run(ctx)

	return p.tp.Serve(ctx, p.engine.transportEvents(p.setRegistrationState))
}

// ServeBackground runs Serve on own goroutine and returns immediately.
// Errors end up in the log only.
func (p *Phone) ServeBackground(ctx context.Context) {
	go func() {
		if err := p.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Error("Transport serve failed", "error", err)
		}
	}()
}

// ---------------------------------------------------------------
// Commands

// MakeCall starts outgoing call and returns its id immediately. Fails
// synchronously only on exhausted lines or empty number, everything after is
// reported through signals.
func (p *Phone) MakeCall(number string) (string, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return "", fmt.Errorf("empty number")
	}
	return p.engine.PlaceCall(number)
}

func (p *Phone) AnswerCall(callID string) {
	p.engine.Answer(callID)
}

func (p *Phone) RejectCall(callID string) {
	p.engine.Reject(callID)
}

func (p *Phone) EndCall(callID string) {
	p.manager.dispatch(func() { p.manager.endCall(callID) })
}

// HoldCall puts the call on hold. When no other call owns the held reference
// the call takes it, so SwitchCalls and EndHeldCall work after a manual hold
// the same as after answering a waiting call.
func (p *Phone) HoldCall(callID string) {
	p.manager.dispatch(func() { p.manager.holdCall(callID) })
}

func (p *Phone) ResumeCall(callID string) {
	p.manager.dispatch(func() { p.manager.resumeCall(callID) })
}

func (p *Phone) SetMute(callID string, muted bool) {
	p.manager.dispatch(func() { p.manager.setMute(callID, muted) })
}

// SendDTMF sends single digit over established session.
func (p *Phone) SendDTMF(callID string, digit rune) error {
	if !strings.ContainsRune(dtmfDigits, digit) {
		return fmt.Errorf("%w: %q", ErrBadDigit, digit)
	}
	p.engine.SendDigit(callID, digit)
	return nil
}

// TransferCall does blind transfer: call is referred to dest and local
// session ends once remote confirms.
func (p *Phone) TransferCall(callID, dest string) {
	p.engine.Refer(callID, dest)
}

// StartAttendedTransfer holds the call and places consultation call to dest.
// Progress shows up as Transfer state on the call's CallInfo.
func (p *Phone) StartAttendedTransfer(callID, dest string) {
	p.manager.dispatch(func() { p.manager.startAttendedTransfer(callID, dest) })
}

// CompleteAttendedTransfer connects the held party with the consultation
// target. Valid while consultation call is ringing or connected.
func (p *Phone) CompleteAttendedTransfer(callID string) {
	p.manager.dispatch(func() { p.manager.completeAttendedTransfer(callID) })
}

// CancelAttendedTransfer ends consultation call and resumes the original one.
func (p *Phone) CancelAttendedTransfer(callID string) {
	p.manager.dispatch(func() { p.manager.cancelAttendedTransfer(callID) })
}

// StartAddCall holds the call and dials dest as future conference member.
func (p *Phone) StartAddCall(callID, dest string) {
	p.manager.dispatch(func() { p.manager.startAddCall(callID, dest) })
}

// MergeConference resumes the held call and bridges audio of all three
// parties. Valid once the added call is connected.
func (p *Phone) MergeConference(callID string) {
	p.manager.dispatch(func() { p.manager.mergeConference(callID) })
}

// EndConference drops the added party, original call continues.
func (p *Phone) EndConference(callID string) {
	p.manager.dispatch(func() { p.manager.endConference(callID) })
}

// AnswerWaitingCall holds current call and answers the waiting one. When
// answering fails the current call stays held, there is no rollback.
func (p *Phone) AnswerWaitingCall() {
	p.manager.dispatch(p.manager.answerWaiting)
}

func (p *Phone) DeclineWaitingCall() {
	p.manager.dispatch(p.manager.declineWaiting)
}

// SwitchCalls swaps current and held call. No-op unless both exist.
func (p *Phone) SwitchCalls() {
	p.manager.dispatch(p.manager.switchCalls)
}

func (p *Phone) EndHeldCall() {
	p.manager.dispatch(p.manager.endHeldCall)
}

// EndCurrentAndResumeHeld hangs up current call, held one is auto resumed
// when the terminal signal arrives.
func (p *Phone) EndCurrentAndResumeHeld() {
	p.manager.dispatch(p.manager.endCurrentAndResumeHeld)
}

// ---------------------------------------------------------------
// Observables

// Calls returns snapshot of whole active call set.
func (p *Phone) Calls() []CallInfo {
	st := p.manager.state()
	out := make([]CallInfo, 0, len(st.Calls))
	for _, ci := range st.Calls {
		out = append(out, ci)
	}
	return out
}

func (p *Phone) Call(callID string) (CallInfo, bool) {
	return p.manager.state().call(callID)
}

func (p *Phone) CurrentCall() (CallInfo, bool) {
	st := p.manager.state()
	return st.call(st.CurrentID)
}

func (p *Phone) WaitingCall() (CallInfo, bool) {
	st := p.manager.state()
	return st.call(st.WaitingID)
}

func (p *Phone) HeldCall() (CallInfo, bool) {
	st := p.manager.state()
	return st.call(st.HeldID)
}

func (p *Phone) HasCurrentCall() bool {
	_, ok := p.CurrentCall()
	return ok
}

func (p *Phone) HasWaitingCall() bool {
	_, ok := p.WaitingCall()
	return ok
}

func (p *Phone) HasHeldCall() bool {
	_, ok := p.HeldCall()
	return ok
}

// OnCallState subscribes to status transitions of one call. Returned func
// unsubscribes. Listener runs on manager loop, keep it cheap.
func (p *Phone) OnCallState(callID string, fn CallStateListener) func() {
	return p.manager.listeners.subscribe(callID, fn)
}

// OnCallEnded sets hook invoked with final record of every terminated call.
func (p *Phone) OnCallEnded(fn func(CallRecord)) {
	p.manager.setOnCallEnded(fn)
}

// OnMissedCalls sets hook receiving refreshed unread missed count whenever a
// missed call lands in history.
func (p *Phone) OnMissedCalls(fn func(unread int)) {
	p.manager.setOnMissed(fn)
}

func (p *Phone) UnreadMissedCount() int {
	return p.history.UnreadMissedCount()
}

// OnRegistrationState sets hook for UA registration changes. Set before
// Serve.
func (p *Phone) OnRegistrationState(fn func(RegistrationState)) {
	p.regMu.Lock()
	p.onReg = fn
	p.regMu.Unlock()
}

func (p *Phone) RegistrationState() RegistrationState {
	p.regMu.RLock()
	defer p.regMu.RUnlock()
	return p.regState
}

func (p *Phone) setRegistrationState(s RegistrationState) {
	p.regMu.Lock()
	p.regState = s
	fn := p.onReg
	p.regMu.Unlock()

	p.log.Info("Registration state changed", "state", s)
	if fn != nil {
		fn(s)
	}
}
