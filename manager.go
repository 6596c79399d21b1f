// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Emir Aganovic

package softphone

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// callManager is the call control core. Single goroutine (run loop) owns the
// active call set and distinguished references, user commands and session
// signals are funneled through channels so every mutation is serialized.
// Cross call effects (call waiting, hold/resume swap, consultation calls)
// need that consistent global view.
//
// Reads go through lock free snapshots published after each mutation.
type callManager struct {
	log     *slog.Logger
	engine  *SessionEngine
	history CallHistory
	metrics *Metrics

	ringback   RingbackPlayer
	ringbackOn string

	cmds chan func()

	calls     map[string]*Call
	currentID string
	waitingID string
	heldID    string

	// consultOwner maps consultation call id back to the call that started
	// attended transfer or add-call.
	consultOwner map[string]string

	listeners *callListeners
	snapshot  atomic.Pointer[PhoneState]

	hookMu      sync.Mutex
	onCallEnded func(CallRecord)
	onMissed    func(unread int)
}

func (m *callManager) setOnCallEnded(fn func(CallRecord)) {
	m.hookMu.Lock()
	m.onCallEnded = fn
	m.hookMu.Unlock()
}

func (m *callManager) setOnMissed(fn func(unread int)) {
	m.hookMu.Lock()
	m.onMissed = fn
	m.hookMu.Unlock()
}

func newCallManager(engine *SessionEngine, history CallHistory, metrics *Metrics, ringback RingbackPlayer, log *slog.Logger) *callManager {
	m := &callManager{
		log:          log.With("caller", "CallManager"),
		engine:       engine,
		history:      history,
		metrics:      metrics,
		ringback:     ringback,
		cmds:         make(chan func(), 64),
		calls:        make(map[string]*Call),
		consultOwner: make(map[string]string),
		listeners:    newCallListeners(),
	}
	m.snapshot.Store(&PhoneState{Calls: map[string]CallInfo{}})
	return m
}

func (m *callManager) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-m.cmds:
			f()
			m.publish()
		case ev := <-m.engine.Events():
			m.handleEvent(ev)
			m.publish()
		}
	}
}

// dispatch hands mutation over to the run loop.
func (m *callManager) dispatch(f func()) {
	m.cmds <- f
}

func (m *callManager) state() *PhoneState {
	return m.snapshot.Load()
}

func (m *callManager) publish() {
	st := &PhoneState{
		Calls:     make(map[string]CallInfo, len(m.calls)),
		CurrentID: m.currentID,
		WaitingID: m.waitingID,
		HeldID:    m.heldID,
	}
	for id, c := range m.calls {
		st.Calls[id] = c.info()
	}
	m.snapshot.Store(st)
}

func (m *callManager) notify(c *Call) {
	m.listeners.notify(c.info())
}

// ---------------------------------------------------------------
// Signal event handling

func (m *callManager) handleEvent(ev LineEvent) {
	m.metrics.signal(ev.Signal)

	switch ev.Signal {
	case SignalNone:
		return
	case SignalIncoming:
		m.handleIncoming(ev)
		return
	}

	c, exists := m.calls[ev.CallID]
	if !exists {
		if ev.Signal == SignalConnecting && ev.Number != "" {
			m.createOutgoing(ev)
			return
		}
		// Duplicate or late signal for terminated call. Idempotent no-op.
		m.log.Debug("Signal for unknown call dropped", "call_id", ev.CallID, "signal", ev.Signal)
		return
	}

	prev := c.Status()
	if !c.applySignal(ev.Signal) {
		m.log.Debug("Signal absorbed, no valid transition", "call_id", c.ID, "signal", ev.Signal, "status", prev)
		return
	}
	m.afterTransition(c, ev.Signal)
}

func (m *callManager) createOutgoing(ev LineEvent) {
	c := newCall(ev.CallID, DirectionOutgoing, ev.Line, ev.Number, ev.DisplayName, StatusIdle)
	c.applySignal(SignalConnecting)
	m.calls[c.ID] = c

	if m.currentID == "" {
		m.currentID = c.ID
	}

	m.metrics.callStarted(DirectionOutgoing)
	m.metrics.setActive(len(m.calls))
	m.log.Info("Outgoing call created", "call_id", c.ID, "number", c.Number, "line", c.Line)
	m.notify(c)
}

// handleIncoming applies call waiting admission: with any call already
// active the new one parks as waiting instead of stealing focus.
func (m *callManager) handleIncoming(ev LineEvent) {
	if _, exists := m.calls[ev.CallID]; exists {
		return
	}

	c := newCall(ev.CallID, DirectionIncoming, ev.Line, ev.Number, ev.DisplayName, StatusRinging)
	hadCalls := len(m.calls) > 0
	m.calls[c.ID] = c

	if hadCalls {
		if m.waitingID == "" {
			m.waitingID = c.ID
		}
	} else {
		m.currentID = c.ID
	}

	m.metrics.callStarted(DirectionIncoming)
	m.metrics.setActive(len(m.calls))
	m.log.Info("Incoming call", "call_id", c.ID, "number", c.Number, "line", c.Line, "waiting", hadCalls)
	m.notify(c)
}

func (m *callManager) afterTransition(c *Call, sig CallSignal) {
	switch sig {
	case SignalRinging:
		if c.Direction == DirectionOutgoing {
			m.startRingback(c.ID)
		}
	case SignalEarlyMedia:
		// Remote provides in band progress audio now
		m.stopRingback(c.ID)
	case SignalConnected:
		m.stopRingback(c.ID)
		if !c.answered() {
			c.answeredAt = time.Now()
		}
	}

	// Consultation call progress drives owning call sub machine
	if ownerID, isConsult := m.consultOwner[c.ID]; isConsult && !sig.IsTerminal() {
		if owner, ok := m.calls[ownerID]; ok {
			if t := owner.transfer; t != nil && t.consultID == c.ID && !t.state().IsFinal() {
				t.consultSignal(sig)
				m.notify(owner)
			}
			if cf := owner.conference; cf != nil && cf.addID == c.ID && !cf.state().IsFinal() {
				cf.consultSignal(sig)
				m.notify(owner)
			}
		}
	}

	if sig.IsTerminal() {
		m.finalize(c)
		return
	}
	m.notify(c)
}

// finalize tears down terminated call: sub machines are cancelled, record is
// handed to history exactly once, references are repaired and a held call is
// auto resumed when the call that ended was the current one.
func (m *callManager) finalize(c *Call) {
	m.stopRingback(c.ID)

	now := time.Now()
	rec := CallRecord{
		Number:          c.Number,
		Direction:       c.Direction,
		StartTime:       c.CreatedAt,
		EndTime:         now,
		DurationSeconds: c.durationSeconds(now),
		FinalStatus:     c.finalStatus(),
	}

	m.cleanupOwnedConsults(c)
	m.cleanupAsConsult(c)

	delete(m.calls, c.ID)

	wasCurrent := m.currentID == c.ID
	if wasCurrent {
		m.currentID = ""
	}
	if m.waitingID == c.ID {
		m.waitingID = ""
	}
	if m.heldID == c.ID {
		m.heldID = ""
	}

	m.metrics.callEnded(rec)
	m.metrics.setActive(len(m.calls))
	m.log.Info("Call ended",
		"call_id", c.ID, "number", c.Number,
		"final_status", rec.FinalStatus, "duration", rec.DurationSeconds)

	m.notify(c)
	m.listeners.drop(c.ID)

	m.hookMu.Lock()
	onEnded := m.onCallEnded
	m.hookMu.Unlock()
	if onEnded != nil {
		onEnded(rec)
	}
	// History may hit storage, keep it off the loop
	go m.saveRecord(rec)

	if wasCurrent && m.heldID != "" {
		held := m.heldID
		if err := m.engine.Resume(held); err != nil {
			m.log.Warn("Auto resume of held call failed", "call_id", held, "error", err)
			m.currentID = m.firstActiveCall()
			if m.currentID == m.heldID {
				m.heldID = ""
			}
		} else {
			m.currentID = held
			m.heldID = ""
		}
	} else if wasCurrent {
		m.currentID = m.firstActiveCall()
	}
}

func (m *callManager) saveRecord(rec CallRecord) {
	if err := m.history.SaveCallRecord(rec); err != nil {
		m.log.Error("Saving call record failed", "number", rec.Number, "error", err)
		return
	}

	m.hookMu.Lock()
	onMissed := m.onMissed
	m.hookMu.Unlock()
	if rec.Missed() && onMissed != nil {
		onMissed(m.history.UnreadMissedCount())
	}
}

// cleanupOwnedConsults cancels sub machines when their owning call reached
// terminal base status, so nothing dangles half transferred.
func (m *callManager) cleanupOwnedConsults(c *Call) {
	if t := c.transfer; t != nil && !t.state().IsFinal() {
		t.event("cancel")
		delete(m.consultOwner, t.consultID)
		// Consultation call stays alive as standalone call, user may keep
		// talking to the transfer target.
	}
	if cf := c.conference; cf != nil && !cf.state().IsFinal() {
		cf.event("end")
		delete(m.consultOwner, cf.addID)
		// Host is gone, tear the added leg down as well
		m.engine.End(cf.addID)
	}
}

// cleanupAsConsult handles terminating call that was consultation leg of
// someone else's transfer/conference.
func (m *callManager) cleanupAsConsult(c *Call) {
	ownerID, isConsult := m.consultOwner[c.ID]
	if !isConsult {
		return
	}
	delete(m.consultOwner, c.ID)

	owner, ok := m.calls[ownerID]
	if !ok {
		return
	}

	if t := owner.transfer; t != nil && t.consultID == c.ID && !t.state().IsFinal() {
		t.event("fail")
		m.resumeOwner(ownerID)
		m.notify(owner)
	}
	if cf := owner.conference; cf != nil && cf.addID == c.ID && !cf.state().IsFinal() {
		if cf.state() == ConferenceActive {
			// Added party left, original call continues
			cf.event("end")
		} else {
			cf.event("fail")
			m.resumeOwner(ownerID)
		}
		m.notify(owner)
	}
}

func (m *callManager) resumeOwner(ownerID string) {
	if err := m.engine.Resume(ownerID); err != nil {
		m.log.Warn("Resuming call after consult failure failed", "call_id", ownerID, "error", err)
		return
	}
	if m.heldID == ownerID {
		m.heldID = ""
	}
	if m.currentID == "" {
		m.currentID = ownerID
	}
}

// firstActiveCall picks arbitrary remaining call, skipping the waiting one
// which keeps its own reference.
func (m *callManager) firstActiveCall() string {
	for id := range m.calls {
		if id == m.waitingID {
			continue
		}
		return id
	}
	return ""
}

// ---------------------------------------------------------------
// User commands. All run on the loop via dispatch.

func (m *callManager) markDisconnecting(callID string) {
	c, ok := m.calls[callID]
	if !ok {
		return
	}
	if c.applySignal(SignalDisconnecting) {
		m.notify(c)
	}
}

func (m *callManager) endCall(callID string) {
	m.markDisconnecting(callID)
	m.engine.End(callID)
}

// holdCall is manual hold of single call. The call takes over the held
// reference when it is free, so a later switch or endHeldCall finds it the
// same way as after answerWaiting.
func (m *callManager) holdCall(callID string) {
	if _, ok := m.calls[callID]; !ok {
		return
	}
	m.engine.Hold(callID)
	if m.heldID == "" {
		m.heldID = callID
	}
	if m.currentID == callID {
		m.currentID = ""
	}
}

// resumeCall is manual resume, releasing the held reference it may hold.
func (m *callManager) resumeCall(callID string) {
	if _, ok := m.calls[callID]; !ok {
		return
	}
	if err := m.engine.Resume(callID); err != nil {
		m.log.Warn("Resume failed", "call_id", callID, "error", err)
		return
	}
	if m.heldID == callID {
		m.heldID = ""
	}
	if m.currentID == "" {
		m.currentID = callID
	}
}

func (m *callManager) setMute(callID string, muted bool) {
	c, ok := m.calls[callID]
	if !ok {
		return
	}
	c.Muted = muted
	m.engine.Mute(callID, muted)
	m.notify(c)
}

// answerWaiting is the atomic two step call waiting policy: hold current,
// answer waiting, promote it to current. No rollback when answer fails after
// hold, current call simply stays held.
func (m *callManager) answerWaiting() {
	if m.waitingID == "" {
		return
	}
	waiting := m.waitingID

	if m.currentID != "" {
		m.engine.Hold(m.currentID)
		m.heldID = m.currentID
	}

	m.engine.Answer(waiting)
	m.currentID = waiting
	m.waitingID = ""
}

func (m *callManager) declineWaiting() {
	if m.waitingID == "" {
		return
	}
	m.engine.Reject(m.waitingID)
	m.waitingID = ""
}

// switchCalls swaps current and held. Silent no-op unless both exist, no
// transport command is issued either.
func (m *callManager) switchCalls() {
	if m.currentID == "" || m.heldID == "" {
		return
	}
	m.engine.Hold(m.currentID)
	if err := m.engine.Resume(m.heldID); err != nil {
		m.log.Warn("Resume on switch failed", "call_id", m.heldID, "error", err)
	}
	m.currentID, m.heldID = m.heldID, m.currentID
}

func (m *callManager) endHeldCall() {
	if m.heldID == "" {
		return
	}
	m.endCall(m.heldID)
}

func (m *callManager) endCurrentAndResumeHeld() {
	if m.currentID == "" {
		return
	}
	// Resume of held happens on terminal signal of current
	m.endCall(m.currentID)
}

// ---------------------------------------------------------------
// Attended transfer

func (m *callManager) startAttendedTransfer(callID, dest string) {
	c, ok := m.calls[callID]
	if !ok {
		m.log.Warn("Attended transfer for unknown call", "call_id", callID)
		return
	}
	if c.Status() != StatusConnected {
		m.log.Warn("Attended transfer needs connected call", "call_id", callID, "status", c.Status())
		return
	}
	if c.transfer != nil && !c.transfer.state().IsFinal() {
		return
	}

	m.engine.Hold(callID)
	m.heldID = callID
	if m.currentID == callID {
		m.currentID = ""
	}

	consultID, err := m.engine.PlaceCall(dest)
	if err != nil {
		// Same no-rollback policy as answerWaiting: call stays held
		m.log.Error("Placing consultation call failed", "call_id", callID, "error", err)
		return
	}

	c.transfer = newTransferState(consultID, dest)
	c.transfer.event("calling")
	m.consultOwner[consultID] = callID
	m.log.Info("Attended transfer started", "call_id", callID, "consult_id", consultID, "dest", dest)
	m.notify(c)
}

func (m *callManager) completeAttendedTransfer(callID string) {
	c, ok := m.calls[callID]
	if !ok || c.transfer == nil {
		return
	}
	t := c.transfer
	if !t.event("complete") {
		m.log.Debug("Transfer not completable", "call_id", callID, "state", t.state())
		return
	}

	// Transport connects both parties. Our session is expected to terminate
	// via normal Disconnected signal afterwards, we do not force it.
	m.engine.CompleteTransfer(callID, t.consultID)
	delete(m.consultOwner, t.consultID)
	m.log.Info("Attended transfer completed", "call_id", callID, "consult_id", t.consultID)
	m.notify(c)
}

func (m *callManager) cancelAttendedTransfer(callID string) {
	c, ok := m.calls[callID]
	if !ok || c.transfer == nil {
		return
	}
	t := c.transfer
	if !t.event("cancel") {
		return
	}

	delete(m.consultOwner, t.consultID)
	m.endCall(t.consultID)
	if err := m.engine.Resume(callID); err != nil {
		m.log.Warn("Resume after transfer cancel failed", "call_id", callID, "error", err)
	}
	if m.heldID == callID {
		m.heldID = ""
	}
	m.currentID = callID
	m.log.Info("Attended transfer cancelled", "call_id", callID)
	m.notify(c)
}

// ---------------------------------------------------------------
// Ad-hoc conference

func (m *callManager) startAddCall(callID, dest string) {
	c, ok := m.calls[callID]
	if !ok {
		m.log.Warn("Add call for unknown call", "call_id", callID)
		return
	}
	if c.Status() != StatusConnected {
		m.log.Warn("Add call needs connected call", "call_id", callID, "status", c.Status())
		return
	}
	if c.conference != nil && !c.conference.state().IsFinal() {
		return
	}

	m.engine.Hold(callID)
	m.heldID = callID
	if m.currentID == callID {
		m.currentID = ""
	}

	addID, err := m.engine.PlaceCall(dest)
	if err != nil {
		m.log.Error("Placing add call failed", "call_id", callID, "error", err)
		return
	}

	c.conference = newConferenceState(addID, dest)
	c.conference.event("calling")
	m.consultOwner[addID] = callID
	m.log.Info("Add call started", "call_id", callID, "add_id", addID, "dest", dest)
	m.notify(c)
}

func (m *callManager) mergeConference(callID string) {
	c, ok := m.calls[callID]
	if !ok || c.conference == nil {
		return
	}
	cf := c.conference
	if !cf.event("merge") {
		m.log.Debug("Conference not mergeable", "call_id", callID, "state", cf.state())
		return
	}

	if err := m.engine.Resume(callID); err != nil {
		m.log.Warn("Resume on merge failed", "call_id", callID, "error", err)
	}
	if m.heldID == callID {
		m.heldID = ""
	}
	m.currentID = callID

	// Three way audio bridge is transport side effect, core only triggers it
	m.engine.Merge(callID, cf.addID)
	m.log.Info("Conference merged", "call_id", callID, "add_id", cf.addID)
	m.notify(c)
}

func (m *callManager) endConference(callID string) {
	c, ok := m.calls[callID]
	if !ok || c.conference == nil {
		return
	}
	cf := c.conference
	if !cf.event("end") {
		return
	}

	delete(m.consultOwner, cf.addID)
	m.endCall(cf.addID)
	if m.currentID == cf.addID || m.currentID == "" {
		m.currentID = callID
	}
	m.log.Info("Conference ended", "call_id", callID, "add_id", cf.addID)
	m.notify(c)
}

// ---------------------------------------------------------------
// Ringback

func (m *callManager) startRingback(callID string) {
	if m.ringback == nil || m.ringbackOn != "" {
		return
	}
	m.ringbackOn = callID
	m.ringback.Start()
}

func (m *callManager) stopRingback(callID string) {
	if m.ringback == nil || m.ringbackOn != callID {
		return
	}
	m.ringbackOn = ""
	m.ringback.Stop()
}
