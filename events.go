// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Emir Aganovic

package softphone

import "sync"

// PhoneState is immutable snapshot of whole active call set published after
// every mutation. Reads are lock free, consumers must not hold onto maps
// across mutations expecting them to update.
type PhoneState struct {
	Calls     map[string]CallInfo
	CurrentID string
	WaitingID string
	HeldID    string
}

func (s *PhoneState) call(id string) (CallInfo, bool) {
	if s == nil || id == "" {
		return CallInfo{}, false
	}
	ci, ok := s.Calls[id]
	return ci, ok
}

// CallStateListener receives every status transition of the subscribed call
// until unsubscribe or call termination. Invoked from manager loop, keep it
// cheap and never call back into Phone commands synchronously.
type CallStateListener func(info CallInfo)

// callListeners is per call id listener registry. Replaces the usual global
// mutable callback map: registry itself is guarded, notification happens
// only from the serialized manager loop.
type callListeners struct {
	mu     sync.RWMutex
	byCall map[string]map[int]CallStateListener
	nextID int
}

func newCallListeners() *callListeners {
	return &callListeners{
		byCall: make(map[string]map[int]CallStateListener),
	}
}

// subscribe registers listener and returns unsubscribe func.
func (l *callListeners) subscribe(callID string, fn CallStateListener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	id := l.nextID
	if l.byCall[callID] == nil {
		l.byCall[callID] = make(map[int]CallStateListener)
	}
	l.byCall[callID][id] = fn

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if m, ok := l.byCall[callID]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(l.byCall, callID)
			}
		}
	}
}

func (l *callListeners) notify(info CallInfo) {
	l.mu.RLock()
	fns := make([]CallStateListener, 0, len(l.byCall[info.ID]))
	for _, fn := range l.byCall[info.ID] {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		fn(info)
	}
}

// drop removes all listeners of terminated call.
func (l *callListeners) drop(callID string) {
	l.mu.Lock()
	delete(l.byCall, callID)
	l.mu.Unlock()
}
