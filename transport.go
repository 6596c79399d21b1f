// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Emir Aganovic

package softphone

import "context"

// RegistrationState is global UA registration status reported by transport.
type RegistrationState string

const (
	RegistrationUnregistered RegistrationState = "unregistered"
	RegistrationRegistering  RegistrationState = "registering"
	RegistrationRegistered   RegistrationState = "registered"
	RegistrationFailed       RegistrationState = "failed"
)

// TransportEvents are callbacks transport invokes from its own goroutines.
// Engine re-marshals them onto the manager loop, transport must not assume
// anything was applied when callback returns.
type TransportEvents struct {
	// OnReady fires once transport can take commands. Commands issued before
	// are queued by the engine.
	OnReady func()

	// OnSessionState reports session state change for line. State strings
	// are transport specific and normalized via ParseRawSignal.
	OnSessionState func(line int, rawState string)

	// OnIncomingCall announces new inbound session bound to line.
	OnIncomingCall func(line int, number, displayName string)

	OnRegistrationState func(state RegistrationState)
}

// Transport is the signaling stack boundary. Sessions are addressed by line
// number (1..MaxLines slot), line bookkeeping is done by the engine.
//
// All commands are expected to complete asynchronously: an error return means
// the command could not even be issued, success means nothing more than
// "sent". Outcome is observable only through TransportEvents.
type Transport interface {
	// Serve runs the transport until ctx is done. Must invoke ev.OnReady
	// once commands can be accepted.
	Serve(ctx context.Context, ev TransportEvents) error

	Originate(ctx context.Context, line int, number string) error
	Accept(ctx context.Context, line int) error
	// Reject declines inbound session with busy here semantics (SIP 486).
	Reject(ctx context.Context, line int) error
	Terminate(ctx context.Context, line int) error
	Hold(ctx context.Context, line int) error
	Resume(ctx context.Context, line int) error
	Mute(ctx context.Context, line int, muted bool) error
	SendDigit(ctx context.Context, line int, digit rune) error

	// Refer does blind transfer of the session towards dest.
	Refer(ctx context.Context, line int, dest string) error
	// ReferReplace connects the two parties (REFER with Replaces). The
	// referred session is expected to terminate on its own afterwards.
	ReferReplace(ctx context.Context, line int, targetLine int) error
	// Bridge starts three way audio mixing between both lines and local
	// microphone. Pure media side effect, no signaling state changes.
	Bridge(ctx context.Context, line int, targetLine int) error
}
