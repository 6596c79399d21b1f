// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Emir Aganovic

package softphone

// CallSignal is canonical session event emitted by the session engine.
// Transports report loosely typed state strings, engine squashes them into
// this closed set before anything reaches the call manager.
type CallSignal string

const (
	// SignalIncoming announces brand new inbound session. Carries remote
	// number and display name on the LineEvent.
	SignalIncoming CallSignal = "incoming"

	SignalConnecting    CallSignal = "connecting"
	SignalRinging       CallSignal = "ringing"
	SignalEarlyMedia    CallSignal = "early_media"
	SignalConnected     CallSignal = "connected"
	SignalOnHold        CallSignal = "on_hold"
	SignalDisconnecting CallSignal = "disconnecting"
	SignalDisconnected  CallSignal = "disconnected"
	SignalFailed        CallSignal = "failed"
	SignalBusy          CallSignal = "busy"
	SignalRejected      CallSignal = "rejected"

	// SignalNone is what unknown transport states normalize to. It is logged
	// and otherwise ignored, never treated as error.
	SignalNone CallSignal = "none"
)

func (s CallSignal) IsTerminal() bool {
	switch s {
	case SignalDisconnected, SignalFailed, SignalBusy, SignalRejected:
		return true
	}
	return false
}

// LineEvent is normalized event stream element: one session signal tagged
// with stable call id. Number and DisplayName are set for call creating
// signals only (incoming, connecting).
type LineEvent struct {
	CallID      string
	Signal      CallSignal
	Number      string
	DisplayName string
	Line        int
}

// rawSignalLookup translates transport state strings. Table is intentionally
// permissive about vendor naming (pjsip, sipgo, webrtc stacks all differ).
var rawSignalLookup = map[string]CallSignal{
	"calling":    SignalConnecting,
	"connecting": SignalConnecting,
	"trying":     SignalConnecting,

	"ringing":  SignalRinging,
	"progress": SignalRinging,

	"early":       SignalEarlyMedia,
	"early_media": SignalEarlyMedia,

	"confirmed":   SignalConnected,
	"accepted":    SignalConnected,
	"answered":    SignalConnected,
	"established": SignalConnected,

	"hold":    SignalOnHold,
	"held":    SignalOnHold,
	"on_hold": SignalOnHold,

	"disconnecting": SignalDisconnecting,

	"bye":          SignalDisconnected,
	"terminated":   SignalDisconnected,
	"disconnected": SignalDisconnected,
	"hangup":       SignalDisconnected,

	"busy": SignalBusy,

	"rejected": SignalRejected,
	"declined": SignalRejected,

	"failed": SignalFailed,
	"error":  SignalFailed,
}

// ParseRawSignal normalizes transport state string. Unrecognized states come
// back as SignalNone with ok=false so caller can log them.
func ParseRawSignal(raw string) (CallSignal, bool) {
	sig, ok := rawSignalLookup[raw]
	if !ok {
		return SignalNone, false
	}
	return sig, true
}
