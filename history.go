// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Emir Aganovic

package softphone

import "time"

// CallRecord is what call history collaborator receives once per terminated
// call. Core never stores records itself.
type CallRecord struct {
	Number          string
	Direction       CallDirection
	StartTime       time.Time
	EndTime         time.Time
	DurationSeconds int
	// FinalStatus is one of answered, no-answer, rejected, busy, failed,
	// outgoing. Incoming no-answer is the missed call case.
	FinalStatus string
}

// Missed reports whether record counts into unread missed badge.
func (r CallRecord) Missed() bool {
	return r.Direction == DirectionIncoming && r.FinalStatus == FinalNoAnswer
}

// CallHistory is persistence collaborator boundary. Implementations own
// storage and remote sync, core only feeds them.
type CallHistory interface {
	SaveCallRecord(rec CallRecord) error
	UnreadMissedCount() int
}

type nopHistory struct{}

func (nopHistory) SaveCallRecord(rec CallRecord) error { return nil }
func (nopHistory) UnreadMissedCount() int              { return 0 }
