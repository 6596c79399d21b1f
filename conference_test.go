// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Emir Aganovic

package softphone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConferenceHappyPath(t *testing.T) {
	cf := newConferenceState("add-1", "300")
	assert.Equal(t, ConferenceIdle, cf.state())

	require.True(t, cf.event("calling"))
	cf.consultSignal(SignalRinging)
	assert.Equal(t, ConferenceRinging, cf.state())

	cf.consultSignal(SignalConnected)
	assert.Equal(t, ConferenceConnected, cf.state())

	require.True(t, cf.event("merge"))
	assert.Equal(t, ConferenceActive, cf.state())

	require.True(t, cf.event("end"))
	assert.Equal(t, ConferenceEnded, cf.state())
	assert.True(t, cf.state().IsFinal())
}

func TestConferenceMergeRequiresConnected(t *testing.T) {
	cf := newConferenceState("add-1", "300")
	require.True(t, cf.event("calling"))

	assert.False(t, cf.event("merge"), "merge before added party connects must be refused")

	cf.consultSignal(SignalRinging)
	assert.False(t, cf.event("merge"))

	cf.consultSignal(SignalConnected)
	assert.True(t, cf.event("merge"))
}

func TestConferenceEndBeforeMerge(t *testing.T) {
	cf := newConferenceState("add-1", "300")
	require.True(t, cf.event("calling"))
	cf.consultSignal(SignalConnected)

	require.True(t, cf.event("end"))
	assert.Equal(t, ConferenceEnded, cf.state())
}

func TestConferenceFail(t *testing.T) {
	cf := newConferenceState("add-1", "300")
	require.True(t, cf.event("calling"))
	require.True(t, cf.event("fail"))
	assert.Equal(t, ConferenceFailed, cf.state())

	assert.False(t, cf.event("merge"))
}
