// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Emir Aganovic

package softphone

import (
	"fmt"
	"time"

	"github.com/pion/sdp/v3"
)

// sdpState builds audio offers for one session. Hold and resume are plain
// re-INVITEs with flipped direction attribute, so only session version and
// mode change between offers.
type sdpState struct {
	sessionID uint64
	version   uint64
	localIP   string
	rtpPort   int
}

const (
	sdpModeSendrecv = "sendrecv"
	sdpModeSendonly = "sendonly"
	sdpModeInactive = "inactive"
)

func newSDPState(localIP string, rtpPort int) *sdpState {
	now := uint64(time.Now().Unix())
	return &sdpState{
		sessionID: now,
		version:   now,
		localIP:   localIP,
		rtpPort:   rtpPort,
	}
}

// offer marshals next SDP with given direction mode. Each call bumps session
// version as re-INVITE requires.
func (s *sdpState) offer(mode string) ([]byte, error) {
	s.version++

	desc := sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      s.sessionID,
			SessionVersion: s.version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: s.localIP,
		},
		SessionName: "softphone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: s.localIP},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: s.rtpPort},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{"0", "8", "101"},
			},
			Attributes: []sdp.Attribute{
				{Key: "rtpmap", Value: "0 PCMU/8000"},
				{Key: "rtpmap", Value: "8 PCMA/8000"},
				{Key: "rtpmap", Value: "101 telephone-event/8000"},
				{Key: "fmtp", Value: "101 0-16"},
				{Key: mode},
			},
		}},
	}

	b, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling sdp: %w", err)
	}
	return b, nil
}
