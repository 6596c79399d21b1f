// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Emir Aganovic

package softphone

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/zaf/g711"
)

// RingbackPlayer plays local ringback while outgoing call rings without
// early media. Start and Stop are invoked from manager loop and must not
// block.
type RingbackPlayer interface {
	Start()
	Stop()
}

// ToneEncoding selects wire format of generated tone samples.
type ToneEncoding int

const (
	ToneEncodingPCM16 ToneEncoding = iota
	ToneEncodingUlaw
	ToneEncodingAlaw
)

var ringbackTones sync.Map

// ringbackTonePCM synthesizes standard 350+440 Hz ringback segment as 16 bit
// signed LE PCM. Cached per sample rate.
func ringbackTonePCM(sampleRate int) []byte {
	if val, exists := ringbackTones.Load(sampleRate); exists {
		return val.([]byte)
	}

	var (
		durationSec = 2
		volume      = 0.3
		freq1       = 350.0
		freq2       = 440.0
	)

	numSamples := sampleRate * durationSec
	buf := &bytes.Buffer{}

	for i := 0; i < numSamples; i++ {
		t := float64(i) / float64(sampleRate)
		// Combine the two sine waves and normalize
		sample := volume * (math.Sin(2*math.Pi*freq1*t) + math.Sin(2*math.Pi*freq2*t)) / 2.0
		intSample := int16(sample * math.MaxInt16)
		binary.Write(buf, binary.LittleEndian, intSample)
	}

	pcm := buf.Bytes()
	ringbackTones.Store(sampleRate, pcm)
	return pcm
}

// TonePlayer is RingbackPlayer writing encoded tone to audio sink with
// standard 2s on 4s off cadence. Sink is usually local audio device writer,
// tests use bytes.Buffer.
type TonePlayer struct {
	log     *slog.Logger
	sink    io.Writer
	payload []byte

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewTonePlayer(sink io.Writer, sampleRate int, enc ToneEncoding, log *slog.Logger) *TonePlayer {
	return &TonePlayer{
		log:     log.With("caller", "TonePlayer"),
		sink:    sink,
		payload: encodeTone(ringbackTonePCM(sampleRate), enc),
	}
}

// NewTonePlayerFromWAV loads custom ringback from mono 16 bit WAV file
// instead of synthesized tone.
func NewTonePlayerFromWAV(sink io.Writer, path string, enc ToneEncoding, log *slog.Logger) (*TonePlayer, error) {
	pcm, _, err := loadWAVPCM(path)
	if err != nil {
		return nil, err
	}
	return &TonePlayer{
		log:     log.With("caller", "TonePlayer"),
		sink:    sink,
		payload: encodeTone(pcm, enc),
	}, nil
}

func encodeTone(pcm []byte, enc ToneEncoding) []byte {
	switch enc {
	case ToneEncodingUlaw:
		return g711.EncodeUlaw(pcm)
	case ToneEncodingAlaw:
		return g711.EncodeAlaw(pcm)
	}
	return pcm
}

// loadWAVPCM decodes whole WAV file to 16 bit signed LE PCM. Returns samples
// and source sample rate.
func loadWAVPCM(path string) ([]byte, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decoding wav %q: %w", path, err)
	}
	if buf.Format == nil || len(buf.Data) == 0 {
		return nil, 0, fmt.Errorf("wav %q has no samples", path)
	}

	out := &bytes.Buffer{}
	for _, s := range buf.Data {
		binary.Write(out, binary.LittleEndian, int16(s))
	}
	return out.Bytes(), buf.Format.SampleRate, nil
}

func (p *TonePlayer) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.loop(ctx)
}

func (p *TonePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.cancel = nil
}

func (p *TonePlayer) loop(ctx context.Context) {
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		if _, err := p.sink.Write(p.payload); err != nil {
			p.log.Error("Writing ringback failed", "error", err)
			return
		}

		t.Reset(4 * time.Second)
		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}
	}
}
