package vban

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vb-bridge/vban/shared"
)

func newTestRecipient(t *testing.T, cfg RecipientConfig) (*Recipient, *sinkRecorder, *hookCounter) {
	t.Helper()
	rec := &sinkRecorder{}
	cfg.BindAddr = "127.0.0.1"
	cfg.Sinks = rec.factory
	r, err := NewRecipient(shared.NewNopLogger(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	hooks := &hookCounter{}
	r.hook = hooks.hook
	return r, rec, hooks
}

func sendTo(t *testing.T, addr net.Addr, pkt []byte) {
	t.Helper()
	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(pkt)
	require.NoError(t, err)
}

// pcmPacket builds a valid PCM audio packet with a ramp payload.
func pcmPacket(t *testing.T, stream string, rate uint32, channels, samples int, counter uint32) []byte {
	t.Helper()
	srIndex, ok := SampleRateToIndex(rate)
	require.True(t, ok)
	name, err := EncodeStreamName(stream)
	require.NoError(t, err)
	hdr := Header{
		SRIndex:       srIndex,
		Protocol:      ProtocolAudio,
		NumSamples:    uint8(samples - 1),
		NumChannels:   uint8(channels - 1),
		BitResolution: Bitfmt16Int,
		Codec:         CodecPCM,
		StreamName:    name,
		FrameCounter:  counter,
	}
	hb := hdr.Encode()
	pkt := append([]byte{}, hb[:]...)
	payload := make([]byte, 2*samples*channels)
	for i := 0; i < samples*channels; i++ {
		binary.LittleEndian.PutUint16(payload[2*i:], uint16(int16(i)))
	}
	return append(pkt, payload...)
}

func TestNewRecipientRejectsLongFilter(t *testing.T) {
	_, err := NewRecipient(shared.NewNopLogger(), RecipientConfig{
		StreamName: "AFilterNameLongerThanSixteen",
	})
	assert.ErrorIs(t, err, shared.ErrStreamNameTooLong)
}

func TestRecipientStartsPlayback(t *testing.T) {
	r, rec, hooks := newTestRecipient(t, RecipientConfig{SilenceMs: 100})

	sendTo(t, r.LocalAddr(), pcmPacket(t, "Stream1", 48000, 2, 256, 7))
	r.Handle()

	require.Equal(t, StatePlaying, r.State())
	require.Equal(t, 1, rec.count())
	sink := rec.last()
	assert.Equal(t, uint32(48000), sink.rate)
	assert.Equal(t, 2, sink.channels)

	// Prepended silence, then the rendered block.
	silence := 48000 / 1000 * 100
	require.Equal(t, silence+512, sink.sampleCount())
	for i := 0; i < silence; i++ {
		require.Zero(t, sink.samples[i])
	}
	for i := 0; i < 512; i++ {
		assert.Equal(t, int16(i), sink.samples[silence+i])
	}

	assert.Equal(t, []string{EventPlaybackStarted}, hooks.all())

	stats := r.Stats()
	assert.Equal(t, "playing", stats.State)
	assert.Equal(t, "Stream1", stats.StreamName)
	assert.Equal(t, uint32(48000), stats.SampleRate)
	assert.Equal(t, 2, stats.Channels)
	assert.Equal(t, "PCM", stats.Codec)
	assert.Equal(t, uint32(7), stats.FrameCounter)
	assert.Equal(t, uint64(1), stats.Frames)
}

func TestRecipientStreamNameFilter(t *testing.T) {
	r, rec, hooks := newTestRecipient(t, RecipientConfig{StreamName: "Music"})

	for i := 0; i < 3; i++ {
		sendTo(t, r.LocalAddr(), pcmPacket(t, "Stream1", 48000, 2, 64, uint32(i)))
		r.Handle()
	}
	assert.Equal(t, StateIdle, r.State())
	assert.Zero(t, rec.count())
	assert.Empty(t, hooks.all())

	sendTo(t, r.LocalAddr(), pcmPacket(t, "Music", 48000, 2, 64, 0))
	r.Handle()
	assert.Equal(t, StatePlaying, r.State())
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, []string{EventPlaybackStarted}, hooks.all())
}

func TestRecipientIdleTimeout(t *testing.T) {
	r, rec, hooks := newTestRecipient(t, RecipientConfig{})
	r.idleWait = 100 * time.Millisecond

	sendTo(t, r.LocalAddr(), pcmPacket(t, "Stream1", 48000, 2, 64, 0))
	r.Handle()
	require.Equal(t, StatePlaying, r.State())

	time.Sleep(150 * time.Millisecond)
	r.Handle()
	assert.Equal(t, StateIdle, r.State())
	sink := rec.last()
	assert.Equal(t, 1, sink.drains)
	assert.True(t, sink.closed)
	assert.Equal(t, []string{EventPlaybackStarted, EventPlaybackStopped}, hooks.all())

	// A later packet starts playback exactly once more.
	sendTo(t, r.LocalAddr(), pcmPacket(t, "Stream1", 48000, 2, 64, 1))
	r.Handle()
	assert.Equal(t, StatePlaying, r.State())
	assert.Equal(t, 2, rec.count())
	assert.Equal(t, []string{EventPlaybackStarted, EventPlaybackStopped, EventPlaybackStarted}, hooks.all())
}

func TestRecipientSampleRateRenegotiation(t *testing.T) {
	r, rec, hooks := newTestRecipient(t, RecipientConfig{})

	sendTo(t, r.LocalAddr(), pcmPacket(t, "Stream1", 48000, 2, 64, 0))
	r.Handle()
	require.Equal(t, StatePlaying, r.State())
	first := rec.last()

	sendTo(t, r.LocalAddr(), pcmPacket(t, "Stream1", 44100, 2, 64, 1))
	r.Handle()

	assert.Equal(t, StatePlaying, r.State())
	require.Equal(t, 2, rec.count())
	assert.Equal(t, 1, first.drains)
	assert.True(t, first.closed)
	assert.Equal(t, uint32(44100), rec.last().rate)
	// Renegotiation is silent: no stop/start events.
	assert.Equal(t, []string{EventPlaybackStarted}, hooks.all())
}

func TestRecipientSinkReopenFailureDegradesToIdle(t *testing.T) {
	r, rec, hooks := newTestRecipient(t, RecipientConfig{})

	sendTo(t, r.LocalAddr(), pcmPacket(t, "Stream1", 48000, 2, 64, 0))
	r.Handle()
	require.Equal(t, StatePlaying, r.State())

	rec.fail = true
	sendTo(t, r.LocalAddr(), pcmPacket(t, "Stream1", 44100, 2, 64, 1))
	r.Handle()
	assert.Equal(t, StateIdle, r.State())
	assert.Equal(t, []string{EventPlaybackStarted, EventPlaybackStopped}, hooks.all())

	rec.fail = false
	sendTo(t, r.LocalAddr(), pcmPacket(t, "Stream1", 44100, 2, 64, 2))
	r.Handle()
	assert.Equal(t, StatePlaying, r.State())
}

func TestRecipientSinkOpenFailureStaysIdle(t *testing.T) {
	r, rec, hooks := newTestRecipient(t, RecipientConfig{})
	rec.fail = true

	sendTo(t, r.LocalAddr(), pcmPacket(t, "Stream1", 48000, 2, 64, 0))
	r.Handle()
	assert.Equal(t, StateIdle, r.State())
	assert.Empty(t, hooks.all())

	rec.fail = false
	sendTo(t, r.LocalAddr(), pcmPacket(t, "Stream1", 48000, 2, 64, 1))
	r.Handle()
	assert.Equal(t, StatePlaying, r.State())
}

func TestRecipientDropsMalformedPackets(t *testing.T) {
	r, rec, _ := newTestRecipient(t, RecipientConfig{})

	mutate := func(f func(pkt []byte)) []byte {
		pkt := pcmPacket(t, "Stream1", 48000, 2, 64, 0)
		f(pkt)
		return pkt
	}

	tests := []struct {
		name string
		pkt  []byte
	}{
		{
			name: "bad preamble",
			pkt:  mutate(func(pkt []byte) { copy(pkt, "RIFF") }),
		},
		{
			name: "serial sub-protocol",
			pkt:  mutate(func(pkt []byte) { pkt[4] |= byte(ProtocolSerial) }),
		},
		{
			name: "unsupported codec",
			pkt:  mutate(func(pkt []byte) { pkt[7] = byte(Bitfmt16Int) | byte(CodecVBCA) }),
		},
		{
			name: "unsupported bit resolution",
			pkt:  mutate(func(pkt []byte) { pkt[7] = byte(Bitfmt24Int) }),
		},
		{
			name: "pcm payload length mismatch",
			pkt:  mutate(func(pkt []byte) { pkt[5] = 80 }),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sendTo(t, r.LocalAddr(), tt.pkt)
			r.Handle()
			assert.Equal(t, StateIdle, r.State())
			assert.Zero(t, rec.count())
		})
	}
}

func TestRecipientDropsOversizedDatagram(t *testing.T) {
	r, rec, _ := newTestRecipient(t, RecipientConfig{})

	// 255+1 declared samples on 4 channels: 2048 payload bytes, 2076 on
	// the wire, past the 1464-byte VBAN limit.
	name, err := EncodeStreamName("Stream1")
	require.NoError(t, err)
	hdr := Header{
		SRIndex:       3,
		Protocol:      ProtocolAudio,
		NumSamples:    255,
		NumChannels:   3,
		BitResolution: Bitfmt16Int,
		Codec:         CodecPCM,
		StreamName:    name,
	}
	hb := hdr.Encode()
	pkt := append(append([]byte{}, hb[:]...), make([]byte, 2048)...)

	sendTo(t, r.LocalAddr(), pkt)
	r.Handle()
	assert.Equal(t, StateIdle, r.State())
	assert.Zero(t, rec.count())
}

func TestRecipientPCMLoopback(t *testing.T) {
	r, rec, _ := newTestRecipient(t, RecipientConfig{})

	src := &rampSource{}
	sender, err := NewSender(shared.NewNopLogger(), SenderConfig{
		PeerAddr:      r.LocalAddr().String(),
		StreamName:    "Stream1",
		NumChannels:   2,
		SampleRate:    48000,
		BitResolution: Bitfmt16Int,
		Codec:         CodecPCM,
		Source:        src,
	})
	require.NoError(t, err)
	defer sender.Close()

	const packets = 20
	for i := 0; i < packets; i++ {
		sender.Handle()
		r.Handle()
	}

	require.Equal(t, StatePlaying, r.State())
	sink := rec.last()
	require.Equal(t, packets*256*2, sink.sampleCount())
	// Ramp continuity across packet boundaries, wrapping at int16 range.
	next := int16(0)
	for _, smp := range sink.samples {
		require.Equal(t, next, smp)
		next++
	}
	assert.Equal(t, uint64(packets), r.Stats().Frames)
}

func TestRecipientOpusLoopback(t *testing.T) {
	r, rec, _ := newTestRecipient(t, RecipientConfig{})

	sender, err := NewSender(shared.NewNopLogger(), SenderConfig{
		PeerAddr:      r.LocalAddr().String(),
		StreamName:    "OpusStream",
		NumChannels:   2,
		SampleRate:    48000,
		BitResolution: Bitfmt16Int,
		Codec:         CodecOpus,
		Source:        newSineSource(1000, 48000, 2),
	})
	require.NoError(t, err)
	defer sender.Close()

	const packets = 25
	for i := 0; i < packets; i++ {
		sender.Handle()
		r.Handle()
	}

	require.Equal(t, StatePlaying, r.State())
	sink := rec.last()
	// Every packet decodes to exactly one 240-sample stereo frame.
	require.Equal(t, packets*opusFrameSize*2, sink.sampleCount())

	var energy float64
	for _, smp := range sink.samples {
		energy += float64(smp) * float64(smp)
	}
	assert.Greater(t, energy, 0.0, "decoded audio should carry signal")
	assert.Equal(t, "Opus", r.Stats().Codec)
}
