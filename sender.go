package vban

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/vb-bridge/vban/audio"
	"github.com/vb-bridge/vban/shared"
	"go.uber.org/zap"
	"gopkg.in/hraban/opus.v2"
)

// Opus framing. The frame size must satisfy libopus (2.5/5/10/20/40/60 ms
// at the configured rate) while staying within the 256 samples a VBAN
// packet can carry; 240 works at all three supported rates.
const (
	opusFrameSize = 240
	opusBitrate   = 320000
)

// opusSampleRates are the rates for which a 240-sample frame is a legal
// Opus frame duration.
var opusSampleRates = map[uint32]bool{12000: true, 24000: true, 48000: true}

// SenderConfig carries everything NewSender needs. Peer and local addresses
// use the usual host:port form; an empty LocalAddr binds to an ephemeral
// port on all interfaces.
type SenderConfig struct {
	PeerAddr      string        `yaml:"peer_addr"`
	LocalAddr     string        `yaml:"local_addr"`
	StreamName    string        `yaml:"stream_name"`
	NumChannels   int           `yaml:"num_channels"`
	SampleRate    uint32        `yaml:"sample_rate"`
	BitResolution BitResolution `yaml:"-"`
	DeviceName    string        `yaml:"device_name"`
	Codec         Codec         `yaml:"-"`

	// Source overrides the capture backend. When nil the miniaudio device
	// named by DeviceName is opened.
	Source audio.Source `yaml:"-"`
}

// Sender owns one half of a VBAN endpoint pair: it pulls PCM blocks from a
// capture source, encodes them and emits one datagram per Handle call. The
// socket, codec state and source live for the lifetime of the Sender.
type Sender struct {
	logger shared.LoggerAdapter

	peer *net.UDPAddr
	conn *net.UDPConn

	srIndex     uint8
	sampleRate  uint32
	numChannels int
	bitRes      BitResolution
	name        [StreamNameSize]byte
	codec       Codec

	nuFrame uint32

	source  audio.Source
	encoder *opus.Encoder

	audioIn []int16
	payload []byte
	packet  []byte
}

// NewSender validates the configuration, binds the local socket and opens
// the capture source. Only 16-bit integer samples are supported; Opus
// additionally restricts the channel count to 1 or 2 and the sample rate
// to 12, 24 or 48 kHz.
func NewSender(logger shared.LoggerAdapter, cfg SenderConfig) (*Sender, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.BitResolution != Bitfmt16Int {
		return nil, shared.ErrUnsupportedBitResolution
	}
	name, err := EncodeStreamName(cfg.StreamName)
	if err != nil {
		return nil, err
	}
	if cfg.NumChannels < 1 || cfg.NumChannels > MaxChannels {
		return nil, fmt.Errorf("unsupported channel count %d", cfg.NumChannels)
	}
	srIndex, ok := SampleRateToIndex(cfg.SampleRate)
	if !ok {
		return nil, fmt.Errorf("%w: %d Hz", shared.ErrUnsupportedSampleRate, cfg.SampleRate)
	}

	var encoder *opus.Encoder
	switch cfg.Codec {
	case CodecPCM:
	case CodecOpus:
		if cfg.NumChannels != 1 && cfg.NumChannels != 2 {
			return nil, shared.ErrOpusChannels
		}
		if !opusSampleRates[cfg.SampleRate] {
			return nil, shared.ErrOpusSampleRate
		}
		encoder, err = opus.NewEncoder(int(cfg.SampleRate), cfg.NumChannels, opus.AppAudio)
		if err != nil {
			return nil, fmt.Errorf("creating opus encoder: %w", err)
		}
		if err := encoder.SetBitrate(opusBitrate); err != nil {
			return nil, fmt.Errorf("setting opus bitrate: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", shared.ErrUnsupportedCodec, cfg.Codec)
	}

	peer, err := net.ResolveUDPAddr("udp", cfg.PeerAddr)
	if err != nil {
		return nil, fmt.Errorf("resolving peer address: %w", err)
	}
	var local *net.UDPAddr
	if cfg.LocalAddr != "" {
		local, err = net.ResolveUDPAddr("udp", cfg.LocalAddr)
		if err != nil {
			return nil, fmt.Errorf("resolving local address: %w", err)
		}
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("binding udp socket: %w", err)
	}

	source := cfg.Source
	if source == nil {
		source, err = audio.NewCaptureSource(logger, cfg.DeviceName, cfg.NumChannels, cfg.SampleRate)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("opening capture source: %w", err)
		}
	}

	blockSize := MaxSamples
	if cfg.Codec == CodecOpus {
		blockSize = opusFrameSize
	}

	s := &Sender{
		logger:      logger,
		peer:        peer,
		conn:        conn,
		srIndex:     srIndex,
		sampleRate:  cfg.SampleRate,
		numChannels: cfg.NumChannels,
		bitRes:      cfg.BitResolution,
		name:        name,
		codec:       cfg.Codec,
		source:      source,
		encoder:     encoder,
		audioIn:     make([]int16, blockSize*cfg.NumChannels),
		payload:     make([]byte, 2*blockSize*cfg.NumChannels),
		packet:      make([]byte, 0, MaxPacketSize),
	}

	logger.Info("starting stream",
		zap.String("stream", cfg.StreamName),
		zap.Uint32("sample_rate", cfg.SampleRate),
		zap.Int("channels", cfg.NumChannels),
		zap.String("codec", cfg.Codec.String()),
		zap.String("peer", peer.String()),
	)
	return s, nil
}

// Handle performs exactly one capture-encode-send cycle. Call it in a
// tight loop; the capture read paces the loop at real time.
func (s *Sender) Handle() {
	s.source.Read(s.audioIn)

	var payload []byte
	switch s.codec {
	case CodecOpus:
		n, err := s.encoder.Encode(s.audioIn, s.payload)
		if err != nil {
			// Frame dropped, packet still goes out so the counter advances.
			s.logger.Error("opus encode failed", err)
			n = 0
		}
		payload = s.payload[:n]
		s.logger.Trace("opus compression",
			zap.Int("pcm_bytes", len(s.audioIn)*2),
			zap.Int("opus_bytes", n),
		)
	default:
		for i, smp := range s.audioIn {
			binary.LittleEndian.PutUint16(s.payload[2*i:], uint16(smp))
		}
		payload = s.payload
	}

	blockSize := len(s.audioIn) / s.numChannels
	hdr := Header{
		SRIndex:       s.srIndex,
		Protocol:      ProtocolAudio,
		NumSamples:    uint8(blockSize - 1),
		NumChannels:   uint8(s.numChannels - 1),
		BitResolution: s.bitRes,
		Codec:         s.codec,
		StreamName:    s.name,
		FrameCounter:  s.nuFrame,
	}

	if HeaderSize+len(payload) > MaxPacketSize {
		s.logger.Error("packet would exceed VBAN limit", nil,
			zap.Int("bytes", HeaderSize+len(payload)),
			zap.Int("limit", MaxPacketSize),
		)
		return
	}

	hdrBytes := hdr.Encode()
	s.packet = append(s.packet[:0], hdrBytes[:]...)
	s.packet = append(s.packet, payload...)

	if _, err := s.conn.WriteToUDP(s.packet, s.peer); err != nil {
		s.logger.Error("sending packet", err, zap.String("peer", s.peer.String()))
	} else {
		s.logger.Trace("sent packet",
			zap.Int("bytes", len(s.packet)),
			zap.Uint32("nu_frame", s.nuFrame),
		)
	}

	s.nuFrame++
}

// FrameCounter returns the counter the next packet will carry.
func (s *Sender) FrameCounter() uint32 {
	return s.nuFrame
}

// Close releases the socket and the capture source.
func (s *Sender) Close() error {
	var first error
	if err := s.source.Close(); err != nil {
		first = err
	}
	if err := s.conn.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
