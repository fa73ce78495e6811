package vban

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/vb-bridge/vban/shared"
)

// Wire layout constants. A VBAN packet is the 28-byte header followed by at
// most MaxDataSize payload bytes; the datagram length is the packet length.
const (
	HeaderSize     = 28
	StreamNameSize = 16
	MaxPacketSize  = 1464
	MaxDataSize    = MaxPacketSize - HeaderSize
	MaxChannels    = 256
	MaxSamples     = 256
	DefaultPort    = 6980
)

const (
	srMask            = 0x1F
	subProtocolMask   = 0xE0
	bitResolutionMask = 0x07
	codecMask         = 0xF0
)

var preamble = [4]byte{'V', 'B', 'A', 'N'}

// SubProtocol is the high 3 bits of header byte 4. Only audio is handled by
// the engines; the other values exist so foreign packets can be named in
// logs before they are dropped.
type SubProtocol byte

const (
	ProtocolAudio   SubProtocol = 0x00
	ProtocolSerial  SubProtocol = 0x20
	ProtocolText    SubProtocol = 0x40
	ProtocolService SubProtocol = 0x60
)

func SubProtocolFromByte(b byte) SubProtocol {
	return SubProtocol(b & subProtocolMask)
}

func (p SubProtocol) String() string {
	switch p {
	case ProtocolAudio:
		return "audio"
	case ProtocolSerial:
		return "serial"
	case ProtocolText:
		return "text"
	case ProtocolService:
		return "service"
	}
	return fmt.Sprintf("undefined(0x%02X)", byte(p))
}

// Codec is the high 4 bits of header byte 7.
type Codec byte

const (
	CodecPCM  Codec = 0x00
	CodecVBCA Codec = 0x10
	CodecVBCV Codec = 0x20
	CodecOpus Codec = 0xC0
	CodecUser Codec = 0xF0
)

func CodecFromByte(b byte) Codec {
	return Codec(b & codecMask)
}

func (c Codec) String() string {
	switch c {
	case CodecPCM:
		return "PCM"
	case CodecOpus:
		return "Opus"
	case CodecVBCA:
		return "VBCA"
	case CodecVBCV:
		return "VBCV"
	case CodecUser:
		return "user"
	}
	return fmt.Sprintf("undefined(0x%02X)", byte(c))
}

// BitResolution is the low 3 bits of header byte 7. The engines support
// Bitfmt16Int only.
type BitResolution byte

const (
	Bitfmt8Int BitResolution = iota
	Bitfmt16Int
	Bitfmt24Int
	Bitfmt32Int
	Bitfmt32Float
	Bitfmt64Float
	Bitfmt12Int
	Bitfmt10Int
)

func BitResolutionFromByte(b byte) BitResolution {
	return BitResolution(b & bitResolutionMask)
}

func (r BitResolution) String() string {
	switch r {
	case Bitfmt8Int:
		return "8 bit int"
	case Bitfmt16Int:
		return "16 bit int"
	case Bitfmt24Int:
		return "24 bit int"
	case Bitfmt32Int:
		return "32 bit int"
	case Bitfmt32Float:
		return "32 bit float"
	case Bitfmt64Float:
		return "64 bit float"
	case Bitfmt12Int:
		return "12 bit int"
	case Bitfmt10Int:
		return "10 bit int"
	}
	return "unknown"
}

// sampleRates is the normative VBAN sample-rate table. The wire index is the
// position in this table; the ordering must not change.
var sampleRates = [21]uint32{
	6000, 12000, 24000, 48000, 96000, 192000, 384000,
	8000, 16000, 32000, 64000, 128000, 256000, 512000,
	11025, 22050, 44100, 88200, 176400, 352800, 705600,
}

// SampleRateFromIndex resolves a wire sample-rate index to Hz.
func SampleRateFromIndex(index uint8) (uint32, error) {
	if int(index) >= len(sampleRates) {
		return 0, fmt.Errorf("%w: %d", shared.ErrInvalidSampleRate, index)
	}
	return sampleRates[index], nil
}

// SampleRateToIndex resolves a rate in Hz to its wire index. The second
// return is false when the rate is not in the VBAN table.
func SampleRateToIndex(rate uint32) (uint8, bool) {
	for i, sr := range sampleRates {
		if sr == rate {
			return uint8(i), true
		}
	}
	return 0, false
}

// Header is the decoded form of the 28 bytes preceding every VBAN payload.
// NumSamples and NumChannels carry the wire convention: 0 means one.
type Header struct {
	SRIndex       uint8
	Protocol      SubProtocol
	NumSamples    uint8
	NumChannels   uint8
	BitResolution BitResolution
	Codec         Codec
	StreamName    [StreamNameSize]byte
	FrameCounter  uint32
}

// Encode packs the header into its wire representation.
func (h *Header) Encode() [HeaderSize]byte {
	var out [HeaderSize]byte
	copy(out[:4], preamble[:])
	out[4] = h.SRIndex&srMask | byte(h.Protocol)
	out[5] = h.NumSamples
	out[6] = h.NumChannels
	out[7] = byte(h.BitResolution) | byte(h.Codec)
	copy(out[8:24], h.StreamName[:])
	binary.LittleEndian.PutUint32(out[24:28], h.FrameCounter)
	return out
}

// DecodeHeader parses the first 28 bytes of a packet. It fails on a missing
// preamble or a sample-rate index outside the table; all other field
// validation is the recipient's business.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", shared.ErrShortHeader, len(b))
	}
	if !bytes.Equal(b[:4], preamble[:]) {
		return Header{}, shared.ErrBadPreamble
	}
	srIndex := b[4] & srMask
	if int(srIndex) >= len(sampleRates) {
		return Header{}, fmt.Errorf("%w: %d", shared.ErrInvalidSampleRate, srIndex)
	}
	var name [StreamNameSize]byte
	copy(name[:], b[8:24])
	return Header{
		SRIndex:       srIndex,
		Protocol:      SubProtocolFromByte(b[4]),
		NumSamples:    b[5],
		NumChannels:   b[6],
		BitResolution: BitResolutionFromByte(b[7]),
		Codec:         CodecFromByte(b[7]),
		StreamName:    name,
		FrameCounter:  binary.LittleEndian.Uint32(b[24:28]),
	}, nil
}

// SampleRate resolves the header's rate index to Hz. Decoded headers always
// carry a valid index, so the table lookup cannot fail here.
func (h *Header) SampleRate() uint32 {
	return sampleRates[h.SRIndex&srMask]
}

// StreamNameString returns the stream name with trailing NUL padding removed.
func (h *Header) StreamNameString() string {
	return string(bytes.TrimRight(h.StreamName[:], "\x00"))
}

// EncodeStreamName right-pads name with zeroes to the 16-byte wire form.
func EncodeStreamName(name string) ([StreamNameSize]byte, error) {
	var out [StreamNameSize]byte
	if len(name) > StreamNameSize {
		return out, fmt.Errorf("%w: %q", shared.ErrStreamNameTooLong, name)
	}
	copy(out[:], name)
	return out, nil
}
