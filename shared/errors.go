package shared

import "errors"

var (
	ErrNoLogger                 = errors.New("no logger provided")
	ErrShortHeader              = errors.New("buffer shorter than a VBAN header")
	ErrBadPreamble              = errors.New("missing VBAN preamble")
	ErrInvalidSampleRate        = errors.New("invalid sample rate index")
	ErrUnsupportedSampleRate    = errors.New("sample rate not in the VBAN table")
	ErrStreamNameTooLong        = errors.New("stream name exceeds 16 bytes")
	ErrUnsupportedBitResolution = errors.New("only 16 bit integer samples are supported")
	ErrUnsupportedCodec         = errors.New("codec not supported")
	ErrOpusChannels             = errors.New("opus supports only 1 or 2 channels")
	ErrOpusSampleRate           = errors.New("opus supports only 12000, 24000 and 48000 Hz")
	ErrSinkClosed               = errors.New("sink is closed")
)
