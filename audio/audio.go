// Package audio provides the capture and playback contracts the VBAN
// engines consume, plus miniaudio-backed implementations of both. Samples
// are always signed 16-bit, little-endian, interleaved.
package audio

// Source delivers interleaved 16-bit PCM from a capture backend.
//
// Read blocks until buf is completely filled. The buffer length must be a
// multiple of the configured channel count. Backend failures are logged and
// surface as zero-filled data; the caller is never stalled indefinitely by
// a transient backend error.
type Source interface {
	Read(buf []int16)
	Close() error
}

// Sink accepts interleaved 16-bit PCM for a playback backend.
//
// Write blocks until the samples are accepted. On a backend error the sink
// attempts one recovery and retries once; if that fails the block is
// dropped and logged. Write remains callable after any outcome. Drain
// blocks until everything previously written has been handed to the
// backend; Close releases the device.
type Sink interface {
	Write(buf []int16)
	Drain()
	Close() error
}
