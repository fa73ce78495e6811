package audio

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/vb-bridge/vban/shared"
	"go.uber.org/zap"
)

// ringSeconds sizes the playback ring. Large enough to ride out scheduling
// hiccups, small enough that Write exerts back-pressure at roughly real
// time.
const ringSeconds = 2

// PlaybackSink renders interleaved S16 PCM on a miniaudio playback device.
// Writes land in a bounded ring that the device callback drains; the
// callback zero-fills when the ring runs dry, so gaps play as silence
// instead of stopping the device.
type PlaybackSink struct {
	logger   shared.LoggerAdapter
	ctx      *malgo.AllocatedContext
	device   *malgo.Device
	ring     *PCMBuffer
	stopped  atomic.Bool
	channels int
	rate     uint32
}

var _ Sink = (*PlaybackSink)(nil)

// NewPlaybackSink opens the playback device whose name contains deviceName
// ("default" or "" selects the system default) at the given channel count
// and rate, and starts it.
func NewPlaybackSink(logger shared.LoggerAdapter, deviceName string, channels int, sampleRate uint32) (*PlaybackSink, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Trace("miniaudio", zap.String("message", strings.TrimSpace(message)))
	})
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(channels)
	cfg.SampleRate = sampleRate
	cfg.Alsa.NoMMap = 1

	if deviceName != "" && deviceName != "default" {
		id, err := findDeviceID(ctx, malgo.Playback, deviceName)
		if err != nil {
			teardownContext(logger, ctx)
			return nil, err
		}
		cfg.Playback.DeviceID = id.Pointer()
	}

	s := &PlaybackSink{
		logger:   logger,
		ctx:      ctx,
		ring:     NewPCMBuffer(int(sampleRate) * channels * ringSeconds),
		channels: channels,
		rate:     sampleRate,
	}

	onSend := func(output, _ []byte, _ uint32) {
		s.ring.ReadBytes(output)
	}
	onStop := func() {
		s.stopped.Store(true)
	}
	s.device, err = malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{Data: onSend, Stop: onStop})
	if err != nil {
		teardownContext(logger, ctx)
		return nil, fmt.Errorf("initializing playback device: %w", err)
	}
	if err := s.device.Start(); err != nil {
		s.device.Uninit()
		teardownContext(logger, ctx)
		return nil, fmt.Errorf("starting playback device: %w", err)
	}
	logger.Info("playback device started",
		zap.String("device", deviceName),
		zap.Int("channels", channels),
		zap.Uint32("sample_rate", sampleRate),
	)
	return s, nil
}

// Write blocks until the samples are accepted into the ring. If the device
// stopped underneath us, one restart is attempted; when that fails the
// block is dropped and the sink stays usable for the next call.
func (s *PlaybackSink) Write(buf []int16) {
	if s.device == nil {
		return
	}
	if s.stopped.Load() {
		s.logger.Warn("playback device stopped, attempting recovery")
		if err := s.device.Start(); err != nil {
			s.logger.Error("restarting playback device", err, zap.Int("dropped_samples", len(buf)))
			return
		}
		s.stopped.Store(false)
	}
	s.ring.Write(buf)
}

// Drain blocks until the device callback has consumed everything written.
func (s *PlaybackSink) Drain() {
	if s.device == nil || s.stopped.Load() {
		return
	}
	s.ring.WaitEmpty()
	// One device period so the last samples leave the backend buffer too.
	time.Sleep(50 * time.Millisecond)
}

// Close stops the device and releases the backend.
func (s *PlaybackSink) Close() error {
	if s.device == nil {
		return shared.ErrSinkClosed
	}
	s.ring.Close()
	_ = s.device.Stop()
	s.device.Uninit()
	s.device = nil
	teardownContext(s.logger, s.ctx)
	s.ctx = nil
	return nil
}
