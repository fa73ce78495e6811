package audio

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/gen2brain/malgo"
	"github.com/vb-bridge/vban/shared"
	"go.uber.org/zap"
)

// captureQueueDepth bounds the chunk channel between the backend callback
// and the engine. The backend paces production at the configured rate, so
// the queue only grows when the engine stalls; beyond this depth chunks are
// dropped rather than buffered without limit.
const captureQueueDepth = 64

// CaptureSource pulls interleaved S16 PCM from a miniaudio capture device.
// The backend delivers chunks of its own choosing on its worker thread; a
// channel plus a remainder buffer decouple that chunking from the block
// sizes the engine requests.
type CaptureSource struct {
	logger   shared.LoggerAdapter
	ctx      *malgo.AllocatedContext
	device   *malgo.Device
	chunks   chan []byte
	rest     []byte
	channels int
}

var _ Source = (*CaptureSource)(nil)

// NewCaptureSource opens the capture device whose name contains deviceName
// ("default" or "" selects the system default) at the given channel count
// and rate.
func NewCaptureSource(logger shared.LoggerAdapter, deviceName string, channels int, sampleRate uint32) (*CaptureSource, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Trace("miniaudio", zap.String("message", strings.TrimSpace(message)))
	})
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(channels)
	cfg.SampleRate = sampleRate
	cfg.Alsa.NoMMap = 1

	if deviceName != "" && deviceName != "default" {
		id, err := findDeviceID(ctx, malgo.Capture, deviceName)
		if err != nil {
			teardownContext(logger, ctx)
			return nil, err
		}
		cfg.Capture.DeviceID = id.Pointer()
	}

	s := &CaptureSource{
		logger:   logger,
		ctx:      ctx,
		chunks:   make(chan []byte, captureQueueDepth),
		channels: channels,
	}

	onRecv := func(_, input []byte, _ uint32) {
		chunk := make([]byte, len(input))
		copy(chunk, input)
		select {
		case s.chunks <- chunk:
		default:
			logger.Warn("capture queue full, dropping chunk", zap.Int("bytes", len(chunk)))
		}
	}
	s.device, err = malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{Data: onRecv})
	if err != nil {
		teardownContext(logger, ctx)
		return nil, fmt.Errorf("initializing capture device: %w", err)
	}
	if err := s.device.Start(); err != nil {
		s.device.Uninit()
		teardownContext(logger, ctx)
		return nil, fmt.Errorf("starting capture device: %w", err)
	}
	logger.Info("capture device started",
		zap.String("device", deviceName),
		zap.Int("channels", channels),
		zap.Uint32("sample_rate", sampleRate),
	)
	return s, nil
}

// Read blocks until buf is filled with interleaved samples. If the device
// has been closed the remainder is zero-filled so the engine keeps cycling.
func (s *CaptureSource) Read(buf []int16) {
	filled := 0
	for filled < len(buf) {
		if len(s.rest) >= 2 {
			n := len(s.rest) / 2
			if n > len(buf)-filled {
				n = len(buf) - filled
			}
			for i := 0; i < n; i++ {
				buf[filled+i] = int16(binary.LittleEndian.Uint16(s.rest[i*2:]))
			}
			filled += n
			s.rest = s.rest[:copy(s.rest, s.rest[n*2:])]
			continue
		}
		chunk, ok := <-s.chunks
		if !ok {
			for i := filled; i < len(buf); i++ {
				buf[i] = 0
			}
			return
		}
		s.rest = append(s.rest, chunk...)
	}
}

// Close stops the device and releases the backend. A Read blocked on the
// chunk channel returns zero-filled data.
func (s *CaptureSource) Close() error {
	if s.device != nil {
		_ = s.device.Stop()
		s.device.Uninit()
		s.device = nil
		close(s.chunks)
	}
	if s.ctx != nil {
		teardownContext(s.logger, s.ctx)
		s.ctx = nil
	}
	return nil
}

func findDeviceID(ctx *malgo.AllocatedContext, kind malgo.DeviceType, name string) (malgo.DeviceID, error) {
	infos, err := ctx.Devices(kind)
	if err != nil {
		return malgo.DeviceID{}, fmt.Errorf("enumerating audio devices: %w", err)
	}
	for _, info := range infos {
		if strings.Contains(info.Name(), name) {
			return info.ID, nil
		}
	}
	return malgo.DeviceID{}, fmt.Errorf("no audio device matching %q", name)
}

func teardownContext(logger shared.LoggerAdapter, ctx *malgo.AllocatedContext) {
	if err := ctx.Uninit(); err != nil {
		logger.Error("uninitializing audio context", err)
	}
	ctx.Free()
}
