package vban

import (
	"fmt"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/vb-bridge/vban/audio"
	"github.com/vb-bridge/vban/shared"
	"go.uber.org/zap"
	"gopkg.in/hraban/opus.v2"
)

// State is the recipient lifecycle, gated by recent packet arrival.
type State int

const (
	StateIdle State = iota
	StatePlaying
)

func (s State) String() string {
	if s == StatePlaying {
		return "playing"
	}
	return "idle"
}

const (
	// readTimeout bounds a single blocking receive so the idle check runs
	// even on a silent socket.
	readTimeout = time.Second
	// idleTimeout is how long the recipient keeps the sink after the last
	// valid audio packet.
	idleTimeout = 2 * time.Second
)

// Hook argument values passed to the external state-change command.
const (
	EventPlaybackStarted = "playback_started"
	EventPlaybackStopped = "playback_stopped"
)

// SinkFactory opens a playback sink at a negotiated rate and channel count.
// The recipient calls it lazily on the first valid audio packet and again
// whenever the stream renegotiates its sample rate.
type SinkFactory func(sampleRate uint32, channels int) (audio.Sink, error)

// RecipientConfig carries everything NewRecipient needs. Zero values bind
// to all interfaces on an ephemeral port with no stream filter; the port is
// used as given, so DefaultPort is not applied here.
type RecipientConfig struct {
	BindAddr   string `yaml:"bind_addr"`
	Port       int    `yaml:"port"`
	StreamName string `yaml:"stream_name"`
	// Hints seed the negotiated parameters until the first packet arrives.
	NumChannels int    `yaml:"num_channels"`
	SampleRate  uint32 `yaml:"sample_rate"`
	DeviceName  string `yaml:"device_name"`
	// SilenceMs is prepended as zero samples when playback starts, to give
	// slow pipelines headroom before real audio hits the device.
	SilenceMs int `yaml:"silence_ms"`

	// Sinks overrides the playback backend. When nil the miniaudio device
	// named by DeviceName is opened.
	Sinks SinkFactory `yaml:"-"`
}

// Recipient owns the receiving half of a VBAN endpoint pair: it validates
// incoming datagrams, decodes them and renders them on a lazily opened
// sink. One valid audio packet moves it Idle→Playing; two seconds without
// one moves it back.
type Recipient struct {
	logger shared.LoggerAdapter

	conn *net.UDPConn

	filter    [StreamNameSize]byte
	hasFilter bool

	state      State
	lastPacket time.Time

	sink     audio.Sink
	sinks    SinkFactory
	decoder  *opus.Decoder
	decRate  uint32
	decCh    int
	hook     func(event string)
	silence  int
	idleWait time.Duration

	buf  []byte
	sbuf []int16

	// Negotiated stream parameters and level meters, guarded for Stats
	// readers on other goroutines.
	mu          sync.Mutex
	streamName  string
	sampleRate  uint32
	numChannels int
	bitRes      BitResolution
	codec       Codec
	nuFrame     uint32
	frames      uint64
	peakLeft    int16
	peakRight   int16
}

// NewRecipient binds the UDP socket and prepares the engine. The sink is
// not opened until the first valid audio packet arrives.
func NewRecipient(logger shared.LoggerAdapter, cfg RecipientConfig) (*Recipient, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	var filter [StreamNameSize]byte
	hasFilter := cfg.StreamName != ""
	if hasFilter {
		var err error
		filter, err = EncodeStreamName(cfg.StreamName)
		if err != nil {
			return nil, err
		}
	}
	addr := &net.UDPAddr{Port: cfg.Port}
	if cfg.BindAddr != "" {
		addr.IP = net.ParseIP(cfg.BindAddr)
		if addr.IP == nil {
			return nil, fmt.Errorf("invalid bind address %q", cfg.BindAddr)
		}
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding udp socket: %w", err)
	}

	sinks := cfg.Sinks
	if sinks == nil {
		device := cfg.DeviceName
		sinks = func(sampleRate uint32, channels int) (audio.Sink, error) {
			return audio.NewPlaybackSink(logger, device, channels, sampleRate)
		}
	}

	r := &Recipient{
		logger:      logger,
		conn:        conn,
		filter:      filter,
		hasFilter:   hasFilter,
		state:       StateIdle,
		lastPacket:  time.Now(),
		sinks:       sinks,
		silence:     cfg.SilenceMs,
		idleWait:    idleTimeout,
		buf:         make([]byte, 2048),
		sbuf:        make([]int16, MaxSamples*MaxChannels),
		sampleRate:  cfg.SampleRate,
		numChannels: cfg.NumChannels,
	}
	logger.Info("VBAN recipient ready, waiting for incoming audio packets",
		zap.String("bind", conn.LocalAddr().String()),
	)
	return r, nil
}

// SetCommand installs an external command run on playback state changes
// with "playback_started" or "playback_stopped" appended to args. Command
// failures are logged and ignored.
func (r *Recipient) SetCommand(path string, args ...string) {
	r.hook = func(event string) {
		cmd := exec.Command(path, append(append([]string{}, args...), event)...)
		if out, err := cmd.CombinedOutput(); err != nil {
			r.logger.Error("state-change command failed", err,
				zap.String("event", event),
				zap.ByteString("output", out),
			)
		}
	}
}

// Handle performs exactly one recv-parse-render cycle. Call it in a tight
// loop; the socket read timeout bounds each call at one second.
func (r *Recipient) Handle() {
	if r.state == StatePlaying && time.Since(r.lastPacket) > r.idleWait {
		r.goIdle()
	}

	_ = r.conn.SetReadDeadline(time.Now().Add(readTimeout))
	n, addr, err := r.conn.ReadFromUDP(r.buf)
	if err != nil {
		// Timeout or transient socket error, the caller reinvokes.
		return
	}
	r.logger.Trace("udp packet", zap.Int("len", n), zap.String("from", addr.String()))

	hdr, err := DecodeHeader(r.buf[:n])
	if err != nil {
		r.logger.Debug("dropping packet", zap.Error(err))
		return
	}
	if n > MaxPacketSize {
		r.logger.Debug("dropping packet exceeding VBAN limit", zap.Int("len", n))
		return
	}
	if hdr.Protocol != ProtocolAudio {
		r.logger.Debug("dropping packet with unsupported sub-protocol",
			zap.String("protocol", hdr.Protocol.String()),
		)
		return
	}
	if hdr.Codec != CodecPCM && hdr.Codec != CodecOpus {
		r.logger.Debug("dropping packet with unsupported codec",
			zap.String("codec", hdr.Codec.String()),
		)
		return
	}
	if hdr.BitResolution != Bitfmt16Int {
		r.logger.Debug("dropping packet with unsupported bit resolution",
			zap.String("bit_resolution", hdr.BitResolution.String()),
		)
		return
	}
	samples := int(hdr.NumSamples) + 1
	channels := int(hdr.NumChannels) + 1
	if r.hasFilter && hdr.StreamName != r.filter {
		r.logger.Debug("dropping packet from foreign stream",
			zap.String("stream", hdr.StreamNameString()),
		)
		return
	}

	rate := hdr.SampleRate()
	payload := r.buf[HeaderSize:n]
	toSink := r.sbuf[:samples*channels]

	switch hdr.Codec {
	case CodecPCM:
		if len(payload) != 2*samples*channels {
			r.logger.Debug("dropping PCM packet with mismatched payload length",
				zap.Int("payload", len(payload)),
				zap.Int("expected", 2*samples*channels),
			)
			return
		}
		decodePCM(payload, toSink)
	case CodecOpus:
		if !r.decodeOpus(payload, toSink, rate, channels, samples) {
			return
		}
	}

	left, right := peakLevels(toSink, channels)

	r.mu.Lock()
	r.lastPacket = time.Now()
	r.mu.Unlock()
	if r.state == StateIdle {
		if !r.startPlayback(hdr, rate, channels) {
			return
		}
	} else if rate != r.negotiatedRate() || channels != r.negotiatedChannels() {
		if !r.reopenSink(rate, channels) {
			return
		}
	}

	r.sink.Write(toSink)
	r.noteFrame(hdr, rate, channels, left, right)
}

// goIdle drains and releases the sink and codec state after the idle
// timeout, then fires the stop hook.
func (r *Recipient) goIdle() {
	r.setState(StateIdle)
	if r.sink == nil {
		r.logger.Error("expected an open sink while playing", nil)
	} else {
		r.sink.Drain()
		if err := r.sink.Close(); err != nil {
			r.logger.Error("closing sink", err)
		} else {
			r.logger.Debug("audio device released")
		}
		r.sink = nil
	}
	r.decoder = nil
	r.fireHook(EventPlaybackStopped)
}

// startPlayback opens the sink for a newly arrived stream, prepends the
// configured silence and fires the start hook. Failure leaves the engine
// Idle; the next packet retries.
func (r *Recipient) startPlayback(hdr Header, rate uint32, channels int) bool {
	sink, err := r.sinks(rate, channels)
	if err != nil {
		r.logger.Warn("could not grab audio device", zap.Error(err))
		return false
	}
	r.sink = sink
	r.logger.Info("connected to stream",
		zap.String("stream", hdr.StreamNameString()),
		zap.Uint32("sample_rate", rate),
		zap.Int("channels", channels),
		zap.String("codec", hdr.Codec.String()),
	)
	if r.silence > 0 {
		r.sink.Write(make([]int16, int(rate)*r.silence/1000))
	}
	r.fireHook(EventPlaybackStarted)
	r.setState(StatePlaying)
	return true
}

// reopenSink renegotiates the device on a mid-stream rate or channel
// change without leaving Playing. If the reopen fails the engine degrades
// to Idle and the next packet starts over.
func (r *Recipient) reopenSink(rate uint32, channels int) bool {
	r.logger.Info("stream renegotiated, reopening sink",
		zap.Uint32("sample_rate", rate),
		zap.Int("channels", channels),
	)
	r.sink.Drain()
	if err := r.sink.Close(); err != nil {
		r.logger.Error("closing sink for reopen", err)
	}
	r.sink = nil
	sink, err := r.sinks(rate, channels)
	if err != nil {
		r.logger.Error("could not reopen audio device with the required specs", err)
		r.setState(StateIdle)
		r.fireHook(EventPlaybackStopped)
		return false
	}
	r.sink = sink
	return true
}

// decodeOpus lazily constructs the decoder at the negotiated rate and
// channel count, decodes one frame and checks the sample count against the
// header. Any failure drops the packet.
func (r *Recipient) decodeOpus(payload []byte, toSink []int16, rate uint32, channels, samples int) bool {
	if r.decoder != nil && (r.decRate != rate || r.decCh != channels) {
		r.decoder = nil
	}
	if r.decoder == nil {
		if channels != 1 && channels != 2 {
			r.logger.Error("opus cannot handle channel count", shared.ErrOpusChannels,
				zap.Int("channels", channels),
			)
			return false
		}
		dec, err := opus.NewDecoder(int(rate), channels)
		if err != nil {
			r.logger.Error("creating opus decoder", err)
			return false
		}
		r.decoder = dec
		r.decRate = rate
		r.decCh = channels
	}
	n, err := r.decoder.Decode(payload, toSink)
	if err != nil {
		r.logger.Error("opus decode failed", err)
		return false
	}
	if n != samples {
		r.logger.Debug("dropping opus packet with mismatched sample count",
			zap.Int("decoded", n),
			zap.Int("declared", samples),
		)
		return false
	}
	return true
}

// decodePCM reinterprets the payload as little-endian int16 samples.
func decodePCM(payload []byte, out []int16) {
	for i := range out {
		out[i] = int16(uint16(payload[2*i]) | uint16(payload[2*i+1])<<8)
	}
}

// peakLevels scans a block for the per-channel positive peaks feeding the
// status surface. Channels beyond the first two fold into the right meter.
func peakLevels(samples []int16, channels int) (left, right int16) {
	for i, smp := range samples {
		if channels == 1 || i%channels == 0 {
			if smp > left {
				left = smp
			}
		} else if smp > right {
			right = smp
		}
	}
	return left, right
}

func (r *Recipient) fireHook(event string) {
	if r.hook == nil {
		return
	}
	r.hook(event)
}

func (r *Recipient) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Recipient) negotiatedRate() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sampleRate
}

func (r *Recipient) negotiatedChannels() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.numChannels
}

// noteFrame records the negotiated parameters and meters after a rendered
// packet, and logs counter gaps.
func (r *Recipient) noteFrame(hdr Header, rate uint32, channels int, left, right int16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frames > 0 && hdr.FrameCounter != r.nuFrame+1 {
		r.logger.Debug("frame counter gap",
			zap.Uint32("expected", r.nuFrame+1),
			zap.Uint32("got", hdr.FrameCounter),
		)
	}
	r.nuFrame = hdr.FrameCounter
	r.frames++
	r.streamName = hdr.StreamNameString()
	r.sampleRate = rate
	r.numChannels = channels
	r.bitRes = hdr.BitResolution
	r.codec = hdr.Codec
	r.peakLeft = left
	r.peakRight = right
}

// LocalAddr returns the bound socket address.
func (r *Recipient) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

// State returns the current lifecycle state.
func (r *Recipient) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stats is a copyable snapshot of the recipient for status surfaces.
type Stats struct {
	State         string    `json:"state"`
	StreamName    string    `json:"stream_name"`
	SampleRate    uint32    `json:"sample_rate"`
	Channels      int       `json:"channels"`
	BitResolution string    `json:"bit_resolution"`
	Codec         string    `json:"codec"`
	FrameCounter  uint32    `json:"frame_counter"`
	Frames        uint64    `json:"frames_received"`
	LastPacket    time.Time `json:"last_packet"`
	PeakLeft      int16     `json:"peak_left"`
	PeakRight     int16     `json:"peak_right"`
}

// Stats snapshots the engine. Safe to call from other goroutines while
// Handle runs.
func (r *Recipient) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		State:         r.state.String(),
		StreamName:    r.streamName,
		SampleRate:    r.sampleRate,
		Channels:      r.numChannels,
		BitResolution: r.bitRes.String(),
		Codec:         r.codec.String(),
		FrameCounter:  r.nuFrame,
		Frames:        r.frames,
		LastPacket:    r.lastPacket,
		PeakLeft:      r.peakLeft,
		PeakRight:     r.peakRight,
	}
}

// Close releases the socket and, if playing, the sink.
func (r *Recipient) Close() error {
	if r.sink != nil {
		r.sink.Drain()
		if err := r.sink.Close(); err != nil {
			r.logger.Error("closing sink", err)
		}
		r.sink = nil
	}
	r.decoder = nil
	return r.conn.Close()
}
