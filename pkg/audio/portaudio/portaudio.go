// Package portaudio implements [audio.Source] on top of the PortAudio
// callback API. The PortAudio callback is the real-time capture context: it
// converts the sample block into a reused byte buffer and hands it to the
// push function (normally [audio.FrameBus.Push]) and does nothing else.
//
// PortAudio does not report a vanished device to an input-only callback
// stream; the callbacks simply stop. A watchdog goroutine therefore ends the
// source with a [*audio.DeviceError] wrapping [ErrStalled] once no callback
// has arrived for the stall timeout.
package portaudio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/captionist/pkg/audio"
)

const (
	defaultSampleRate = 48000
	defaultChannels   = 1
	defaultFrameSize  = 20 * time.Millisecond

	// stallFrames is the default stall timeout in frame periods.
	stallFrames = 25
)

// ErrStalled means the capture callbacks stopped arriving while the stream
// was running, usually because the device was unplugged.
var ErrStalled = errors.New("portaudio: capture stalled")

var _ audio.Source = (*Source)(nil)

// Option configures a [Source].
type Option func(*Source)

// WithDevice selects the input device by ID (as reported by [Devices]) or by
// exact name. An empty value selects the system default input.
func WithDevice(id string) Option {
	return func(s *Source) { s.device = id }
}

// WithSampleRate overrides the capture sample rate. Defaults to 48000.
func WithSampleRate(hz int) Option {
	return func(s *Source) {
		if hz > 0 {
			s.sampleRate = hz
		}
	}
}

// WithChannels overrides the capture channel count (1 or 2). Defaults to 1.
func WithChannels(n int) Option {
	return func(s *Source) {
		if n == 1 || n == 2 {
			s.channels = n
		}
	}
}

// WithFrameDuration sets the callback block length. Defaults to 20 ms.
func WithFrameDuration(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.frameSize = d
		}
	}
}

// WithStallTimeout sets how long the stream may go without a callback
// before the source fails. Defaults to 25 frame periods, at least 500 ms.
func WithStallTimeout(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.stallAfter = d
		}
	}
}

// Source captures from a sound card through PortAudio.
type Source struct {
	device     string
	sampleRate int
	channels   int
	frameSize  time.Duration
	stallAfter time.Duration

	mu      sync.Mutex
	stream  *pa.Stream
	name    string
	push    func(audio.AudioFrame) bool
	buf     []byte
	samples uint64

	// lastBeat is the UnixNano time of the latest callback.
	lastBeat atomic.Int64

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	err       error
}

// New returns an unstarted PortAudio source.
func New(opts ...Option) *Source {
	s := &Source{
		sampleRate: defaultSampleRate,
		channels:   defaultChannels,
		frameSize:  defaultFrameSize,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.stallAfter == 0 {
		s.stallAfter = max(stallFrames*s.frameSize, 500*time.Millisecond)
	}
	return s
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	return audio.Format{SampleRate: s.sampleRate, Channels: s.channels}
}

// Start implements [audio.Source]. It initialises PortAudio, opens the input
// stream in callback mode and starts it.
func (s *Source) Start(_ context.Context, push func(audio.AudioFrame) bool) error {
	if err := pa.Initialize(); err != nil {
		return &audio.DeviceError{Device: s.device, Op: "initialize", Err: err}
	}

	dev, err := findDevice(s.device)
	if err != nil {
		_ = pa.Terminate()
		return &audio.DeviceError{Device: s.device, Op: "open", Err: err}
	}

	params := pa.LowLatencyParameters(dev, nil)
	params.Input.Channels = s.channels
	params.SampleRate = float64(s.sampleRate)
	params.FramesPerBuffer = int(time.Duration(s.sampleRate) * s.frameSize / time.Second)

	s.mu.Lock()
	s.push = push
	s.buf = make([]byte, params.FramesPerBuffer*s.channels*2)
	s.mu.Unlock()

	stream, err := pa.OpenStream(params, s.callback)
	if err != nil {
		_ = pa.Terminate()
		return &audio.DeviceError{Device: dev.Name, Op: "open", Err: err}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return &audio.DeviceError{Device: dev.Name, Op: "start", Err: err}
	}

	s.mu.Lock()
	s.stream = stream
	s.name = dev.Name
	s.mu.Unlock()

	s.beat()
	go s.watch(s.stallAfter)
	return nil
}

func (s *Source) beat() { s.lastBeat.Store(time.Now().UnixNano()) }

// watch fails the source when callbacks stop for longer than stallAfter. It
// returns once the source is done for any reason.
func (s *Source) watch(stallAfter time.Duration) {
	t := time.NewTicker(max(stallAfter/4, time.Millisecond))
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-t.C:
			silent := now.Sub(time.Unix(0, s.lastBeat.Load()))
			if silent < stallAfter {
				continue
			}
			s.mu.Lock()
			name := s.name
			s.mu.Unlock()
			s.fail(&audio.DeviceError{
				Device: name,
				Op:     "capture",
				Err:    fmt.Errorf("%w: no audio for %v", ErrStalled, silent.Round(time.Millisecond)),
			})
			return
		}
	}
}

// fail records err and closes Done. The stream itself is released by Close.
func (s *Source) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

// callback runs on the PortAudio real-time thread.
func (s *Source) callback(in []int16) {
	s.beat()
	n := len(in) * 2
	if n > len(s.buf) {
		s.buf = make([]byte, n)
	}
	buf := s.buf[:n]
	for i, v := range in {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	ts := time.Duration(s.samples) * time.Second / time.Duration(s.sampleRate)
	s.samples += uint64(len(in) / s.channels)
	s.push(audio.AudioFrame{
		Data:       buf,
		SampleRate: s.sampleRate,
		Channels:   s.channels,
		Timestamp:  ts,
	})
}

// Done implements [audio.Source].
func (s *Source) Done() <-chan struct{} { return s.done }

// Err implements [audio.Source].
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops and closes the stream and terminates PortAudio. It is
// idempotent.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		stream := s.stream
		s.stream = nil
		s.mu.Unlock()
		if stream != nil {
			err = errors.Join(stream.Stop(), stream.Close(), pa.Terminate())
		}
		s.doneOnce.Do(func() { close(s.done) })
	})
	if err != nil {
		return fmt.Errorf("portaudio: close: %w", err)
	}
	return nil
}

// Devices lists PortAudio input devices. IDs are the device index as a string.
func Devices() ([]audio.DeviceInfo, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	defer pa.Terminate()

	devs, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	def, _ := pa.DefaultInputDevice()

	var out []audio.DeviceInfo
	for i, d := range devs {
		if d.MaxInputChannels <= 0 {
			continue
		}
		out = append(out, audio.DeviceInfo{
			ID:                strconv.Itoa(i),
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			Default:           def != nil && def.Name == d.Name,
		})
	}
	return out, nil
}

// findDevice resolves id as a device index, then as an exact device name.
// PortAudio must be initialised.
func findDevice(id string) (*pa.DeviceInfo, error) {
	if id == "" {
		return pa.DefaultInputDevice()
	}
	devs, err := pa.Devices()
	if err != nil {
		return nil, err
	}
	if idx, err := strconv.Atoi(id); err == nil && idx >= 0 && idx < len(devs) {
		return devs[idx], nil
	}
	for _, d := range devs {
		if d.Name == id && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no input device %q", id)
}
