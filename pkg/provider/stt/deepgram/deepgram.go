// Package deepgram streams capture audio to Deepgram's live transcription
// API over a websocket.
//
// Vocabulary is fixed when the stream opens: nova-3 models take it as
// keyterm prompts, older models as boosted keywords. SetKeywords returns
// stt.ErrNotSupported and the recognition adapter reopens the stream to
// apply a new vocabulary.
//
// Close flushes: queued audio is sent, Deepgram is asked to finalize, and
// the finals it returns are delivered before the channels close.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/captionist/pkg/provider/stt"
)

const (
	listenEndpoint      = "wss://api.deepgram.com/v1/listen"
	defaultModel        = "nova-3"
	defaultLanguage     = "en"
	defaultSampleRate   = 16000
	defaultKeepAlive    = 5 * time.Second
	defaultCloseTimeout = 3 * time.Second
)

var (
	msgKeepAlive   = []byte(`{"type":"KeepAlive"}`)
	msgCloseStream = []byte(`{"type":"CloseStream"}`)
)

// ErrClosed is returned by SendAudio once the stream is closing or the
// connection has failed.
var ErrClosed = errors.New("deepgram: stream closed")

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the Deepgram model, for example "nova-3" or "nova-2".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default language; a non-empty
// stt.StreamConfig.Language wins.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithSampleRate sets the rate assumed when the stream config leaves it 0.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithEndpoint points the provider at a self-hosted Deepgram or a test
// server.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithEndpointing sets how much trailing silence ends a caption segment.
// Negative disables endpointing; zero keeps Deepgram's default.
func WithEndpointing(d time.Duration) Option {
	return func(p *Provider) { p.endpointing = d }
}

// WithSmartFormat toggles Deepgram's number, date and currency formatting.
// It is on by default since caption viewers read the text directly.
func WithSmartFormat(on bool) Option {
	return func(p *Provider) { p.smartFormat = on }
}

// WithKeepAlive sets how long the stream may go without audio before a
// KeepAlive message is sent. Deepgram drops streams idle for ten seconds.
func WithKeepAlive(d time.Duration) Option {
	return func(p *Provider) { p.keepAlive = d }
}

// WithCloseTimeout bounds how long Close waits for the last finals.
func WithCloseTimeout(d time.Duration) Option {
	return func(p *Provider) { p.closeTimeout = d }
}

var _ stt.Provider = (*Provider)(nil)

// Provider opens Deepgram live transcription streams.
type Provider struct {
	apiKey       string
	endpoint     string
	model        string
	language     string
	sampleRate   int
	endpointing  time.Duration
	smartFormat  bool
	keepAlive    time.Duration
	closeTimeout time.Duration
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: api key is required")
	}
	p := &Provider{
		apiKey:       apiKey,
		endpoint:     listenEndpoint,
		model:        defaultModel,
		language:     defaultLanguage,
		sampleRate:   defaultSampleRate,
		smartFormat:  true,
		keepAlive:    defaultKeepAlive,
		closeTimeout: defaultCloseTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials Deepgram. ctx bounds the dial only; the stream lives
// until Close.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.listenURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	hdr := http.Header{}
	hdr.Set("Authorization", "Token "+p.apiKey)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &stream{
		conn:         conn,
		ctx:          sctx,
		cancel:       cancel,
		keepAlive:    p.keepAlive,
		closeTimeout: p.closeTimeout,
		audio:        make(chan []byte, 256),
		partials:     make(chan stt.Transcript, 16),
		finals:       make(chan stt.Transcript, 64),
		closing:      make(chan struct{}),
		writerDone:   make(chan struct{}),
		readerDone:   make(chan struct{}),
	}
	go s.writeLoop()
	go s.readLoop()
	return s, nil
}

// listenURL builds the streaming URL for cfg.
func (p *Provider) listenURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	rate := cfg.SampleRate
	if rate == 0 {
		rate = p.sampleRate
	}
	channels := max(cfg.Channels, 1)

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(rate))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	q.Set("smart_format", strconv.FormatBool(p.smartFormat))
	// Redaction runs on our side with the user's word list.
	q.Set("profanity_filter", "false")
	switch {
	case p.endpointing < 0:
		q.Set("endpointing", "false")
	case p.endpointing > 0:
		q.Set("endpointing", strconv.FormatInt(p.endpointing.Milliseconds(), 10))
	}

	keyterms := strings.HasPrefix(p.model, "nova-3")
	for _, kw := range cfg.Keywords {
		if kw.Keyword == "" {
			continue
		}
		if keyterms {
			q.Add("keyterm", kw.Keyword)
			continue
		}
		q.Add("keywords", kw.Keyword+":"+strconv.FormatFloat(kw.Boost, 'g', -1, 64))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// stream is one live connection. It implements stt.SessionHandle.
type stream struct {
	conn         *websocket.Conn
	ctx          context.Context
	cancel       context.CancelFunc
	keepAlive    time.Duration
	closeTimeout time.Duration

	audio    chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	closing    chan struct{}
	writerDone chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
}

var _ stt.SessionHandle = (*stream)(nil)

// SendAudio queues a PCM chunk. It blocks while the send queue is full.
func (s *stream) SendAudio(chunk []byte) error {
	select {
	case <-s.closing:
		return ErrClosed
	case <-s.writerDone:
		return ErrClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.closing:
		return ErrClosed
	case <-s.writerDone:
		return ErrClosed
	}
}

func (s *stream) Partials() <-chan stt.Transcript { return s.partials }

func (s *stream) Finals() <-chan stt.Transcript { return s.finals }

func (s *stream) SetKeywords(_ []stt.KeywordBoost) error {
	return fmt.Errorf("deepgram: set keywords: %w", stt.ErrNotSupported)
}

// Close sends the queued audio, asks Deepgram to finalize and waits up to
// the close timeout for the server to hang up. The channels are closed when
// it returns.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		deadline := time.NewTimer(s.closeTimeout)
		defer deadline.Stop()

		select {
		case <-s.writerDone:
			select {
			case <-s.readerDone:
			case <-deadline.C:
				slog.Warn("deepgram: no close from server, dropping stream")
			}
		case <-deadline.C:
			slog.Warn("deepgram: audio flush timed out")
		}
		s.cancel()
		<-s.writerDone
		<-s.readerDone
		_ = s.conn.CloseNow()
	})
	return nil
}

// writeLoop sends audio as binary messages and a KeepAlive whenever no
// audio went out for the keep-alive interval. On close it drains the queue
// and sends CloseStream.
func (s *stream) writeLoop() {
	defer close(s.writerDone)

	interval := s.keepAlive
	if interval <= 0 {
		interval = defaultKeepAlive
	}
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	lastSend := time.Now()

	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
				s.writeFailed(err)
				return
			}
			lastSend = time.Now()
		case <-tick.C:
			if time.Since(lastSend) < interval {
				continue
			}
			if err := s.conn.Write(s.ctx, websocket.MessageText, msgKeepAlive); err != nil {
				s.writeFailed(err)
				return
			}
			lastSend = time.Now()
		case <-s.closing:
			for {
				select {
				case chunk := <-s.audio:
					if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
						s.writeFailed(err)
						return
					}
				default:
					if err := s.conn.Write(s.ctx, websocket.MessageText, msgCloseStream); err != nil {
						s.writeFailed(err)
					}
					return
				}
			}
		case <-s.readerDone:
			return
		}
	}
}

func (s *stream) writeFailed(err error) {
	if s.ctx.Err() == nil {
		slog.Warn("deepgram: write failed", "err", err)
	}
}

// readLoop routes Results messages to the partials and finals channels
// until the server closes the connection or the stream is cancelled.
// Partials are dropped when nobody keeps up; finals never are.
func (s *stream) readLoop() {
	defer close(s.readerDone)
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			s.readEnded(err)
			return
		}
		tr, ok := parseResults(msg)
		if !ok || tr.Text == "" {
			continue
		}
		if !tr.IsFinal {
			select {
			case s.partials <- tr:
			default:
			}
			continue
		}
		select {
		case s.finals <- tr:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *stream) readEnded(err error) {
	if s.ctx.Err() != nil {
		return
	}
	switch status := websocket.CloseStatus(err); status {
	case websocket.StatusNormalClosure:
	case -1:
		slog.Warn("deepgram: connection lost", "err", err)
	default:
		var ce websocket.CloseError
		errors.As(err, &ce)
		slog.Warn("deepgram: stream closed by server", "status", int(status), "reason", ce.Reason)
	}
}

// results is the subset of a Deepgram "Results" message captions use.
type results struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word           string  `json:"word"`
				PunctuatedWord string  `json:"punctuated_word"`
				Start          float64 `json:"start"`
				End            float64 `json:"end"`
				Confidence     float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseResults converts a Results message into a Transcript. Other message
// types (Metadata, SpeechStarted, UtteranceEnd) and malformed input report
// false.
func parseResults(data []byte) (stt.Transcript, bool) {
	var r results
	if err := json.Unmarshal(data, &r); err != nil || r.Type != "Results" {
		return stt.Transcript{}, false
	}
	if len(r.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}

	alt := r.Channel.Alternatives[0]
	words := make([]stt.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		text := w.PunctuatedWord
		if text == "" {
			text = w.Word
		}
		words = append(words, stt.WordDetail{
			Word:       text,
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: w.Confidence,
		})
	}
	return stt.Transcript{
		Text:       strings.TrimSpace(alt.Transcript),
		IsFinal:    r.IsFinal,
		Confidence: alt.Confidence,
		Words:      words,
		Timestamp:  seconds(r.Start),
		Duration:   seconds(r.Duration),
	}, true
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
