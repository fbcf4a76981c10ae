package recognize_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/captionist/internal/recognize"
	"github.com/MrWong99/captionist/internal/vocab"
	"github.com/MrWong99/captionist/pkg/audio"
	"github.com/MrWong99/captionist/pkg/provider/stt"
	sttmock "github.com/MrWong99/captionist/pkg/provider/stt/mock"
)

func next(t *testing.T, a *recognize.Adapter) recognize.Event {
	t.Helper()
	select {
	case ev, ok := <-a.Events():
		if !ok {
			t.Fatal("events closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return recognize.Event{}
}

func waitClosed(t *testing.T, a *recognize.Adapter) []recognize.Event {
	t.Helper()
	var got []recognize.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-a.Events():
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events to close")
		}
	}
}

func newAdapter(t *testing.T, p stt.Provider, opts ...recognize.Option) *recognize.Adapter {
	t.Helper()
	a, err := recognize.New(context.Background(), p, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Abort(nil) })
	return a
}

func TestAdapter_ForwardsEvents(t *testing.T) {
	t.Parallel()
	sess := sttmock.NewSession(8)
	a := newAdapter(t, &sttmock.Provider{Session: sess})

	if a.EngineState() != recognize.EngineLive || a.Cause() != nil {
		t.Fatalf("state = %v, cause = %v", a.EngineState(), a.Cause())
	}

	sess.PartialsCh <- stt.Transcript{Text: "hel"}
	if ev := next(t, a); ev.Kind != recognize.Partial || ev.Text != "hel" {
		t.Fatalf("got %+v", ev)
	}

	sess.FinalsCh <- stt.Transcript{Text: "   "}
	sess.FinalsCh <- stt.Transcript{Text: " hello world ", Timestamp: time.Second, Duration: 2 * time.Second, Confidence: 0.8}
	ev := next(t, a)
	if ev.Kind != recognize.Final || ev.Text != "hello world" {
		t.Fatalf("got %+v", ev)
	}
	if ev.Start != time.Second || ev.End != 3*time.Second || ev.Confidence != 0.8 {
		t.Errorf("timing: %+v", ev)
	}
	if ev.Received.IsZero() {
		t.Error("Received not stamped")
	}
}

func TestAdapter_FeedSendsFrameData(t *testing.T) {
	t.Parallel()
	sess := sttmock.NewSession(8)
	a := newAdapter(t, &sttmock.Provider{Session: sess})

	if err := a.Feed(audio.AudioFrame{Seq: 1, Data: []byte{1, 2, 3, 4}}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if sess.SendAudioCallCount() != 1 {
		t.Fatalf("SendAudio calls = %d, want 1", sess.SendAudioCallCount())
	}

	sess.SendAudioErr = errors.New("broken pipe")
	if err := a.Feed(audio.AudioFrame{Seq: 2, Data: []byte{1}}); err == nil {
		t.Fatal("expected error from failing engine")
	}
}

func TestAdapter_BiasAppliedAtNextFinal(t *testing.T) {
	t.Parallel()
	sess := sttmock.NewSession(8)
	prov := &sttmock.Provider{Session: sess}
	a := newAdapter(t, prov, recognize.WithBias([]vocab.Entry{{Word: "Kubernetes"}}))

	if kws := prov.StartStreamCalls[0].Cfg.Keywords; len(kws) != 1 || kws[0].Keyword != "Kubernetes" {
		t.Fatalf("initial keywords = %+v", kws)
	}

	if err := a.SetVocabularyBias([]vocab.Entry{{Word: "etcd"}, {Word: "Grok"}}); err != nil {
		t.Fatalf("SetVocabularyBias: %v", err)
	}

	// A partial is not a decode boundary.
	sess.PartialsCh <- stt.Transcript{Text: "et"}
	next(t, a)
	if got := sess.LastKeywords(); got != nil {
		t.Fatalf("keywords applied before final: %+v", got)
	}

	sess.FinalsCh <- stt.Transcript{Text: "etcd is up"}
	next(t, a)

	deadline := time.Now().Add(2 * time.Second)
	for sess.LastKeywords() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := sess.LastKeywords()
	if len(got) != 2 || got[0].Keyword != "etcd" || got[1].Keyword != "Grok" {
		t.Fatalf("applied keywords = %+v", got)
	}
}

func TestAdapter_BiasRestartsUnsupportedEngine(t *testing.T) {
	t.Parallel()
	first := sttmock.NewSession(8)
	first.SetKeywordsErr = stt.ErrNotSupported
	second := sttmock.NewSession(8)
	prov := &sttmock.Provider{Sessions: []stt.SessionHandle{first, second}}
	a := newAdapter(t, prov)

	_ = a.SetVocabularyBias([]vocab.Entry{{Word: "Eldrinax"}})
	first.FinalsCh <- stt.Transcript{Text: "before"}
	if ev := next(t, a); ev.Text != "before" {
		t.Fatalf("got %+v", ev)
	}

	deadline := time.Now().Add(2 * time.Second)
	for prov.StartStreamCallCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if prov.StartStreamCallCount() != 2 {
		t.Fatalf("StartStream calls = %d, want 2", prov.StartStreamCallCount())
	}
	if kws := prov.StartStreamCalls[1].Cfg.Keywords; len(kws) != 1 || kws[0].Keyword != "Eldrinax" {
		t.Fatalf("reopen keywords = %+v", kws)
	}
	for first.CloseCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if first.CloseCount() == 0 {
		t.Fatal("old stream not closed")
	}

	second.FinalsCh <- stt.Transcript{Text: "after"}
	if ev := next(t, a); ev.Text != "after" {
		t.Fatalf("got %+v", ev)
	}
	if err := a.Feed(audio.AudioFrame{Data: []byte{0, 0}}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if second.SendAudioCallCount() != 1 {
		t.Errorf("feed went to old stream")
	}
}

func TestAdapter_DemoFallback(t *testing.T) {
	t.Parallel()
	cause := errors.New("model file missing")
	demoSess := sttmock.NewSession(1)
	a := newAdapter(t, &sttmock.Provider{StartStreamErr: cause},
		recognize.WithEngineName("whisper"),
		recognize.WithDemo(&sttmock.Provider{Session: demoSess}),
	)

	if a.EngineState() != recognize.EngineDemo {
		t.Fatalf("state = %v, want demo", a.EngineState())
	}
	var ue *recognize.EngineUnavailableError
	if !errors.As(a.Cause(), &ue) || ue.Engine != "whisper" || !errors.Is(ue, cause) {
		t.Fatalf("cause = %v", a.Cause())
	}

	demoSess.FinalsCh <- stt.Transcript{Text: "[DEMO] audio captured @ 00:00:01,000"}
	if ev := next(t, a); ev.Kind != recognize.Final {
		t.Fatalf("got %+v", ev)
	}
}

func TestAdapter_NilEngineUsesDemo(t *testing.T) {
	t.Parallel()
	a := newAdapter(t, nil, recognize.WithDemo(&sttmock.Provider{}))
	if a.EngineState() != recognize.EngineDemo || !errors.Is(a.Cause(), recognize.ErrNoEngine) {
		t.Fatalf("state = %v, cause = %v", a.EngineState(), a.Cause())
	}
}

func TestAdapter_NewFailsWhenDemoFails(t *testing.T) {
	t.Parallel()
	_, err := recognize.New(context.Background(),
		&sttmock.Provider{StartStreamErr: errors.New("a")},
		recognize.WithDemo(&sttmock.Provider{StartStreamErr: errors.New("b")}),
	)
	if err == nil {
		t.Fatal("expected error")
	}
	var ue *recognize.EngineUnavailableError
	if !errors.As(err, &ue) {
		t.Errorf("err = %v, want EngineUnavailableError in chain", err)
	}
}

func TestAdapter_StopFlushesAndCloses(t *testing.T) {
	t.Parallel()
	sess := sttmock.NewSession(8)
	a := newAdapter(t, &sttmock.Provider{Session: sess})

	sess.FinalsCh <- stt.Transcript{Text: "last words"}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	got := waitClosed(t, a)
	if len(got) != 1 || got[0].Text != "last words" {
		t.Fatalf("events after stop = %+v", got)
	}
	if a.Err() != nil {
		t.Errorf("Err() = %v after clean stop", a.Err())
	}
	if sess.CloseCount() != 1 {
		t.Errorf("engine closed %d times", sess.CloseCount())
	}

	if err := a.Stop(context.Background()); !errors.Is(err, recognize.ErrStopped) {
		t.Errorf("second Stop: %v", err)
	}
	if err := a.Feed(audio.AudioFrame{}); !errors.Is(err, recognize.ErrStopped) {
		t.Errorf("Feed after stop: %v", err)
	}
	if err := a.SetVocabularyBias(nil); !errors.Is(err, recognize.ErrStopped) {
		t.Errorf("SetVocabularyBias after stop: %v", err)
	}
}

// stuckSession never finishes closing until released.
type stuckSession struct {
	*sttmock.Session
	release chan struct{}
}

func (s *stuckSession) Close() error {
	<-s.release
	return s.Session.Close()
}

func TestAdapter_StopHonoursContext(t *testing.T) {
	t.Parallel()
	sess := &stuckSession{Session: sttmock.NewSession(1), release: make(chan struct{})}
	defer close(sess.release)
	a := newAdapter(t, &sttmock.Provider{Session: sess})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := a.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop: %v, want deadline exceeded", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("adapter not done after timed-out stop")
	}
	if !errors.Is(a.Err(), context.DeadlineExceeded) {
		t.Errorf("Err() = %v", a.Err())
	}
}

func TestAdapter_AbortDoesNotFlush(t *testing.T) {
	t.Parallel()
	sess := sttmock.NewSession(8)
	a := newAdapter(t, &sttmock.Provider{Session: sess})

	unplugged := errors.New("device unplugged")
	a.Abort(unplugged)
	waitClosed(t, a)
	if !errors.Is(a.Err(), unplugged) {
		t.Fatalf("Err() = %v", a.Err())
	}
	if err := a.Feed(audio.AudioFrame{}); !errors.Is(err, recognize.ErrStopped) {
		t.Errorf("Feed after abort: %v", err)
	}
}

func TestAdapter_EngineEndsStream(t *testing.T) {
	t.Parallel()
	sess := sttmock.NewSession(1)
	a := newAdapter(t, &sttmock.Provider{Session: sess})

	_ = sess.Close()
	waitClosed(t, a)
	if a.Err() == nil {
		t.Fatal("expected Err() after engine ended the stream")
	}
}

func TestEnumStrings(t *testing.T) {
	t.Parallel()
	if recognize.Partial.String() != "partial" || recognize.Final.String() != "final" {
		t.Error("EventKind strings")
	}
	if recognize.EngineLive.String() != "live" || recognize.EngineDemo.String() != "demo" {
		t.Error("EngineState strings")
	}
}
