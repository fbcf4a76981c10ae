package audio_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/captionist/pkg/audio"
)

func samplesOf(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
	}
	return out
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct{ in, want []int16 }{
		{in: []int16{100, 200, -100, -200}, want: []int16{150, -150}},
		{in: []int16{32767, 32767}, want: []int16{32767}},
		{in: []int16{-32768, -32768}, want: []int16{-32768}},
	} {
		if got := samplesOf(audio.StereoToMono(audio.Int16ToPCM(tt.in))); !slices.Equal(got, tt.want) {
			t.Errorf("StereoToMono(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      []int16
		src     int
		dst     int
		wantLen int
	}{
		{name: "same rate", in: []int16{100, 200, 300}, src: 16000, dst: 16000, wantLen: 3},
		{name: "upsample", in: []int16{1000, 2000}, src: 16000, dst: 48000, wantLen: 6},
		{name: "downsample", in: []int16{100, 200, 300, 400, 500, 600}, src: 48000, dst: 16000, wantLen: 2},
		{name: "zero src rate", in: []int16{100, 200}, src: 0, dst: 16000, wantLen: 2},
		{name: "negative dst rate", in: []int16{100, 200}, src: 48000, dst: -1, wantLen: 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := samplesOf(audio.ResampleMono16(audio.Int16ToPCM(tc.in), tc.src, tc.dst))
			if len(got) != tc.wantLen {
				t.Fatalf("got %d samples, want %d", len(got), tc.wantLen)
			}
			if got[0] != tc.in[0] {
				t.Errorf("first sample: got %d, want %d", got[0], tc.in[0])
			}
		})
	}
}

func TestResample16_KeepsChannelsApart(t *testing.T) {
	t.Parallel()
	// Two stereo frames at 16 kHz become six at 48 kHz; left stays positive,
	// right stays negative throughout.
	out := samplesOf(audio.Resample16(audio.Int16ToPCM([]int16{100, -100, 400, -400}), 2, 16000, 48000))
	if len(out) != 12 {
		t.Fatalf("got %d samples, want 12", len(out))
	}
	for i := 0; i < len(out); i += 2 {
		if out[i] < 100 || out[i+1] > -100 {
			t.Fatalf("frame %d = (%d, %d), channels mixed", i/2, out[i], out[i+1])
		}
	}
	if out[2] != 200 || out[3] != -200 {
		t.Errorf("interpolated frame = (%d, %d), want (200, -200)", out[2], out[3])
	}
}

func TestDownmix(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		in       []int16
		channels int
		want     []int16
	}{
		{name: "mono unchanged", in: []int16{5, 6}, channels: 1, want: []int16{5, 6}},
		{name: "four channels", in: []int16{100, 200, 300, 400, -4, -4, -4, -4}, channels: 4, want: []int16{250, -4}},
		{name: "partial frame ignored", in: []int16{10, 20, 30}, channels: 2, want: []int16{15}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := samplesOf(audio.Downmix(audio.Int16ToPCM(tc.in), tc.channels)); !slices.Equal(got, tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFormatConverter_NoOp(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	frame := audio.AudioFrame{
		Seq:        7,
		Data:       audio.Int16ToPCM([]int16{100, 200}),
		SampleRate: 16000,
		Channels:   1,
	}
	result := conv.Convert(frame)
	if &result.Data[0] != &frame.Data[0] {
		t.Error("frame in target format was copied")
	}
	if result.Seq != 7 {
		t.Errorf("Seq: got %d, want 7", result.Seq)
	}
}

func TestFormatConverter_CaptureToRecognizer(t *testing.T) {
	t.Parallel()
	// 48 kHz stereo sound card → 16 kHz mono recognizer input.
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	samples := make([]int16, 960*2)
	for i := range samples {
		samples[i] = 1000
	}
	result := conv.Convert(audio.AudioFrame{
		Seq:        3,
		Data:       audio.Int16ToPCM(samples),
		SampleRate: 48000,
		Channels:   2,
	})
	if result.SampleRate != 16000 || result.Channels != 1 {
		t.Fatalf("unexpected format: %dHz %dch", result.SampleRate, result.Channels)
	}
	got := samplesOf(result.Data)
	if len(got) != 320 {
		t.Fatalf("got %d samples, want 320", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	if result.Seq != 3 {
		t.Errorf("Seq: got %d, want 3", result.Seq)
	}
}

func TestFormatConverter_OddByteCount(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	result := conv.Convert(audio.AudioFrame{
		Data:       []byte{1, 2, 3},
		SampleRate: 16000,
		Channels:   1,
	})
	if len(result.Data) != 0 {
		t.Errorf("odd-length frame kept %d bytes", len(result.Data))
	}
	if result.SampleRate != 16000 || result.Channels != 1 {
		t.Errorf("dropped frame should carry target format, got %dHz %dch", result.SampleRate, result.Channels)
	}
}

func TestFormatConverter_MisalignedStereo(t *testing.T) {
	t.Parallel()
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	result := conv.Convert(audio.AudioFrame{
		Seq:        9,
		Data:       audio.Int16ToPCM([]int16{1, 2, 3}),
		SampleRate: 48000,
		Channels:   2,
	})
	if result.Data != nil || result.Seq != 9 {
		t.Errorf("misaligned stereo frame not dropped: %+v", result)
	}
}

func TestFormat_String(t *testing.T) {
	t.Parallel()
	for f, want := range map[audio.Format]string{
		{SampleRate: 16000, Channels: 1}: "16000Hz mono",
		{SampleRate: 48000, Channels: 2}: "48000Hz stereo",
		{SampleRate: 44100, Channels: 6}: "44100Hz 6ch",
	} {
		if got := f.String(); got != want {
			t.Errorf("%#v.String() = %q, want %q", f, got, want)
		}
	}
}

func TestRMS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []int16
		want float64
	}{
		{name: "empty", in: nil, want: 0},
		{name: "silence", in: []int16{0, 0, 0}, want: 0},
		{name: "constant", in: []int16{300, -300, 300, -300}, want: 300},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := audio.RMS(audio.Int16ToPCM(tc.in)); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestPCMToFloat32Mono(t *testing.T) {
	t.Parallel()
	got := audio.PCMToFloat32Mono(audio.Int16ToPCM([]int16{16384, -16384, 16384, 16384}), 2)
	if want := []float32{0, 0.5}; !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestAudioFrame_Duration(t *testing.T) {
	t.Parallel()
	f := audio.AudioFrame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1}
	if got := f.Duration().Milliseconds(); got != 20 {
		t.Errorf("got %dms, want 20ms", got)
	}
}
