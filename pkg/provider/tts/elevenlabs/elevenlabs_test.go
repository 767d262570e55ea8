package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/tts"
)

// fakeStream is a stream-input server that records the client's messages and
// answers with the configured frames.
type fakeStream struct {
	mu       sync.Mutex
	path     string
	query    url.Values
	received []map[string]any
	frames   []audioResponse
}

func (f *fakeStream) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.CloseNow()

		f.mu.Lock()
		f.path = r.URL.Path
		f.query = r.URL.Query()
		f.mu.Unlock()

		ctx := r.Context()
		for range 3 {
			_, msg, err := c.Read(ctx)
			if err != nil {
				return
			}
			var m map[string]any
			_ = json.Unmarshal(msg, &m)
			f.mu.Lock()
			f.received = append(f.received, m)
			f.mu.Unlock()
		}
		for _, fr := range f.frames {
			b, _ := json.Marshal(fr)
			if err := c.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
		}
		// Wait for the client to hang up.
		_, _, _ = c.Read(ctx)
	}
}

func newFake(t *testing.T, frames ...audioResponse) (*fakeStream, *httptest.Server) {
	t.Helper()
	f := &fakeStream{frames: frames}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return f, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func TestNew(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New("key", WithVoice("")); err == nil {
		t.Error("expected error for empty voice")
	}
	if _, err := New("key", WithOutputFormat("ulaw")); err == nil {
		t.Error("expected error for malformed output format")
	}
	if _, err := New("key", WithOutputFormat("opus_48000_64")); err == nil {
		t.Error("expected error for unsupported container")
	}
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel || p.outputFormat != defaultOutputFmt {
		t.Errorf("defaults not applied: %+v", p)
	}
}

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in       string
		wantFmt  string
		wantRate int
	}{
		{"pcm_16000", tts.FormatWAV, 16000},
		{"pcm_24000", tts.FormatWAV, 24000},
		{"mp3_44100_128", tts.FormatMP3, 44100},
	}
	for _, tc := range tests {
		format, rate, err := parseOutputFormat(tc.in)
		if err != nil {
			t.Errorf("parseOutputFormat(%q): %v", tc.in, err)
			continue
		}
		if format != tc.wantFmt || rate != tc.wantRate {
			t.Errorf("parseOutputFormat(%q) = %q/%d, want %q/%d", tc.in, format, rate, tc.wantFmt, tc.wantRate)
		}
	}
}

func TestStreamURL(t *testing.T) {
	p, _ := New("key", WithVoice("voice-1"), WithModel("eleven_turbo_v2"))
	u, err := url.Parse(p.streamURL())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Scheme != "wss" || u.Host != "api.elevenlabs.io" {
		t.Errorf("unexpected base %s://%s", u.Scheme, u.Host)
	}
	if u.Path != "/v1/text-to-speech/voice-1/stream-input" {
		t.Errorf("path = %q", u.Path)
	}
	if got := u.Query().Get("model_id"); got != "eleven_turbo_v2" {
		t.Errorf("model_id = %q", got)
	}
	if got := u.Query().Get("output_format"); got != "pcm_16000" {
		t.Errorf("output_format = %q", got)
	}
}

func TestSynthesize_PCMIsWrappedAsWAV(t *testing.T) {
	pcm1 := []byte{1, 0, 2, 0}
	pcm2 := []byte{3, 0, 4, 0}
	f, srv := newFake(t,
		audioResponse{Audio: b64(pcm1)},
		audioResponse{Audio: b64(pcm2)},
		audioResponse{IsFinal: true},
	)

	p, _ := New("secret", WithEndpoint(wsURL(srv)), WithVoice("v1"))
	out, err := p.Synthesize(context.Background(), "Hello there.")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if out.Format != tts.FormatWAV {
		t.Errorf("format = %q, want wav", out.Format)
	}
	wav, err := audio.DecodeWAV(out.Data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if wav.SampleRate != 16000 || wav.Channels != 1 {
		t.Errorf("format = %d/%d, want 16000/1", wav.SampleRate, wav.Channels)
	}
	if string(wav.PCM) != string(append(pcm1, pcm2...)) {
		t.Errorf("pcm = %v", wav.PCM)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.path != "/v1/text-to-speech/v1/stream-input" {
		t.Errorf("path = %q", f.path)
	}
	if len(f.received) != 3 {
		t.Fatalf("server received %d messages, want 3", len(f.received))
	}
	if f.received[0]["xi_api_key"] != "secret" {
		t.Errorf("BOI message missing api key: %v", f.received[0])
	}
	if f.received[1]["text"] != "Hello there. " {
		t.Errorf("text message = %v", f.received[1])
	}
	if f.received[2]["text"] != "" {
		t.Errorf("flush message = %v", f.received[2])
	}
}

func TestSynthesize_MP3IsReturnedRaw(t *testing.T) {
	mp3 := []byte("ID3fake-mp3-bytes")
	_, srv := newFake(t, audioResponse{Audio: b64(mp3), IsFinal: true})

	p, _ := New("k", WithEndpoint(wsURL(srv)), WithOutputFormat("mp3_44100_128"))
	out, err := p.Synthesize(context.Background(), "Hi")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if out.Format != tts.FormatMP3 || string(out.Data) != string(mp3) {
		t.Errorf("got %q/%q", out.Format, out.Data)
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	_, srv := newFake(t, audioResponse{Error: "invalid_api_key"})

	p, _ := New("bad", WithEndpoint(wsURL(srv)))
	_, err := p.Synthesize(context.Background(), "Hi")
	if err == nil || !strings.Contains(err.Error(), "invalid_api_key") {
		t.Errorf("err = %v, want server error", err)
	}
}

func TestSynthesize_NoAudio(t *testing.T) {
	_, srv := newFake(t, audioResponse{IsFinal: true})

	p, _ := New("k", WithEndpoint(wsURL(srv)))
	if _, err := p.Synthesize(context.Background(), "Hi"); err == nil {
		t.Error("expected error for empty stream")
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	p, _ := New("k")
	if _, err := p.Synthesize(context.Background(), " \t"); !errors.Is(err, tts.ErrEmptyText) {
		t.Errorf("err = %v, want ErrEmptyText", err)
	}
}
