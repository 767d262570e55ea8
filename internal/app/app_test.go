package app_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/murmur/internal/app"
	"github.com/MrWong99/murmur/internal/archive"
	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/session"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/llm"
	llmmock "github.com/MrWong99/murmur/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/murmur/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/murmur/pkg/provider/tts/mock"
)

var wav = audio.EncodeWAV(make([]byte, 320), 16000, 1)

// testConfig returns a defaulted config rooted in temporary directories.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Audio.TempDir = t.TempDir()
	cfg.Archive.Dir = t.TempDir()
	return cfg
}

// testProviders returns mock providers that answer every turn with "Hi!".
func testProviders(transcript string) *app.Providers {
	return &app.Providers{
		STT: &sttmock.Provider{Text: transcript},
		LLM: &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Hi!"}},
		TTS: &ttsmock.Provider{},
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, providers *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func writeRecording(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "take.wav")
	if err := os.WriteFile(path, wav, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// failingArchive rejects every save.
type failingArchive struct{}

func (failingArchive) Save(context.Context, string, []byte) error {
	return errors.New("disk full")
}
func (failingArchive) Load(context.Context, string) ([]byte, error) { return nil, archive.ErrNotFound }
func (failingArchive) Ping(context.Context) error                   { return nil }
func (failingArchive) Close() error                                 { return nil }

// ── New ──────────────────────────────────────────────────────────────────────

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	_, err := app.New(context.Background(), testConfig(t), &app.Providers{STT: &sttmock.Provider{}})
	if err == nil {
		t.Fatal("expected error for missing providers")
	}
}

func TestNew_SweepsStaleAssets(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	stale := filepath.Join(cfg.Audio.TempDir, "upload_0123456789abcdef0123456789abcdef.wav")
	keep := filepath.Join(cfg.Audio.TempDir, "notes.txt")
	for _, p := range []string{stale, keep} {
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	newApp(t, cfg, testProviders("hello"))

	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stale asset survived startup: %v", err)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Errorf("unrelated file removed: %v", err)
	}
}

func TestOpenArchive(t *testing.T) {
	t.Parallel()

	store, err := app.OpenArchive(context.Background(), config.ArchiveConfig{Backend: config.ArchiveFile, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("file backend: %v", err)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}

	if _, err := app.OpenArchive(context.Background(), config.ArchiveConfig{Backend: "s3"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}

// ── HTTP + reset ─────────────────────────────────────────────────────────────

func TestApp_ChatThenReset(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	a := newApp(t, cfg, testProviders("hello"))
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("audio", "take.wav")
	_, _ = fw.Write(wav)
	_ = mw.Close()

	resp, err := http.Post(srv.URL+"/chat", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /chat = %d, want 200", resp.StatusCode)
	}

	oldID := a.Session().ID()
	newID, err := a.ResetSession(context.Background())
	if err != nil {
		t.Fatalf("ResetSession: %v", err)
	}
	if newID == oldID || a.Session().ID() != newID {
		t.Errorf("session id = %q after reset (old %q, returned %q)", a.Session().ID(), oldID, newID)
	}

	raw, err := os.ReadFile(filepath.Join(cfg.Archive.Dir, archive.FileName(oldID)))
	if err != nil {
		t.Fatalf("archived export missing: %v", err)
	}
	doc, err := session.ParseJSON(raw)
	if err != nil {
		t.Fatalf("ParseJSON: %v", err)
	}
	if len(doc.Turns) != 1 || doc.Turns[0].User != "hello" || doc.Turns[0].Assistant != "Hi!" {
		t.Errorf("archived turns = %+v", doc.Turns)
	}

	entries, _ := os.ReadDir(cfg.Audio.TempDir)
	if len(entries) != 0 {
		t.Errorf("reset left %d assets behind", len(entries))
	}
	if n := len(a.Session().Messages()); n != 1 {
		t.Errorf("conversation has %d messages after reset, want 1", n)
	}

	// The archived session stays exportable after the reset.
	resp, err = http.Get(srv.URL + "/export?format=csv&session_id=" + oldID)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	csv, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(csv), ",hello,Hi!,") {
		t.Errorf("GET /export?session_id=%s = %d %q", oldID, resp.StatusCode, csv)
	}
}

func TestApp_ResetKeepsInFlightUploads(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	a := newApp(t, cfg, testProviders("hello"))

	upload := filepath.Join(cfg.Audio.TempDir, "upload_0123456789abcdef0123456789abcdef.wav")
	reply := filepath.Join(cfg.Audio.TempDir, "tts_0123456789abcdef0123456789abcdef.wav")
	for _, p := range []string{upload, reply} {
		if err := os.WriteFile(p, wav, 0o600); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := a.ResetSession(context.Background()); err != nil {
		t.Fatalf("ResetSession: %v", err)
	}
	if _, err := os.Stat(upload); err != nil {
		t.Errorf("upload of a turn in flight was swept: %v", err)
	}
	if _, err := os.Stat(reply); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("reply survived reset: %v", err)
	}
}

func TestApp_ResetArchiveFailureKeepsSession(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(t), testProviders("hello"), app.WithArchive(failingArchive{}))

	_ = a.Session().WithLock(func(conv *session.Conversation, log *session.Log) error {
		conv.AddUser("hello")
		conv.AddAssistant("Hi!")
		log.LogTurn("hello", "Hi!", 10, llm.Usage{})
		return nil
	})
	oldID := a.Session().ID()

	if _, err := a.ResetSession(context.Background()); err == nil {
		t.Fatal("expected archive error")
	}
	if a.Session().ID() != oldID {
		t.Error("session id changed despite archive failure")
	}
	if a.Session().Analytics().TotalTurns != 1 {
		t.Error("turns lost despite archive failure")
	}
}

// ── Run / console ────────────────────────────────────────────────────────────

func TestApp_ServeStopsOnCancel(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(t), testProviders("hello"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

// TestApp_ServeDrainsTurnOnCancel cancels Serve while a turn waits on the
// reply backend. The turn must still answer and commit both messages.
func TestApp_ServeDrainsTurnOnCancel(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	providers := testProviders("hello")
	providers.LLM = &llmmock.Provider{
		CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			close(started)
			select {
			case <-time.After(500 * time.Millisecond):
				return &llm.CompletionResponse{Content: "Hi!"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	a := newApp(t, testConfig(t), providers)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("audio", "take.wav")
	_, _ = fw.Write(wav)
	_ = mw.Close()

	status := make(chan int, 1)
	go func() {
		resp, err := http.Post("http://"+ln.Addr().String()+"/chat", mw.FormDataContentType(), &body)
		if err != nil {
			status <- 0
			return
		}
		resp.Body.Close()
		status <- resp.StatusCode
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never reached the reply backend")
	}
	cancel()

	if got := <-status; got != http.StatusOK {
		t.Errorf("POST /chat during shutdown = %d, want 200", got)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve() = %v, want nil", err)
	}
	msgs := a.Session().Messages()
	if len(msgs) != 3 || msgs[1].Content != "hello" || msgs[2].Content != "Hi!" {
		t.Errorf("messages = %+v, want system, user, assistant", msgs)
	}
}

func TestApp_ConsoleLoop(t *testing.T) {
	t.Parallel()
	rec := writeRecording(t)

	var calls atomic.Int32
	transcripts := []string{"hello there", "", "okay, goodbye!"}
	providers := testProviders("")
	providers.STT = &sttmock.Provider{TranscribeFunc: func(context.Context, string) (string, error) {
		return transcripts[calls.Add(1)-1], nil
	}}

	in := strings.NewReader(strings.Join([]string{rec, "", "/does/not/exist.wav", rec, rec, rec}, "\n"))
	var out bytes.Buffer
	a := newApp(t, testConfig(t), providers, app.WithConsole(in, &out))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- a.Serve(context.Background(), ln) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("console loop did not end after the exit phrase")
	}

	got := out.String()
	for _, want := range []string{
		"You: hello there",
		"Assistant: Hi!",
		"Audio: ",
		"Cannot read recording",
		"No speech detected",
		"Assistant: Goodbye!",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("console output missing %q:\n%s", want, got)
		}
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("transcriptions = %d, want 3 (the last line is never read)", n)
	}
	if turns := a.Session().Analytics().TotalTurns; turns != 1 {
		t.Errorf("turns = %d, want 1 (the exit phrase is not a turn)", turns)
	}
}

func TestIsExitPhrase(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		want bool
	}{
		{"Goodbye", true},
		{"okay, I want to QUIT now", true},
		{"please stop", true},
		{"exit", true},
		{"bye bye", true},
		{"hello there", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := app.IsExitPhrase(tt.text); got != tt.want {
			t.Errorf("IsExitPhrase(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

// ── Shutdown ─────────────────────────────────────────────────────────────────

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	a := newApp(t, cfg, testProviders("hello"))

	leftover := filepath.Join(cfg.Audio.TempDir, "tts_0123456789abcdef0123456789abcdef.wav")
	if err := os.WriteFile(leftover, wav, 0o600); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if _, err := os.Stat(leftover); !errors.Is(err, os.ErrNotExist) {
		t.Error("shutdown did not sweep transient assets")
	}
	// Second call is a no-op.
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}
