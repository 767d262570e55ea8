package backend

import (
	"context"
	"errors"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/resilience"
	"github.com/MrWong99/murmur/pkg/provider/llm"
	llmmock "github.com/MrWong99/murmur/pkg/provider/llm/mock"
	"github.com/MrWong99/murmur/pkg/provider/stt"
	sttmock "github.com/MrWong99/murmur/pkg/provider/stt/mock"
	"github.com/MrWong99/murmur/pkg/types"
)

func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counterTotal sums every data point of the named int64 counter.
func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

var history = []types.Message{
	{Role: types.RoleSystem, Content: "be brief"},
	{Role: types.RoleUser, Content: "hello"},
}

// ── New ──────────────────────────────────────────────────────────────────────

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	if _, err := New(nil, &llmmock.Provider{}); err == nil {
		t.Error("expected error for nil stt provider")
	}
	if _, err := New(&sttmock.Provider{}, nil); err == nil {
		t.Error("expected error for nil llm provider")
	}
}

// ── Reply ────────────────────────────────────────────────────────────────────

func TestReply_Variants(t *testing.T) {
	t.Parallel()

	reported := llm.Usage{PromptTokens: 12, CompletionTokens: 8, TotalTokens: 20}
	tests := []struct {
		name      string
		mode      config.Mode
		wantUsage llm.Usage
	}{
		{"local zeroes usage", config.ModeLocal, llm.Usage{}},
		{"cloud copies usage", config.ModeCloud, reported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, reader := testMetrics(t)
			p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
				Content: "  Hi there!\n",
				Usage:   reported,
			}}
			s, err := New(&sttmock.Provider{}, p, WithMode(tt.mode), WithMetrics(m))
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			text, usage, err := s.Reply(context.Background(), history)
			if err != nil {
				t.Fatalf("Reply: %v", err)
			}
			if text != "Hi there!" {
				t.Errorf("text = %q, want %q", text, "Hi there!")
			}
			if usage != tt.wantUsage {
				t.Errorf("usage = %+v, want %+v", usage, tt.wantUsage)
			}
			if got := counterTotal(t, reader, "murmur.tokens"); got != int64(tt.wantUsage.PromptTokens+tt.wantUsage.CompletionTokens) {
				t.Errorf("tokens counter = %d, want %d", got, tt.wantUsage.PromptTokens+tt.wantUsage.CompletionTokens)
			}
		})
	}
}

func TestReply_SendsSamplingAndMessages(t *testing.T) {
	t.Parallel()
	m, _ := testMetrics(t)
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
	s, _ := New(&sttmock.Provider{}, p, WithSampling(0.3, 120), WithMetrics(m))

	if _, _, err := s.Reply(context.Background(), history); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	req := p.CompleteCalls[0].Req
	if req.Temperature != 0.3 || req.MaxTokens != 120 {
		t.Errorf("sampling = (%v, %d), want (0.3, 120)", req.Temperature, req.MaxTokens)
	}
	if len(req.Messages) != len(history) || req.Messages[0].Role != types.RoleSystem {
		t.Errorf("messages = %+v, want %+v", req.Messages, history)
	}
}

func TestReply_DefaultSampling(t *testing.T) {
	t.Parallel()
	m, _ := testMetrics(t)
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
	s, _ := New(&sttmock.Provider{}, p, WithSampling(0, 0), WithMetrics(m))

	_, _, _ = s.Reply(context.Background(), history)
	req := p.CompleteCalls[0].Req
	if req.Temperature != DefaultTemperature || req.MaxTokens != DefaultMaxTokens {
		t.Errorf("sampling = (%v, %d), want defaults", req.Temperature, req.MaxTokens)
	}
}

func TestReply_Failures(t *testing.T) {
	t.Parallel()
	boom := errors.New("connection refused")

	tests := []struct {
		name    string
		resp    *llm.CompletionResponse
		err     error
		wantErr error
	}{
		{"provider error", nil, boom, boom},
		{"nil response", nil, nil, llm.ErrEmptyResponse},
		{"blank content", &llm.CompletionResponse{Content: " \n"}, nil, llm.ErrEmptyResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, reader := testMetrics(t)
			p := &llmmock.Provider{CompleteResponse: tt.resp, CompleteErr: tt.err}
			s, _ := New(&sttmock.Provider{}, p, WithMetrics(m))

			text, _, err := s.Reply(context.Background(), history)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if text != "" {
				t.Errorf("text = %q, want empty", text)
			}
			if got := counterTotal(t, reader, "murmur.provider.errors"); got != 1 {
				t.Errorf("provider errors = %d, want 1", got)
			}
		})
	}
}

func TestReply_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	t.Parallel()
	m, reader := testMetrics(t)
	p := &llmmock.Provider{CompleteErr: errors.New("503")}
	s, _ := New(&sttmock.Provider{}, p, WithBreaker(2, 0), WithMetrics(m))

	for range 2 {
		_, _, _ = s.Reply(context.Background(), history)
	}
	_, _, err := s.Reply(context.Background(), history)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if p.CallCount() != 2 {
		t.Errorf("provider calls = %d, want 2 (no call while open)", p.CallCount())
	}
	if got := counterTotal(t, reader, "murmur.breaker.transitions"); got != 1 {
		t.Errorf("breaker transitions = %d, want 1", got)
	}
}

// ── Transcribe ───────────────────────────────────────────────────────────────

func TestTranscribe(t *testing.T) {
	t.Parallel()
	m, reader := testMetrics(t)
	p := &sttmock.Provider{Text: "hello there"}
	s, _ := New(p, &llmmock.Provider{}, WithNames("whisper-native", "ollama"), WithMetrics(m))

	text, err := s.Transcribe(context.Background(), "/tmp/upload_x.wav")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello there" {
		t.Errorf("text = %q", text)
	}
	if p.Calls[0].AudioPath != "/tmp/upload_x.wav" {
		t.Errorf("path = %q", p.Calls[0].AudioPath)
	}
	if got := counterTotal(t, reader, "murmur.provider.requests"); got != 1 {
		t.Errorf("provider requests = %d, want 1", got)
	}
}

func TestTranscribe_EmptyIsNotAnError(t *testing.T) {
	t.Parallel()
	m, _ := testMetrics(t)
	s, _ := New(&sttmock.Provider{}, &llmmock.Provider{}, WithMetrics(m))

	text, err := s.Transcribe(context.Background(), "a.wav")
	if err != nil || text != "" {
		t.Errorf("Transcribe = (%q, %v), want empty and nil", text, err)
	}
}

func TestTranscribe_ErrorsStayMatchable(t *testing.T) {
	t.Parallel()
	for _, sentinel := range []error{stt.ErrAuth, stt.ErrNetwork, stt.ErrUnsupportedAudio} {
		t.Run(sentinel.Error(), func(t *testing.T) {
			t.Parallel()
			m, _ := testMetrics(t)
			p := &sttmock.Provider{Err: fmtWrap(sentinel)}
			s, _ := New(p, &llmmock.Provider{}, WithMetrics(m))

			if _, err := s.Transcribe(context.Background(), "a.wav"); !errors.Is(err, sentinel) {
				t.Errorf("err = %v, want %v", err, sentinel)
			}
		})
	}
}

func TestTranscribe_UnsupportedAudioDoesNotTripBreaker(t *testing.T) {
	t.Parallel()
	m, _ := testMetrics(t)
	p := &sttmock.Provider{Err: stt.ErrUnsupportedAudio}
	s, _ := New(p, &llmmock.Provider{}, WithBreaker(1, 0), WithMetrics(m))

	for range 3 {
		_, _ = s.Transcribe(context.Background(), "a.bin")
	}
	if p.CallCount() != 3 {
		t.Errorf("provider calls = %d, want 3", p.CallCount())
	}
	if s.sttBreaker.State() != resilience.StateClosed {
		t.Errorf("breaker state = %s, want closed", s.sttBreaker.State())
	}
}

func fmtWrap(err error) error {
	return errors.Join(errors.New("openai: transcription failed"), err)
}
