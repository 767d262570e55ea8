// Package backend binds the active transcription and reply providers to the
// process-wide backend mode.
//
// A [Set] is built once at startup from the providers the registry created
// for [config.Mode]. Every call runs exactly once, inside its own span and
// through a per-backend circuit breaker, and is counted in the provider
// metrics. Nothing is retried.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/resilience"
	"github.com/MrWong99/murmur/pkg/provider/llm"
	"github.com/MrWong99/murmur/pkg/provider/stt"
	"github.com/MrWong99/murmur/pkg/types"
)

// Default sampling parameters, tuned for short spoken replies.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 300
)

// Set is the active pair of transcription and reply backends. It is safe for
// concurrent use.
type Set struct {
	mode        config.Mode
	stt         stt.Provider
	llm         llm.Provider
	sttName     string
	llmName     string
	temperature float64
	maxTokens   int
	metrics     *observe.Metrics

	sttBreaker *resilience.CircuitBreaker
	llmBreaker *resilience.CircuitBreaker
}

// Option configures a [Set].
type Option func(*options)

type options struct {
	mode         config.Mode
	sttName      string
	llmName      string
	temperature  float64
	maxTokens    int
	maxFailures  int
	resetTimeout time.Duration
	metrics      *observe.Metrics
}

// WithMode sets the backend mode. In [config.ModeLocal] reply usage is always
// reported as zero. Default: [config.ModeLocal].
func WithMode(m config.Mode) Option {
	return func(o *options) { o.mode = m }
}

// WithNames sets the provider names used as metric and span labels.
func WithNames(sttName, llmName string) Option {
	return func(o *options) {
		o.sttName = sttName
		o.llmName = llmName
	}
}

// WithSampling sets the reply temperature and maximum reply length. Zero
// values keep the defaults.
func WithSampling(temperature float64, maxTokens int) Option {
	return func(o *options) {
		if temperature > 0 {
			o.temperature = temperature
		}
		if maxTokens > 0 {
			o.maxTokens = maxTokens
		}
	}
}

// WithBreaker tunes the per-backend circuit breakers.
func WithBreaker(maxFailures int, resetTimeout time.Duration) Option {
	return func(o *options) {
		o.maxFailures = maxFailures
		o.resetTimeout = resetTimeout
	}
}

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New creates a [Set] around the given providers.
func New(sttP stt.Provider, llmP llm.Provider, opts ...Option) (*Set, error) {
	if sttP == nil {
		return nil, errors.New("backend: stt provider must not be nil")
	}
	if llmP == nil {
		return nil, errors.New("backend: llm provider must not be nil")
	}

	o := options{
		mode:        config.ModeLocal,
		sttName:     "stt",
		llmName:     "llm",
		temperature: DefaultTemperature,
		maxTokens:   DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}

	s := &Set{
		mode:        o.mode,
		stt:         sttP,
		llm:         llmP,
		sttName:     o.sttName,
		llmName:     o.llmName,
		temperature: o.temperature,
		maxTokens:   o.maxTokens,
		metrics:     o.metrics,
	}
	s.sttBreaker = s.newBreaker("stt/"+o.sttName, o)
	s.llmBreaker = s.newBreaker("llm/"+o.llmName, o)
	return s, nil
}

func (s *Set) newBreaker(name string, o options) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         name,
		MaxFailures:  o.maxFailures,
		ResetTimeout: o.resetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			s.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	})
}

// Mode returns the backend mode the set was built for.
func (s *Set) Mode() config.Mode { return s.mode }

// Transcribe converts the audio file at audioPath to text. An empty string
// means no speech was detected and is not an error.
//
// [stt.ErrUnsupportedAudio] is a property of the input, so it does not count
// against the breaker.
func (s *Set) Transcribe(ctx context.Context, audioPath string) (string, error) {
	ctx, span := observe.StartSpan(ctx, observe.SpanBackendTranscribe,
		trace.WithAttributes(observe.Attr("provider", s.sttName)),
	)
	defer span.End()

	var (
		text     string
		inputErr error
	)
	start := time.Now()
	err := s.sttBreaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		text, err = s.stt.Transcribe(ctx, audioPath)
		if errors.Is(err, stt.ErrUnsupportedAudio) {
			inputErr = err
			return nil
		}
		return err
	})
	if err == nil {
		err = inputErr
	}
	s.record(ctx, span, s.sttName, "stt", s.metrics.STTDuration, time.Since(start), err)
	if err != nil {
		return "", fmt.Errorf("backend: transcribe: %w", err)
	}
	return text, nil
}

// Reply sends messages to the reply backend and returns the whitespace
// trimmed reply with its token usage. An empty reply is an error.
func (s *Set) Reply(ctx context.Context, messages []types.Message) (string, llm.Usage, error) {
	ctx, span := observe.StartSpan(ctx, observe.SpanBackendReply,
		trace.WithAttributes(observe.Attr("provider", s.llmName)),
	)
	defer span.End()

	var (
		text  string
		usage llm.Usage
	)
	start := time.Now()
	err := s.llmBreaker.Execute(ctx, func(ctx context.Context) error {
		resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
			Messages:    messages,
			Temperature: s.temperature,
			MaxTokens:   s.maxTokens,
		})
		if err != nil {
			return err
		}
		if resp == nil {
			return llm.ErrEmptyResponse
		}
		text = strings.TrimSpace(resp.Content)
		if text == "" {
			return llm.ErrEmptyResponse
		}
		usage = resp.Usage
		return nil
	})
	s.record(ctx, span, s.llmName, "llm", s.metrics.LLMDuration, time.Since(start), err)
	if err != nil {
		return "", llm.Usage{}, fmt.Errorf("backend: reply: %w", err)
	}

	if s.mode == config.ModeLocal {
		usage = llm.Usage{}
	}
	s.metrics.RecordTokens(ctx, usage.PromptTokens, usage.CompletionTokens)
	return text, usage, nil
}

func (s *Set) record(ctx context.Context, span trace.Span, provider, kind string, hist metric.Float64Histogram, d time.Duration, err error) {
	hist.Record(ctx, d.Seconds(), metric.WithAttributes(observe.Attr("provider", provider)))
	status := "ok"
	if err != nil {
		status = "error"
		s.metrics.RecordProviderError(ctx, provider, kind)
		observe.FailSpan(span, err, "")
		observe.Logger(ctx).Warn("backend call failed", "kind", kind, "provider", provider, "err", err)
	}
	s.metrics.RecordProviderRequest(ctx, provider, kind, status)
}
