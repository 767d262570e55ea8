// Package pipeline runs one voice turn: audio in, transcript, bounded context
// update, model reply, logged metrics, synthesized audio out.
//
// A turn is split in two steps. [Pipeline.Transcribe] validates and
// transcribes the audio without touching the session, so a slow transcription
// never blocks readers. [Pipeline.Respond] then holds the session lock while
// it updates the conversation, asks the reply backend, logs the turn, and
// synthesizes the reply.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/murmur/internal/asset"
	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/internal/session"
	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/llm"
	"github.com/MrWong99/murmur/pkg/provider/stt"
	"github.com/MrWong99/murmur/pkg/provider/tts"
	"github.com/MrWong99/murmur/pkg/types"
)

// DefaultMaxTurns is the number of user/assistant pairs kept in context.
const DefaultMaxTurns = 20

// Backend is the active transcription and reply backend pair.
type Backend interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
	Reply(ctx context.Context, messages []types.Message) (string, llm.Usage, error)
}

// Config wires a [Pipeline].
type Config struct {
	Backend Backend
	TTS     tts.Provider
	Assets  *asset.Manager

	// TTSName labels synthesis metrics. Default: "tts".
	TTSName string

	// MaxTurns bounds the retained conversation. Zero means
	// [DefaultMaxTurns]; negative keeps only the system message.
	MaxTurns int

	// RollbackOnFailure restores the conversation to its pre-turn state when
	// the reply backend fails. When false the user message stays in memory
	// without a matching assistant message.
	RollbackOnFailure bool

	// Metrics overrides the metrics sink. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Result is the outcome of a completed turn.
type Result struct {
	UserText  string
	ReplyText string

	// AudioRef is the asset name of the synthesized reply, or "" when
	// synthesis failed after the turn was committed.
	AudioRef string

	Turn      session.TurnRecord
	Analytics session.Analytics
}

// Pipeline runs voice turns against a [session.Session]. It holds no session
// state of its own and is safe for concurrent use.
type Pipeline struct {
	backend  Backend
	tts      tts.Provider
	ttsName  string
	assets   *asset.Manager
	maxTurns int
	rollback bool
	metrics  *observe.Metrics
}

// New validates cfg and returns a [Pipeline].
func New(cfg Config) (*Pipeline, error) {
	var errs []error
	if cfg.Backend == nil {
		errs = append(errs, errors.New("pipeline: backend must not be nil"))
	}
	if cfg.TTS == nil {
		errs = append(errs, errors.New("pipeline: tts provider must not be nil"))
	}
	if cfg.Assets == nil {
		errs = append(errs, errors.New("pipeline: asset manager must not be nil"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	p := &Pipeline{
		backend:  cfg.Backend,
		tts:      cfg.TTS,
		ttsName:  cfg.TTSName,
		assets:   cfg.Assets,
		maxTurns: cfg.MaxTurns,
		rollback: cfg.RollbackOnFailure,
		metrics:  cfg.Metrics,
	}
	if p.ttsName == "" {
		p.ttsName = "tts"
	}
	if p.maxTurns == 0 {
		p.maxTurns = DefaultMaxTurns
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p, nil
}

// RunTurn transcribes an uploaded recording and responds to it.
func (p *Pipeline) RunTurn(ctx context.Context, sess *session.Session, data []byte) (*Result, error) {
	return p.run(ctx, sess, asset.PurposeUpload, data)
}

// RunRecording is [Pipeline.RunTurn] for audio captured by the console.
func (p *Pipeline) RunRecording(ctx context.Context, sess *session.Session, data []byte) (*Result, error) {
	return p.run(ctx, sess, asset.PurposeRecording, data)
}

func (p *Pipeline) run(ctx context.Context, sess *session.Session, purpose asset.Purpose, data []byte) (*Result, error) {
	ctx = observe.WithSession(ctx, sess.ID())
	text, err := p.Transcribe(ctx, purpose, data)
	if err != nil {
		return nil, err
	}
	return p.Respond(ctx, sess, text)
}

// Transcribe sniffs data, stages it as a transient asset, and returns the
// trimmed transcript. The asset is always released. It never touches a
// session.
func (p *Pipeline) Transcribe(ctx context.Context, purpose asset.Purpose, data []byte) (text string, err error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, observe.SpanTranscribe,
		trace.WithAttributes(observe.Attr("purpose", string(purpose))),
	)
	defer func() {
		if err != nil {
			p.fail(ctx, span, start, err)
		}
		span.End()
	}()

	container, err := audio.Detect(data)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedUpload, err)
	}

	path, err := p.assets.Create(purpose, container.Extension, data)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAudioRead, err)
	}
	defer p.assets.Release(path)

	text, err = p.backend.Transcribe(ctx, path)
	switch {
	case errors.Is(err, stt.ErrUnsupportedAudio):
		return "", fmt.Errorf("%w: %w", ErrMalformedUpload, err)
	case err != nil:
		return "", fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrTranscriptionEmpty
	}
	return text, nil
}

// Respond commits userText and the backend's reply to sess, logs the turn,
// and synthesizes the reply. The session lock is held throughout.
//
// A synthesis failure does not fail the turn: the result carries an empty
// AudioRef.
func (p *Pipeline) Respond(ctx context.Context, sess *session.Session, userText string) (*Result, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(observe.WithSession(ctx, sess.ID()), observe.SpanRespond)
	defer span.End()

	var res *Result
	err := sess.WithLock(func(conv *session.Conversation, log *session.Log) error {
		var snap session.Snapshot
		if p.rollback {
			snap = conv.Snapshot()
		}
		conv.AddUser(userText)
		conv.Trim(p.maxTurns)

		replyStart := time.Now()
		reply, usage, err := p.backend.Reply(ctx, conv.Messages())
		elapsed := time.Since(replyStart)
		if err != nil {
			if p.rollback {
				conv.Restore(snap)
			}
			return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
		}

		conv.AddAssistant(reply)
		rec := log.LogTurn(userText, reply, float64(elapsed.Microseconds())/1000, usage)

		res = &Result{
			UserText:  userText,
			ReplyText: reply,
			AudioRef:  p.synthesize(ctx, reply),
			Turn:      rec,
			Analytics: log.Analytics(),
		}
		return nil
	})
	if err != nil {
		p.fail(ctx, span, start, err)
		return nil, err
	}

	p.metrics.RecordTurn(ctx, "ok", time.Since(start))
	observe.Logger(ctx).Info("turn completed",
		"turn", res.Turn.Turn,
		"response_time_ms", res.Turn.ResponseTimeMs,
		"audio_ref", res.AudioRef,
	)
	return res, nil
}

// synthesize returns the asset name of the spoken reply, or "" on failure.
func (p *Pipeline) synthesize(ctx context.Context, text string) string {
	ctx, span := observe.StartSpan(ctx, observe.SpanSynthesize,
		trace.WithAttributes(observe.Attr("provider", p.ttsName)),
	)
	defer span.End()

	start := time.Now()
	out, err := p.tts.Synthesize(ctx, text)
	p.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", p.ttsName)))
	if err == nil && (out == nil || len(out.Data) == 0) {
		err = errors.New("pipeline: synthesizer returned no audio")
	}
	if err != nil {
		p.metrics.RecordProviderRequest(ctx, p.ttsName, "tts", "error")
		p.metrics.RecordProviderError(ctx, p.ttsName, "tts")
		observe.FailSpan(span, err, "")
		observe.Logger(ctx).Warn("synthesis failed, reply has no audio", "provider", p.ttsName, "err", err)
		return ""
	}
	p.metrics.RecordProviderRequest(ctx, p.ttsName, "tts", "ok")

	path, err := p.assets.Create(asset.PurposeTTS, out.Extension(), out.Data)
	if err != nil {
		span.RecordError(err)
		observe.Logger(ctx).Warn("storing synthesized audio failed", "err", err)
		return ""
	}
	return filepath.Base(path)
}

func (p *Pipeline) fail(ctx context.Context, span trace.Span, start time.Time, err error) {
	kind := Kind(err)
	observe.FailSpan(span, err, kind)
	p.metrics.RecordTurn(ctx, kind, time.Since(start))
	observe.Logger(ctx).Warn("turn failed", "kind", kind, "err", err)
}
