package session

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/murmur/pkg/provider/llm"
)

// IDLayout is the time layout of session ids.
const IDLayout = "20060102_150405"

// validID matches ids produced by [IDLayout] with an optional _N suffix.
var validID = regexp.MustCompile(`^\d{8}_\d{6}(_\d+)?$`)

// ValidID reports whether id has the shape of a session id.
func ValidID(id string) bool { return validID.MatchString(id) }

// CSVHeader is the fixed column order of [Document.CSV].
var CSVHeader = []string{
	"turn", "timestamp", "user", "assistant", "response_time_ms",
	"prompt_tokens", "completion_tokens", "total_tokens",
}

// Archive persists session exports. Implementations live in internal/archive.
type Archive interface {
	// Save stores the JSON export document of the session keyed by sessionID.
	// Saving the same id twice overwrites the earlier document.
	Save(ctx context.Context, sessionID string, document []byte) error
}

// TurnRecord is the immutable record of one completed turn.
type TurnRecord struct {
	Turn           int       `json:"turn"`
	Timestamp      time.Time `json:"timestamp"`
	User           string    `json:"user"`
	Assistant      string    `json:"assistant"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	TokenUsage     llm.Usage `json:"token_usage"`
}

// Analytics is the aggregate view of a session. The zero value means no turns
// were recorded and marshals to {}.
type Analytics struct {
	SessionID             string  `json:"session_id"`
	SessionDurationS      float64 `json:"session_duration_s"`
	TotalTurns            int     `json:"total_turns"`
	AvgResponseTimeMs     float64 `json:"avg_response_time_ms"`
	MinResponseTimeMs     float64 `json:"min_response_time_ms"`
	MaxResponseTimeMs     float64 `json:"max_response_time_ms"`
	TotalPromptTokens     int     `json:"total_prompt_tokens"`
	TotalCompletionTokens int     `json:"total_completion_tokens"`
	TotalTokens           int     `json:"total_tokens"`
}

// IsEmpty reports whether a represents a session without turns.
func (a Analytics) IsEmpty() bool { return a.TotalTurns == 0 }

// MarshalJSON renders an empty snapshot as {}.
func (a Analytics) MarshalJSON() ([]byte, error) {
	if a.IsEmpty() {
		return []byte("{}"), nil
	}
	type plain Analytics
	return json.Marshal(plain(a))
}

// Document is the export format of a session.
type Document struct {
	Metadata Analytics    `json:"metadata"`
	Turns    []TurnRecord `json:"turns"`
}

// ParseJSON decodes a document produced by [Log.ExportJSON].
func ParseJSON(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("session: parse export: %w", err)
	}
	if doc.Turns == nil {
		doc.Turns = []TurnRecord{}
	}
	return &doc, nil
}

// Log records per-turn metrics of one session and derives analytics from
// them. The cumulative token counters always equal the sums over the
// recorded turns.
//
// Log is not safe for concurrent use. [Session] guards it.
type Log struct {
	archive Archive
	now     func() time.Time

	id      string
	started time.Time
	turns   []TurnRecord

	promptTokens     int
	completionTokens int
	totalTokens      int
}

// LogOption configures a [Log].
type LogOption func(*Log)

// WithClock replaces time.Now as the source of timestamps, durations, and
// session ids.
func WithClock(now func() time.Time) LogOption {
	return func(l *Log) { l.now = now }
}

// WithArchive sets where [Log.Reset] persists non-empty sessions. Without an
// archive nothing is persisted.
func WithArchive(a Archive) LogOption {
	return func(l *Log) { l.archive = a }
}

// NewLog starts a new session log.
func NewLog(opts ...LogOption) *Log {
	l := &Log{now: time.Now}
	for _, o := range opts {
		o(l)
	}
	l.start("")
	return l
}

func (l *Log) start(prevID string) {
	l.started = l.now()
	l.id = nextSessionID(prevID, l.started)
	l.turns = nil
	l.promptTokens, l.completionTokens, l.totalTokens = 0, 0, 0
}

// nextSessionID formats t with [IDLayout] and adds a _N suffix when the result
// would repeat prev.
func nextSessionID(prev string, t time.Time) string {
	id := t.Format(IDLayout)
	if prev == id {
		return id + "_2"
	}
	if rest, ok := strings.CutPrefix(prev, id+"_"); ok {
		if n, err := strconv.Atoi(rest); err == nil {
			return id + "_" + strconv.Itoa(n+1)
		}
	}
	return id
}

// ID returns the current session id.
func (l *Log) ID() string { return l.id }

// StartedAt returns when the current session began.
func (l *Log) StartedAt() time.Time { return l.started }

// Len returns the number of recorded turns.
func (l *Log) Len() int { return len(l.turns) }

// Turns returns a copy of the recorded turns in order.
func (l *Log) Turns() []TurnRecord {
	out := make([]TurnRecord, len(l.turns))
	copy(out, l.turns)
	return out
}

// LogTurn appends a record for a completed turn and returns it.
func (l *Log) LogTurn(userText, replyText string, responseTimeMs float64, usage llm.Usage) TurnRecord {
	rec := TurnRecord{
		Turn:           len(l.turns) + 1,
		Timestamp:      l.now(),
		User:           userText,
		Assistant:      replyText,
		ResponseTimeMs: round2(responseTimeMs),
		TokenUsage:     usage,
	}
	l.turns = append(l.turns, rec)
	l.promptTokens += usage.PromptTokens
	l.completionTokens += usage.CompletionTokens
	l.totalTokens += usage.TotalTokens
	return rec
}

// Analytics returns the aggregate snapshot, or the zero [Analytics] when no
// turn has been recorded.
func (l *Log) Analytics() Analytics {
	if len(l.turns) == 0 {
		return Analytics{}
	}
	var sum float64
	minRT, maxRT := math.Inf(1), math.Inf(-1)
	for _, t := range l.turns {
		sum += t.ResponseTimeMs
		minRT = min(minRT, t.ResponseTimeMs)
		maxRT = max(maxRT, t.ResponseTimeMs)
	}
	return Analytics{
		SessionID:             l.id,
		SessionDurationS:      round2(l.now().Sub(l.started).Seconds()),
		TotalTurns:            len(l.turns),
		AvgResponseTimeMs:     round2(sum / float64(len(l.turns))),
		MinResponseTimeMs:     round2(minRT),
		MaxResponseTimeMs:     round2(maxRT),
		TotalPromptTokens:     l.promptTokens,
		TotalCompletionTokens: l.completionTokens,
		TotalTokens:           l.totalTokens,
	}
}

// Document returns the analytics snapshot together with the turns.
func (l *Log) Document() Document {
	return Document{Metadata: l.Analytics(), Turns: l.Turns()}
}

// ExportJSON serializes [Log.Document] as JSON indented with two spaces.
// Non-ASCII text and HTML characters are written unescaped.
func (l *Log) ExportJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(l.Document()); err != nil {
		return nil, fmt.Errorf("session: export json: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ExportCSV serializes the turns as CSV. See [Document.CSV].
func (l *Log) ExportCSV() ([]byte, error) {
	return Document{Turns: l.turns}.CSV()
}

// CSV serializes the turns as CSV with a header row in [CSVHeader] order.
// The metadata has no CSV form and is left out.
func (d Document) CSV() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(CSVHeader); err != nil {
		return nil, fmt.Errorf("session: export csv: %w", err)
	}
	for _, t := range d.Turns {
		row := []string{
			strconv.Itoa(t.Turn),
			t.Timestamp.Format(time.RFC3339Nano),
			t.User,
			t.Assistant,
			strconv.FormatFloat(t.ResponseTimeMs, 'f', -1, 64),
			strconv.Itoa(t.TokenUsage.PromptTokens),
			strconv.Itoa(t.TokenUsage.CompletionTokens),
			strconv.Itoa(t.TokenUsage.TotalTokens),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("session: export csv: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("session: export csv: %w", err)
	}
	return buf.Bytes(), nil
}

// Reset archives the session when it holds turns, then starts a new empty
// session with a fresh id in place. When archiving fails the log is left
// untouched and the error is returned.
func (l *Log) Reset(ctx context.Context) error {
	if len(l.turns) > 0 && l.archive != nil {
		doc, err := l.ExportJSON()
		if err != nil {
			return err
		}
		if err := l.archive.Save(ctx, l.id, doc); err != nil {
			return fmt.Errorf("session: archive %s: %w", l.id, err)
		}
	}
	l.start(l.id)
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
