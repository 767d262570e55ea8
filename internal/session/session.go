// Package session holds the state that carries across turns: the bounded
// [Conversation] sent to the reply backend and the [Log] of completed turns.
//
// A [Session] bundles both behind one mutex. The application owns exactly one
// session and threads it through every pipeline call.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/murmur/pkg/types"
)

// Config configures a [Session].
type Config struct {
	// SystemPrompt is the content of the system message at the head of the
	// conversation.
	SystemPrompt string

	// Archive receives the export of a non-empty session on reset. May be nil,
	// in which case nothing is persisted.
	Archive Archive

	// Clock overrides time.Now for the session log. May be nil.
	Clock func() time.Time
}

// Session is the conversation memory and turn log of the single active
// session. All methods are safe for concurrent use; mutations of the
// conversation and log must go through [Session.WithLock].
type Session struct {
	mu   sync.Mutex
	conv *Conversation
	log  *Log
}

// New starts a session with an empty conversation and log.
func New(cfg Config) *Session {
	opts := []LogOption{WithArchive(cfg.Archive)}
	if cfg.Clock != nil {
		opts = append(opts, WithClock(cfg.Clock))
	}
	return &Session{
		conv: NewConversation(cfg.SystemPrompt),
		log:  NewLog(opts...),
	}
}

// WithLock runs fn while holding the session lock and returns its error.
// fn must not retain conv or log after it returns.
func (s *Session) WithLock(fn func(conv *Conversation, log *Log) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.conv, s.log)
}

// ID returns the current session id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.ID()
}

// Analytics returns the current analytics snapshot.
func (s *Session) Analytics() Analytics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Analytics()
}

// Messages returns a copy of the conversation.
func (s *Session) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Messages()
}

// ExportJSON returns the JSON export of the session.
func (s *Session) ExportJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.ExportJSON()
}

// ExportCSV returns the CSV export of the session's turns.
func (s *Session) ExportCSV() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.ExportCSV()
}

// Reset archives the log and clears the conversation, in place. It returns
// the new session id. When archiving fails neither the log nor the
// conversation is changed.
func (s *Session) Reset(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.log.Reset(ctx); err != nil {
		return s.log.ID(), err
	}
	s.conv.Reset()
	return s.log.ID(), nil
}
