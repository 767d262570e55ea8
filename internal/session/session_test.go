package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/murmur/pkg/provider/llm"
	"github.com/MrWong99/murmur/pkg/types"
)

func TestSession_WithLock(t *testing.T) {
	s := New(Config{SystemPrompt: "sys"})
	err := s.WithLock(func(conv *Conversation, log *Log) error {
		conv.AddUser("hi")
		conv.AddAssistant("hello")
		log.LogTurn("hi", "hello", 10, llm.Usage{TotalTokens: 4})
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}
	if got := len(s.Messages()); got != 3 {
		t.Errorf("messages: got %d, want 3", got)
	}
	if a := s.Analytics(); a.TotalTurns != 1 || a.TotalTokens != 4 {
		t.Errorf("analytics: %+v", a)
	}

	wantErr := errors.New("boom")
	if err := s.WithLock(func(*Conversation, *Log) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Errorf("WithLock error: got %v, want %v", err, wantErr)
	}
}

// TestSession_ConcurrentTurns checks that turns run under the lock do not
// lose updates.
func TestSession_ConcurrentTurns(t *testing.T) {
	s := New(Config{SystemPrompt: "sys"})
	const n = 50

	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			_ = s.WithLock(func(conv *Conversation, log *Log) error {
				conv.AddUser("u")
				conv.AddAssistant("a")
				conv.Trim(100)
				log.LogTurn("u", "a", 1, llm.Usage{TotalTokens: 1})
				return nil
			})
			_ = s.Analytics()
		})
	}
	wg.Wait()

	if a := s.Analytics(); a.TotalTurns != n || a.TotalTokens != n {
		t.Errorf("analytics after %d turns: %+v", n, a)
	}
	if got := len(s.Messages()); got != 1+2*n {
		t.Errorf("messages: got %d, want %d", got, 1+2*n)
	}
}

func TestSession_Reset(t *testing.T) {
	clk := newFakeClock()
	arch := &memArchive{}
	s := New(Config{SystemPrompt: "sys", Archive: arch, Clock: clk.Now})
	oldID := s.ID()
	_ = s.WithLock(func(conv *Conversation, log *Log) error {
		conv.AddUser("u")
		conv.AddAssistant("a")
		log.LogTurn("u", "a", 1, llm.Usage{})
		return nil
	})

	newID, err := s.Reset(context.Background())
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if newID == oldID || newID != s.ID() {
		t.Errorf("new id %q, old id %q, current %q", newID, oldID, s.ID())
	}
	if _, ok := arch.docs[oldID]; !ok {
		t.Error("session was not archived")
	}
	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0] != (types.Message{Role: types.RoleSystem, Content: "sys"}) {
		t.Errorf("conversation not reset: %+v", msgs)
	}
	if !s.Analytics().IsEmpty() {
		t.Error("analytics not empty after reset")
	}
}

func TestSession_ResetFailureKeepsState(t *testing.T) {
	boom := errors.New("archive down")
	s := New(Config{SystemPrompt: "sys", Archive: &memArchive{err: boom}})
	_ = s.WithLock(func(conv *Conversation, log *Log) error {
		conv.AddUser("u")
		conv.AddAssistant("a")
		log.LogTurn("u", "a", 1, llm.Usage{})
		return nil
	})
	id := s.ID()

	gotID, err := s.Reset(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected archive error, got %v", err)
	}
	if gotID != id {
		t.Errorf("id changed to %q", gotID)
	}
	if len(s.Messages()) != 3 || s.Analytics().TotalTurns != 1 {
		t.Error("state was cleared despite the failed archive")
	}
}

func TestSession_Exports(t *testing.T) {
	s := New(Config{SystemPrompt: "sys"})
	_ = s.WithLock(func(_ *Conversation, log *Log) error {
		log.LogTurn("u", "a", 1, llm.Usage{})
		return nil
	})
	js, err := s.ExportJSON()
	if err != nil {
		t.Fatalf("ExportJSON: %v", err)
	}
	if doc, err := ParseJSON(js); err != nil || len(doc.Turns) != 1 {
		t.Errorf("ParseJSON: doc=%+v err=%v", doc, err)
	}
	csvData, err := s.ExportCSV()
	if err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	if len(csvData) == 0 {
		t.Error("empty CSV export")
	}
}
