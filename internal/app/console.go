package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MrWong99/murmur/internal/asset"
	"github.com/MrWong99/murmur/internal/pipeline"
)

// exitPhrases end the console loop when heard anywhere in a transcript.
var exitPhrases = []string{"goodbye", "exit", "quit", "bye", "stop"}

// IsExitPhrase reports whether transcript contains an exit phrase, ignoring
// case.
func IsExitPhrase(transcript string) bool {
	lower := strings.ToLower(transcript)
	for _, p := range exitPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// runConsole reads one recording path per line and runs a turn for each. It
// returns nil at end of input or after an exit phrase, and ctx.Err() when
// cancelled.
func (a *App) runConsole(ctx context.Context) error {
	out := a.consoleOut
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(a.consoleIn)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(out, "Voice assistant ready. Enter the path of a recorded WAV file (say \"goodbye\" to quit).")
	for {
		fmt.Fprint(out, "> ")
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		data, err := os.ReadFile(line)
		if err != nil {
			fmt.Fprintf(out, "Cannot read recording: %v\n", err)
			continue
		}

		text, err := a.pipeline.Transcribe(ctx, asset.PurposeRecording, data)
		if errors.Is(err, pipeline.ErrTranscriptionEmpty) {
			fmt.Fprintln(out, "No speech detected, please try again.")
			continue
		}
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "You: %s\n", text)

		if IsExitPhrase(text) {
			fmt.Fprintln(out, "Assistant: Goodbye! Have a great day!")
			return nil
		}

		res, err := a.pipeline.Respond(ctx, a.session, text)
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			continue
		}
		fmt.Fprintf(out, "Assistant: %s\n", res.ReplyText)
		if res.AudioRef != "" {
			fmt.Fprintf(out, "Audio: %s\n", filepath.Join(a.assets.Dir(), res.AudioRef))
		}
	}
}
