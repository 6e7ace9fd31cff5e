package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/peterh/liner"

	"github.com/floegence/flowerdesk/internal/ai"
)

const chatHelp = `Commands:
  /help      Show this help.
  /reset     Forget the conversation.
  /history   Show how many messages the conversation holds.
  /quit      Leave the chat.
Press Ctrl-C while a reply streams to stop it.
`

type lineReader interface {
	Prompt(prompt string) (string, error)
}

// linerInput is a lineReader with persistent history.
type linerInput struct {
	line        *liner.State
	historyFile string
}

func newLinerInput(historyFile string) *linerInput {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	in := &linerInput{line: line, historyFile: historyFile}
	if f, err := os.Open(historyFile); err == nil {
		_, _ = line.ReadHistory(f)
		_ = f.Close()
	}
	return in
}

func (in *linerInput) Prompt(prompt string) (string, error) {
	s, err := in.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(s) != "" {
		in.line.AppendHistory(s)
	}
	return s, nil
}

func (in *linerInput) Close() {
	if f, err := os.OpenFile(in.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
		_, _ = in.line.WriteHistory(f)
		_ = f.Close()
	}
	_ = in.line.Close()
}

// chatREPL drives a session from the terminal. It is also the session's event sink.
type chatREPL struct {
	session    *ai.Session
	in         lineReader
	out        io.Writer
	events     chan ai.Event
	interrupts <-chan os.Signal
	// render formats finished markdown. When nil, tokens are streamed as they arrive.
	render func(string) string
	ansi   bool
}

func newChatREPL(out io.Writer) *chatREPL {
	return &chatREPL{
		out:    out,
		events: make(chan ai.Event, 1024),
		ansi:   isTerminalWriter(out),
	}
}

// Emit blocks when the buffer is full; the REPL drains it for the whole turn.
func (r *chatREPL) Emit(ev ai.Event) {
	r.events <- ev
}

func (r *chatREPL) run(ctx context.Context) error {
	for {
		line, err := r.in.Prompt("you> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out)
				return nil
			}
			return err
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/help":
			fmt.Fprint(r.out, chatHelp)
		case line == "/reset":
			if err := r.session.Reset(); err != nil {
				fmt.Fprintf(r.out, "[error] %v\n", err)
				continue
			}
			fmt.Fprintln(r.out, "History cleared.")
		case line == "/history":
			fmt.Fprintf(r.out, "%d messages in this conversation.\n", len(r.session.History()))
		case strings.HasPrefix(line, "/"):
			fmt.Fprintf(r.out, "Unknown command %s. Type /help.\n", line)
		default:
			if err := r.runTurn(ctx, line); err != nil {
				fmt.Fprintf(r.out, "[error] %v\n", err)
			}
		}
	}
}

func (r *chatREPL) runTurn(ctx context.Context, text string) error {
	r.drainInterrupts()
	if _, err := r.session.StartTurn(text); err != nil {
		return err
	}

	var buf strings.Builder
	streamed := false
	flush := func() {
		if r.render != nil {
			if strings.TrimSpace(buf.String()) != "" {
				fmt.Fprint(r.out, r.render(buf.String()))
			}
			buf.Reset()
			return
		}
		if streamed {
			fmt.Fprintln(r.out)
			streamed = false
		}
	}

	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			r.session.Stop()
		case <-r.interrupts:
			fmt.Fprintln(r.out, dim("\n[stopping]", r.ansi))
			r.session.Stop()
		case ev := <-r.events:
			switch ev.Type {
			case ai.EventToken:
				if r.render != nil {
					buf.WriteString(ev.Text)
				} else {
					fmt.Fprint(r.out, ev.Text)
					streamed = true
				}
			case ai.EventToolCall:
				flush()
				r.showToolCall(ev.ToolCall)
			case ai.EventNewAsset:
				if ev.Asset != nil {
					fmt.Fprintln(r.out, dim(fmt.Sprintf("[%s saved as %s]", ev.Asset.Kind, ev.Asset.Reference), r.ansi))
				}
			case ai.EventDone:
				flush()
				return nil
			case ai.EventAborted:
				flush()
				fmt.Fprintln(r.out, dim("[stopped]", r.ansi))
				return nil
			case ai.EventError:
				flush()
				return errors.New(ev.Error)
			}
		}
	}
}

func (r *chatREPL) showToolCall(tc *ai.ToolCallEvent) {
	if tc == nil {
		return
	}
	switch tc.State {
	case ai.ToolCallAwaitingInput:
		r.confirm(tc)
	case ai.ToolCallPending:
		fmt.Fprintln(r.out, dim(fmt.Sprintf("[running %s]", tc.Name), r.ansi))
	case ai.ToolCallCanceled:
		fmt.Fprintln(r.out, dim(fmt.Sprintf("[%s canceled]", tc.Name), r.ansi))
	}
}

// confirm asks the user to run, cancel or edit a media tool call. The turn waits meanwhile.
func (r *chatREPL) confirm(tc *ai.ToolCallEvent) {
	fmt.Fprintf(r.out, "\nThe assistant wants to run %s with:\n  %s\n", tc.Name, tc.ArgumentsJSON)
	for {
		answer, err := r.in.Prompt("Run it? [Y/n/e=edit prompt] ")
		if err != nil {
			r.resolve(tc.ID, nil)
			return
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "", "y", "yes":
			if r.resolve(tc.ID, json.RawMessage(tc.ArgumentsJSON)) {
				return
			}
		case "n", "no":
			r.resolve(tc.ID, nil)
			return
		case "e", "edit":
			prompt, err := r.in.Prompt("New prompt: ")
			if err != nil {
				r.resolve(tc.ID, nil)
				return
			}
			args := map[string]any{}
			_ = json.Unmarshal([]byte(tc.ArgumentsJSON), &args)
			args["prompt"] = prompt
			if r.resolve(tc.ID, args) {
				return
			}
		default:
			fmt.Fprintln(r.out, "Answer y, n or e.")
		}
	}
}

// resolve reports whether the confirmation is settled (or gone). It returns false only for a
// rejected payload, which leaves the confirmation open for another answer.
func (r *chatREPL) resolve(id string, payload any) bool {
	ok, err := r.session.ResolveToolCall(id, payload)
	if err != nil {
		fmt.Fprintf(r.out, "[invalid] %v\n", err)
		return false
	}
	if !ok {
		fmt.Fprintln(r.out, dim("[confirmation expired]", r.ansi))
	}
	return true
}

func (r *chatREPL) drainInterrupts() {
	for {
		select {
		case <-r.interrupts:
		default:
			return
		}
	}
}
