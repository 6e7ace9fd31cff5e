package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

const (
	ansiReset     = "\033[0m"
	ansiBold      = "\033[1m"
	ansiDim       = "\033[2m"
	ansiCyan      = "\033[96m"
	ansiUnderline = "\033[4m"

	defaultWrapWidth = 100
)

func printBanner(w io.Writer, version string, url string) {
	useANSI := isTerminalWriter(w)
	title := "flowerdesk"
	if useANSI {
		title = ansiBold + title + ansiReset
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s\n", title, strings.TrimSpace(version))
	if url = strings.TrimSpace(url); url != "" {
		fmt.Fprintf(w, "Listening on %s\n", styleURL(url, useANSI))
	}
	fmt.Fprintln(w)
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return 0
	}
	return width
}

func styleURL(url string, enabled bool) string {
	if !enabled {
		return url
	}
	return ansiCyan + ansiUnderline + url + ansiReset
}

func dim(s string, enabled bool) string {
	if !enabled {
		return s
	}
	return ansiDim + s + ansiReset
}

// newMarkdownRenderer returns nil when glamour cannot build a renderer; the chat then streams
// plain text.
func newMarkdownRenderer(w io.Writer) func(string) string {
	width := terminalWidth(w)
	if width <= 0 || width > defaultWrapWidth {
		width = defaultWrapWidth
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil
	}
	return func(md string) string {
		out, err := r.Render(md)
		if err != nil {
			return md
		}
		return out
	}
}
