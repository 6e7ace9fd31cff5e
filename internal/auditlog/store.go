// Package auditlog keeps a rotating JSONL trail of turn outcomes, user confirmations and
// generated assets.
package auditlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/floegence/flowerdesk/internal/ai"
)

const (
	defaultMaxBytes   = int64(4 << 20)
	defaultMaxBackups = 3
	defaultListLimit  = 200
	maxListLimit      = 1000
)

// Actions recorded by Emit.
const (
	ActionTurnDone     = "turn_done"
	ActionTurnAborted  = "turn_aborted"
	ActionTurnFailed   = "turn_failed"
	ActionToolAwaiting = "tool_call_awaiting_input"
	ActionToolCanceled = "tool_call_canceled"
	ActionToolResolved = "tool_call_resolved"
	ActionAssetCreated = "asset_created"
)

type Entry struct {
	CreatedAt string `json:"created_at"`

	Action string `json:"action"`
	// Status is "success" or "failure".
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`

	TurnID     string `json:"turn_id,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	AssetKind  string `json:"asset_kind,omitempty"`
	AssetID    string `json:"asset_id,omitempty"`
}

type Options struct {
	Logger *slog.Logger
	// StateDir is the flowerdesk state directory; entries go to <StateDir>/audit.
	StateDir string

	// MaxBytes is the rotation threshold of the active file.
	MaxBytes int64
	// MaxBackups keeps the latest N rotated files in addition to the active file.
	MaxBackups int
}

// Store appends entries to audit/events.jsonl and rotates it to events-<unix_ms>.jsonl.
// It doubles as an ai.Sink: token and progress events are ignored.
type Store struct {
	log *slog.Logger

	dir        string
	activePath string

	maxBytes   int64
	maxBackups int

	mu  sync.Mutex
	now func() time.Time
}

var _ ai.Sink = (*Store)(nil)

func New(opts Options) (*Store, error) {
	stateDir := strings.TrimSpace(opts.StateDir)
	if stateDir == "" {
		return nil, errors.New("missing StateDir")
	}
	dir := filepath.Join(stateDir, "audit")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	maxBackups := opts.MaxBackups
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}

	activePath := filepath.Join(dir, "events.jsonl")
	f, err := os.OpenFile(activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	_ = f.Close()

	return &Store{
		log:        logger,
		dir:        dir,
		activePath: activePath,
		maxBytes:   maxBytes,
		maxBackups: maxBackups,
		now:        time.Now,
	}, nil
}

// Emit records the events worth auditing.
func (s *Store) Emit(ev ai.Event) {
	e := Entry{TurnID: ev.TurnID}
	switch ev.Type {
	case ai.EventDone:
		e.Action = ActionTurnDone
	case ai.EventAborted:
		e.Action = ActionTurnAborted
	case ai.EventError:
		e.Action = ActionTurnFailed
		e.Status = "failure"
		e.Error = ev.Error
	case ai.EventNewAsset:
		if ev.Asset == nil {
			return
		}
		e.Action = ActionAssetCreated
		e.AssetKind = ev.Asset.Kind
		e.AssetID = ev.Asset.Reference
	case ai.EventToolCall:
		if ev.ToolCall == nil {
			return
		}
		switch ev.ToolCall.State {
		case ai.ToolCallAwaitingInput:
			e.Action = ActionToolAwaiting
		case ai.ToolCallCanceled:
			e.Action = ActionToolCanceled
		case ai.ToolCallResolved:
			e.Action = ActionToolResolved
		default:
			return
		}
		e.ToolCallID = ev.ToolCall.ID
		e.ToolName = ev.ToolCall.Name
	default:
		return
	}
	s.Append(e)
}

func (s *Store) Append(e Entry) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(e.CreatedAt) == "" {
		e.CreatedAt = s.now().UTC().Format(time.RFC3339Nano)
	}
	if strings.TrimSpace(e.Status) == "" {
		e.Status = "success"
	}

	f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.log.Warn("auditlog append failed", "error", err)
		return
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	encErr := enc.Encode(&e)
	_ = f.Close()
	if encErr != nil {
		s.log.Warn("auditlog encode failed", "error", encErr)
		return
	}

	s.maybeRotateLocked()
}

// List returns up to limit entries, newest first, across the active and rotated files.
func (s *Store) List(limit int) ([]Entry, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	s.mu.Lock()
	files := append([]string{s.activePath}, s.rotatedLocked(true)...)
	s.mu.Unlock()

	out := make([]Entry, 0, limit)
	for _, path := range files {
		if len(out) >= limit {
			break
		}
		entries, err := readFileNewestFirst(path, limit-len(out))
		if err != nil {
			s.log.Warn("auditlog read failed", "path", path, "error", err)
			continue
		}
		out = append(out, entries...)
	}
	return out, nil
}

// rotatedLocked lists rotated files by name. Names embed UnixMilli, so lexical order is
// chronological.
func (s *Store) rotatedLocked(newestFirst bool) []string {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var rotated []string
	for _, ent := range ents {
		if ent == nil || ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, "events-") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		rotated = append(rotated, filepath.Join(s.dir, name))
	}
	sort.Strings(rotated)
	if newestFirst {
		for i, j := 0, len(rotated)-1; i < j; i, j = i+1, j-1 {
			rotated[i], rotated[j] = rotated[j], rotated[i]
		}
	}
	return rotated
}

func (s *Store) maybeRotateLocked() {
	st, err := os.Stat(s.activePath)
	if err != nil || st.Size() <= s.maxBytes {
		return
	}

	dst := filepath.Join(s.dir, fmt.Sprintf("events-%d.jsonl", s.now().UnixMilli()))
	if err := os.Rename(s.activePath, dst); err != nil {
		s.log.Warn("auditlog rotate failed", "error", err)
		return
	}
	if f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600); err == nil {
		_ = f.Close()
	}

	rotated := s.rotatedLocked(false)
	if len(rotated) <= s.maxBackups {
		return
	}
	for _, path := range rotated[:len(rotated)-s.maxBackups] {
		_ = os.Remove(path)
	}
}

func readFileNewestFirst(path string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var entries []Entry
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
