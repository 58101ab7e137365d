package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/maestro-run/maestro/pkg/models"
)

// Stream file names under the persistence directory.
const (
	tasksFile  = "tasks.jsonl"
	auditFile  = "audit.jsonl"
	replayFile = "replay.jsonl"
)

// Persister appends snapshots to per-stream JSON lines files. Each line is a
// full record; on startup the files are read in order and reduced into
// in-memory state (last write per task id wins).
type Persister struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewPersister opens (creating if needed) the persistence directory.
func NewPersister(dir string) (*Persister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create persistence directory %s: %w", dir, err)
	}
	return &Persister{dir: dir, files: make(map[string]*os.File)}, nil
}

// Dir returns the persistence directory.
func (p *Persister) Dir() string { return p.dir }

// AppendTask appends one task record snapshot.
func (p *Persister) AppendTask(rec *models.TaskRecord) error {
	return p.appendLine(tasksFile, rec)
}

// AppendAudit appends one audit event.
func (p *Persister) AppendAudit(evt models.AuditEvent) error {
	return p.appendLine(auditFile, evt)
}

// AppendReplay appends one replay event.
func (p *Persister) AppendReplay(evt models.ReplayEvent) error {
	return p.appendLine(replayFile, evt)
}

func (p *Persister) appendLine(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s line: %w", name, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.files[name]
	if !ok {
		f, err = os.OpenFile(filepath.Join(p.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", name, err)
		}
		p.files[name] = f
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("failed to append to %s: %w", name, err)
	}
	return nil
}

// Close flushes and closes the stream files.
func (p *Persister) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for name, f := range p.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.files, name)
	}
	return firstErr
}

// LoadTasks reduces tasks.jsonl into the latest record per task id, ordered
// by first appearance. Corrupt lines are skipped.
func (p *Persister) LoadTasks() ([]*models.TaskRecord, error) {
	var (
		order  []string
		latest = make(map[string]*models.TaskRecord)
	)
	err := p.eachLine(tasksFile, func(raw []byte) {
		var rec models.TaskRecord
		if json.Unmarshal(raw, &rec) != nil || rec.ID == "" {
			return
		}
		if _, seen := latest[rec.ID]; !seen {
			order = append(order, rec.ID)
		}
		latest[rec.ID] = &rec
	})
	if err != nil {
		return nil, err
	}
	out := make([]*models.TaskRecord, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out, nil
}

// LoadAudit reads audit.jsonl in order.
func (p *Persister) LoadAudit() ([]models.AuditEvent, error) {
	var out []models.AuditEvent
	err := p.eachLine(auditFile, func(raw []byte) {
		var evt models.AuditEvent
		if json.Unmarshal(raw, &evt) == nil {
			out = append(out, evt)
		}
	})
	return out, err
}

// LoadReplay reads replay.jsonl in order.
func (p *Persister) LoadReplay() ([]models.ReplayEvent, error) {
	var out []models.ReplayEvent
	err := p.eachLine(replayFile, func(raw []byte) {
		var evt models.ReplayEvent
		if json.Unmarshal(raw, &evt) == nil {
			out = append(out, evt)
		}
	})
	return out, err
}

func (p *Persister) eachLine(name string, fn func(raw []byte)) error {
	f, err := os.Open(filepath.Join(p.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		fn(line)
	}
	return scanner.Err()
}
