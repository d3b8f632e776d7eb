package us

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

// progressState is persisted between runs so an interrupted gather resumes
// instead of refetching.
type progressState struct {
	LastCompleted string   `yaml:"last_completed,omitempty"`
	EndDate       string   `yaml:"end_date,omitempty"`
	Empty         []string `yaml:"empty,omitempty"`
}

// progressTracker records which symbols came back empty for the current end
// date and the last end date that finished cleanly.
type progressTracker struct {
	mu    sync.Mutex
	path  string
	state progressState
	empty map[string]struct{}
}

func loadProgress(path string) (*progressTracker, error) {
	p := &progressTracker{path: path, empty: make(map[string]struct{})}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &p.state); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	for _, s := range p.state.Empty {
		p.empty[s] = struct{}{}
	}
	return p, nil
}

// LastCompleted returns the end date of the last clean run, or "".
func (p *progressTracker) LastCompleted() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.LastCompleted
}

// IsCompleted reports whether a run up to date already finished.
func (p *progressTracker) IsCompleted(date string) bool {
	return p.LastCompleted() == date
}

// Begin starts a run up to date. Empty markers recorded for another end date
// are stale and dropped.
func (p *progressTracker) Begin(date string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.EndDate == date {
		return nil
	}
	p.state.EndDate = date
	p.state.Empty = nil
	clear(p.empty)
	return p.saveLocked()
}

func (p *progressTracker) IsTriedEmpty(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.empty[symbol]
	return ok
}

// MarkEmpty records symbols that returned no bars.
func (p *progressTracker) MarkEmpty(symbols []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range symbols {
		if _, ok := p.empty[s]; ok {
			continue
		}
		p.empty[s] = struct{}{}
		p.state.Empty = append(p.state.Empty, s)
	}
	slices.Sort(p.state.Empty)
	return p.saveLocked()
}

// MarkCompleted records a clean run up to date.
func (p *progressTracker) MarkCompleted(date string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.LastCompleted = date
	return p.saveLocked()
}

func (p *progressTracker) saveLocked() error {
	data, err := yaml.Marshal(&p.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("creating progress dir: %w", err)
	}
	return os.WriteFile(p.path, data, 0o644)
}
