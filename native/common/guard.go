package common

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// Pauses is a mutable PauseView driven by the operator surface. The zero
// value is ready to use with nothing paused.
type Pauses struct {
	mu     sync.RWMutex
	paused map[string]struct{}
}

func NewPauses() *Pauses {
	return &Pauses{paused: make(map[string]struct{})}
}

// IsPaused implements PauseView.
func (p *Pauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.paused[normalizeModule(module)]
	return ok
}

// Pause halts the named module until Resume is called.
func (p *Pauses) Pause(module string) {
	name := normalizeModule(module)
	if name == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused == nil {
		p.paused = make(map[string]struct{})
	}
	p.paused[name] = struct{}{}
}

// Resume lifts a pause set by Pause.
func (p *Pauses) Resume(module string) {
	name := normalizeModule(module)
	if name == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.paused, name)
}

// Snapshot lists the currently paused modules in sorted order.
func (p *Pauses) Snapshot() []string {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.paused))
	for name := range p.paused {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalizeModule(module string) string {
	return strings.ToLower(strings.TrimSpace(module))
}
