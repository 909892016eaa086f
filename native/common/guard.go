package common

import (
	"errors"
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

// Pauses is an in-memory PauseView toggled by operators, for instance from
// daemon configuration, independently of any flag kept in module state.
type Pauses struct {
	mu     sync.RWMutex
	halted map[string]bool
}

// NewPauses returns a pause set with the listed modules halted.
func NewPauses(modules ...string) *Pauses {
	p := &Pauses{halted: make(map[string]bool)}
	for _, module := range modules {
		p.Set(module, true)
	}
	return p
}

func (p *Pauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.halted[normalizeModule(module)]
}

// Set toggles the pause switch for module.
func (p *Pauses) Set(module string, paused bool) {
	if p == nil {
		return
	}
	key := normalizeModule(module)
	if key == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused {
		p.halted[key] = true
		return
	}
	delete(p.halted, key)
}

// AnyPaused reports whether any of views pauses module.
type AnyPaused []PauseView

func (a AnyPaused) IsPaused(module string) bool {
	for _, view := range a {
		if view != nil && view.IsPaused(module) {
			return true
		}
	}
	return false
}

func normalizeModule(module string) string {
	return strings.ToLower(strings.TrimSpace(module))
}
