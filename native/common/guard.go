package common

import (
	"errors"
	"fmt"
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

// GuardAction rejects an action when either the whole module or the
// "<module>.<action>" switch is paused.
func GuardAction(p PauseView, module, action string) error {
	if err := Guard(p, module); err != nil {
		return err
	}
	if action == "" {
		return nil
	}
	if err := Guard(p, module+"."+action); err != nil {
		return fmt.Errorf("%w: %s.%s", err, module, action)
	}
	return nil
}

// Pauses is a concurrency safe PauseView backed by a set of switch names.
type Pauses struct {
	mu     sync.RWMutex
	paused map[string]struct{}
}

// NewPauses returns a pause set with the given switches enabled.
func NewPauses(paused ...string) *Pauses {
	p := &Pauses{paused: make(map[string]struct{})}
	for _, name := range paused {
		p.Set(name, true)
	}
	return p
}

func (p *Pauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.paused[strings.ToLower(strings.TrimSpace(module))]
	return ok
}

// Set toggles a switch.
func (p *Pauses) Set(module string, paused bool) {
	key := strings.ToLower(strings.TrimSpace(module))
	if key == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused {
		p.paused[key] = struct{}{}
		return
	}
	delete(p.paused, key)
}

// List returns the enabled switches in no particular order.
func (p *Pauses) List() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.paused))
	for name := range p.paused {
		out = append(out, name)
	}
	return out
}
