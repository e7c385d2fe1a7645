package conenat

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Hook attaches one translator to the interface.
type Hook interface {
	Create() error
	Attach() error
	Detach() error
	Destroy() error
}

type HookState uint8

const (
	HookUnattached HookState = iota
	HookAttached
	HookDetached
)

func (s HookState) String() string {
	switch s {
	case HookUnattached:
		return "unattached"
	case HookAttached:
		return "attached"
	case HookDetached:
		return "detached"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// HookManager drives the ingress and egress hooks through their lifecycle.
// Attach is all or nothing, Detach is best effort.
type HookManager struct {
	ingress Hook
	egress  Hook
	log     *logrus.Entry

	mu    sync.Mutex
	state HookState
}

func NewHookManager(ingress, egress Hook, logger *logrus.Logger) *HookManager {
	return &HookManager{
		ingress: ingress,
		egress:  egress,
		log:     logger.WithField("component", "hooks"),
	}
}

func (h *HookManager) State() HookState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

type hookStep struct {
	name string
	hook Hook
	op   string
	fn   func() error
}

func (h *HookManager) step(name string, op string, fn func() error) error {
	if err := fn(); err != nil {
		return &HookError{Hook: name, Op: op, Err: err}
	}
	h.log.WithFields(logrus.Fields{"hook": name, "op": op}).Debug("hook step done")
	return nil
}

// Attach creates both hooks then activates them, ingress first. On any
// failure the steps already taken are undone and the manager stays
// unattached.
func (h *HookManager) Attach() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != HookUnattached {
		return &HookError{Hook: "both", Op: "attach", Err: fmt.Errorf("hooks are %s", h.state)}
	}

	steps := []hookStep{
		{"ingress", h.ingress, "create", h.ingress.Create},
		{"egress", h.egress, "create", h.egress.Create},
		{"ingress", h.ingress, "attach", h.ingress.Attach},
		{"egress", h.egress, "attach", h.egress.Attach},
	}
	for i, s := range steps {
		err := h.step(s.name, s.op, s.fn)
		if err == nil {
			continue
		}
		h.log.WithError(err).Error("hook attach failed, rolling back")
		return multierr.Append(err, h.rollback(steps[:i]))
	}
	h.state = HookAttached
	h.log.Info("hooks attached")
	return nil
}

// rollback undoes completed steps in reverse.
func (h *HookManager) rollback(done []hookStep) error {
	var err error
	for i := len(done) - 1; i >= 0; i-- {
		s := done[i]
		undo, op := s.hook.Destroy, "destroy"
		if s.op == "attach" {
			undo, op = s.hook.Detach, "detach"
		}
		if e := h.step(s.name, op, undo); e != nil {
			h.log.WithError(e).Warn("rollback step failed")
			err = multierr.Append(err, e)
		}
	}
	return err
}

// Detach deactivates egress before ingress so no mapping is opened for a
// flow whose return path is going away, then destroys both. Every step runs
// even when an earlier one fails.
func (h *HookManager) Detach() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case HookDetached:
		return nil
	case HookUnattached:
		h.state = HookDetached
		return nil
	}

	var err error
	for _, s := range []hookStep{
		{"egress", h.egress, "detach", h.egress.Detach},
		{"ingress", h.ingress, "detach", h.ingress.Detach},
		{"egress", h.egress, "destroy", h.egress.Destroy},
		{"ingress", h.ingress, "destroy", h.ingress.Destroy},
	} {
		if e := h.step(s.name, s.op, s.fn); e != nil {
			h.log.WithError(e).Warn("hook teardown step failed")
			err = multierr.Append(err, e)
		}
	}
	h.state = HookDetached
	h.log.Info("hooks detached")
	return err
}
