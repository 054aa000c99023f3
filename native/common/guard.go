package common

import "errors"

var ErrActionPaused = errors.New("action paused")

// PauseView reports whether a named action is currently paused. Keys are
// either global action names ("mint", "seize", "transfer") or market-scoped
// "action:marketID" pairs; the view decides which granularity applies.
type PauseView interface {
	IsPaused(action string) bool
}

func Guard(p PauseView, action string) error {
	if p == nil || action == "" {
		return nil
	}
	if p.IsPaused(action) {
		return ErrActionPaused
	}
	return nil
}
