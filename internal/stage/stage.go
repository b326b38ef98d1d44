// Package stage holds the project lifecycle ordering and the transition rules
// derived from it. The ordered list below is the only definition of the stages;
// the API, the stage-update handler and the processing pipeline all read it.
package stage

import (
	"fmt"

	"github.com/jimdaga/postflow/internal/apperr"
)

// Stage is a named position in a project's lifecycle.
type Stage string

const (
	Processing Stage = "processing"
	Posts      Stage = "posts"
	Ready      Stage = "ready"
)

var order = []Stage{
	Processing,
	Posts,
	Ready,
}

var index = func() map[Stage]int {
	m := make(map[Stage]int, len(order))
	for i, s := range order {
		m[s] = i
	}
	return m
}()

// All returns the ordered list of stages.
func All() []Stage {
	cp := make([]Stage, len(order))
	copy(cp, order)
	return cp
}

// Initial returns the stage new projects start in.
func Initial() Stage {
	return order[0]
}

// Parse converts a string into a Stage. Names are matched exactly: no case
// folding, no trimming. The result is returned even when ok is false.
func Parse(value string) (Stage, bool) {
	s := Stage(value)
	_, ok := index[s]
	return s, ok
}

// Valid reports whether s is part of the lifecycle.
func (s Stage) Valid() bool {
	_, ok := index[s]
	return ok
}

// Terminal reports whether s has no outbound transition.
func (s Stage) Terminal() bool {
	i, ok := index[s]
	return ok && i == len(order)-1
}

func (s Stage) String() string {
	return string(s)
}

// Next returns the stage immediately after s.
func Next(s Stage) (Stage, bool) {
	i, ok := index[s]
	if !ok || i+1 >= len(order) {
		return "", false
	}
	return order[i+1], true
}

// TransitionError describes a rejected stage change.
type TransitionError struct {
	From        Stage
	To          Stage
	AllowedNext Stage // empty when From is terminal or unknown
}

func (e *TransitionError) Error() string {
	if e.AllowedNext == "" {
		return fmt.Sprintf("illegal stage transition from %q to %q: no further stage", e.From, e.To)
	}
	return fmt.Sprintf("illegal stage transition from %q to %q: allowed next is %q", e.From, e.To, e.AllowedNext)
}

// Is lets errors.Is(err, apperr.ErrUnprocessable) match transition rejections.
func (e *TransitionError) Is(target error) bool {
	return target == apperr.ErrUnprocessable
}

// Validate accepts a transition only when requested sits exactly one position
// after current. Same-stage, backward, skip-ahead and unknown stages are rejected.
func Validate(current, requested Stage) error {
	allowed, _ := Next(current)
	ci, okCurrent := index[current]
	ri, okRequested := index[requested]
	if okCurrent && okRequested && ri == ci+1 {
		return nil
	}
	return &TransitionError{From: current, To: requested, AllowedNext: allowed}
}
