package review

import (
	"errors"
	"fmt"
	"strings"
)

// Action is a reviewer decision on a change record.
type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
	ActionModify Action = "modify"
	ActionReopen Action = "reopen"
)

// ErrUnknownAction is returned by ParseAction and Transition for names
// outside the four actions.
var ErrUnknownAction = errors.New("unknown action")

// ParseAction accepts an action name in any case.
func ParseAction(v string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(v)))
	switch a {
	case ActionAccept, ActionReject, ActionModify, ActionReopen:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, v)
	}
}

// Target is the status an action moves a record to.
func (a Action) Target() Status {
	switch a {
	case ActionAccept:
		return StatusAccepted
	case ActionReject:
		return StatusRejected
	case ActionModify:
		return StatusModified
	default:
		return StatusPending
	}
}

// TransitionRule defines an allowed status change.
type TransitionRule struct {
	From Status
	To   Status
}

// DefaultTransitions lets a reviewer change their mind freely: every
// resolved state can move to any other and back to pending. Modified to
// modified is a re-edit of the replacement text.
var DefaultTransitions = []TransitionRule{
	{From: StatusPending, To: StatusAccepted},
	{From: StatusPending, To: StatusRejected},
	{From: StatusPending, To: StatusModified},
	{From: StatusAccepted, To: StatusRejected},
	{From: StatusAccepted, To: StatusModified},
	{From: StatusAccepted, To: StatusPending},
	{From: StatusRejected, To: StatusAccepted},
	{From: StatusRejected, To: StatusModified},
	{From: StatusRejected, To: StatusPending},
	{From: StatusModified, To: StatusAccepted},
	{From: StatusModified, To: StatusRejected},
	{From: StatusModified, To: StatusModified},
	{From: StatusModified, To: StatusPending},
}

// Machine validates status changes against a rule table.
type Machine struct {
	transitions []TransitionRule
}

// NewMachine creates a machine with DefaultTransitions.
func NewMachine() *Machine {
	return &Machine{transitions: DefaultTransitions}
}

// NewMachineWithRules creates a machine with a custom rule table.
func NewMachineWithRules(rules []TransitionRule) *Machine {
	return &Machine{transitions: rules}
}

var defaultMachine = NewMachine()

// ValidateTransition returns nil when from -> to is allowed. Staying in the
// same known state is always allowed.
func (m *Machine) ValidateTransition(from, to Status) error {
	if !from.Valid() || !to.Valid() {
		return &TransitionError{
			Code:    "REVIEW_UNKNOWN_STATUS",
			From:    from,
			To:      to,
			Message: fmt.Sprintf("unknown status in transition %q -> %q", from, to),
		}
	}
	if from == to {
		return nil
	}
	for _, t := range m.transitions {
		if t.From == from && t.To == to {
			return nil
		}
	}
	return &TransitionError{
		Code:    "REVIEW_INVALID_TRANSITION",
		From:    from,
		To:      to,
		Message: fmt.Sprintf("no transition defined from %s to %s", from, to),
	}
}

// AllowedTransitions returns the states reachable from from.
func (m *Machine) AllowedTransitions(from Status) []Status {
	var allowed []Status
	for _, t := range m.transitions {
		if t.From == from {
			allowed = append(allowed, t.To)
		}
	}
	return allowed
}

// TransitionError is a structured error for disallowed status changes.
type TransitionError struct {
	Code    string `json:"code"`
	From    Status `json:"from"`
	To      Status `json:"to"`
	Message string `json:"message"`
}

func (e *TransitionError) Error() string {
	return e.Message
}

// EmptyReplacementError is returned when a record is modified to empty text.
type EmptyReplacementError struct {
	ChangeID string
}

// ErrEmptyReplacement matches any *EmptyReplacementError with errors.Is.
var ErrEmptyReplacement = errors.New("modified text must not be empty")

func (e *EmptyReplacementError) Error() string {
	return fmt.Sprintf("change %s: %s", e.ChangeID, ErrEmptyReplacement)
}

func (e *EmptyReplacementError) Is(target error) bool {
	return target == ErrEmptyReplacement
}

// Apply runs action on r using m. payload is the replacement text for
// ActionModify and ignored otherwise.
func (m *Machine) Apply(r ChangeRecord, action Action, payload string) (ChangeRecord, error) {
	to := action.Target()
	switch action {
	case ActionAccept, ActionReject, ActionReopen:
	case ActionModify:
		if payload == "" {
			return r, &EmptyReplacementError{ChangeID: r.ID}
		}
	default:
		return r, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	if err := m.ValidateTransition(r.Status, to); err != nil {
		return r, err
	}

	next := r
	next.Status = to
	next.ModifiedText = ""
	if action == ActionModify {
		next.ModifiedText = payload
	}
	return next, nil
}

// Accept marks r accepted and clears any modified text.
func Accept(r ChangeRecord) (ChangeRecord, error) {
	return defaultMachine.Apply(r, ActionAccept, "")
}

// Reject marks r rejected and clears any modified text.
func Reject(r ChangeRecord) (ChangeRecord, error) {
	return defaultMachine.Apply(r, ActionReject, "")
}

// Modify replaces the suggestion with text. Empty text is refused and r is
// returned unchanged.
func Modify(r ChangeRecord, text string) (ChangeRecord, error) {
	return defaultMachine.Apply(r, ActionModify, text)
}

// Reopen returns r to pending.
func Reopen(r ChangeRecord) (ChangeRecord, error) {
	return defaultMachine.Apply(r, ActionReopen, "")
}

// Transition dispatches a named action, for callers that receive the action
// as a string.
func Transition(r ChangeRecord, action string, payload string) (ChangeRecord, error) {
	a, err := ParseAction(action)
	if err != nil {
		return r, err
	}
	return defaultMachine.Apply(r, a, payload)
}
