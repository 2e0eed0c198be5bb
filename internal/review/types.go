// Package review models suggested edits to a policy document and the
// accept/reject/modify lifecycle a reviewer drives them through.
package review

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the review state of one change record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusModified Status = "modified"
)

var statuses = []Status{StatusPending, StatusAccepted, StatusRejected, StatusModified}

func (s Status) String() string { return string(s) }

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	for _, known := range statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Resolved is true for every state except pending.
func (s Status) Resolved() bool {
	return s != StatusPending
}

// ParseStatus accepts a status name in any case.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

// Severity grades how serious a finding is.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

func (s Severity) String() string { return string(s) }

// Rank orders severities from Low (1) to Critical (4); unknown values are 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// ParseSeverity accepts a severity name in any case.
func ParseSeverity(v string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return "", fmt.Errorf("unknown severity %q", v)
	}
}

// ChangeRecord is one proposed edit. Values are never mutated in place; the
// lifecycle functions return a new record.
type ChangeRecord struct {
	ID            string   `json:"id" yaml:"id"`
	OriginalText  string   `json:"originalText" yaml:"originalText"`
	SuggestedText string   `json:"suggestedText" yaml:"suggestedText"`
	Reason        string   `json:"reason" yaml:"reason"`
	Severity      Severity `json:"severity" yaml:"severity"`
	Status        Status   `json:"status" yaml:"status"`
	ModifiedText  string   `json:"modifiedText,omitempty" yaml:"modifiedText,omitempty"`
	RegulationRef string   `json:"regulationRef,omitempty" yaml:"regulationRef,omitempty"`
	PolicySection string   `json:"policySection,omitempty" yaml:"policySection,omitempty"`
	// Anchor is the byte offset of OriginalText in the base text when the
	// analysis step reported one.
	Anchor *int `json:"anchor,omitempty" yaml:"anchor,omitempty"`
}

var (
	ErrMissingOriginal   = errors.New("original text is required")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrModifiedTextState = errors.New("modified text must be set exactly when status is modified")
)

// Validate checks the record invariants. It is used on records loaded from
// storage or files; records built by this package always satisfy it.
func (r ChangeRecord) Validate() error {
	if r.OriginalText == "" {
		return fmt.Errorf("change %s: %w", r.ID, ErrMissingOriginal)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("change %s: %w: %q", r.ID, ErrInvalidStatus, r.Status)
	}
	if (r.Status == StatusModified) != (r.ModifiedText != "") {
		return fmt.Errorf("change %s: %w", r.ID, ErrModifiedTextState)
	}
	return nil
}

// Selected reports whether the applier uses this record.
func (r ChangeRecord) Selected() bool {
	return r.Status == StatusAccepted || r.Status == StatusModified
}

// Replacement returns the text that replaces OriginalText when the record is
// applied: ModifiedText for modified records, SuggestedText otherwise.
func (r ChangeRecord) Replacement() string {
	if r.Status == StatusModified {
		return r.ModifiedText
	}
	return r.SuggestedText
}

// Finding is one item of an external compliance analysis.
type Finding struct {
	RegulationRef string   `json:"regulation" yaml:"regulation"`
	PolicySection string   `json:"policySection" yaml:"policySection"`
	OriginalText  string   `json:"originalText" yaml:"originalText"`
	Analysis      string   `json:"analysis" yaml:"analysis"`
	Suggestion    string   `json:"suggestion" yaml:"suggestion"`
	IsCompliant   bool     `json:"isCompliant" yaml:"isCompliant"`
	Severity      Severity `json:"severity" yaml:"severity"`
	Anchor        *int     `json:"anchor,omitempty" yaml:"anchor,omitempty"`
}

// AnalysisResult is the full output of an external compliance analysis.
type AnalysisResult struct {
	OverallScore int       `json:"overallScore" yaml:"overallScore"`
	Summary      string    `json:"summary" yaml:"summary"`
	Findings     []Finding `json:"findings" yaml:"findings"`
}
