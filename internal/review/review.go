package review

import (
	"errors"
	"fmt"
	"time"

	"github.com/SilentHawker/AML-platform/internal/util"
)

// TriggerInitialUpload labels the review opened when a policy is created
// together with an analysis.
const TriggerInitialUpload = "Initial Upload Analysis"

var (
	ErrChangeNotFound = errors.New("change not found")
	ErrDuplicateID    = errors.New("duplicate change id")
)

// Review is one round of suggested changes against a specific version of a
// policy.
type Review struct {
	ID          string         `json:"id" yaml:"id"`
	PolicyID    string         `json:"policyId" yaml:"policyId"`
	BaseVersion int            `json:"baseVersion" yaml:"baseVersion"`
	TriggeredBy string         `json:"triggeredBy" yaml:"triggeredBy"`
	CreatedAt   time.Time      `json:"createdAt" yaml:"createdAt"`
	Changes     []ChangeRecord `json:"changes" yaml:"changes"`
}

// Counts tallies change records by status.
type Counts struct {
	Pending  int `json:"pending"`
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Modified int `json:"modified"`
}

func (c Counts) Total() int {
	return c.Pending + c.Accepted + c.Rejected + c.Modified
}

// NewReview opens a review over baseVersion with one pending record per
// non-compliant finding.
func NewReview(policyID string, baseVersion int, triggeredBy string, findings []Finding, now time.Time) Review {
	return Review{
		ID:          util.NewID("rev"),
		PolicyID:    policyID,
		BaseVersion: baseVersion,
		TriggeredBy: triggeredBy,
		CreatedAt:   now.UTC(),
		Changes:     FromFindings(findings, func(int) string { return util.NewID("chg") }),
	}
}

// FromFindings builds pending records from the non-compliant findings that
// quote some original text. Unknown severities become Medium.
func FromFindings(findings []Finding, idFn func(i int) string) []ChangeRecord {
	out := make([]ChangeRecord, 0, len(findings))
	for i, f := range findings {
		if f.IsCompliant || f.OriginalText == "" {
			continue
		}
		severity, err := ParseSeverity(string(f.Severity))
		if err != nil {
			severity = SeverityMedium
		}
		var anchor *int
		if f.Anchor != nil {
			v := *f.Anchor
			anchor = &v
		}
		out = append(out, ChangeRecord{
			ID:            idFn(i),
			OriginalText:  f.OriginalText,
			SuggestedText: f.Suggestion,
			Reason:        f.Analysis,
			Severity:      severity,
			Status:        StatusPending,
			RegulationRef: f.RegulationRef,
			PolicySection: f.PolicySection,
			Anchor:        anchor,
		})
	}
	return out
}

// Clone returns a copy that shares no slices with r.
func (r Review) Clone() Review {
	out := r
	out.Changes = make([]ChangeRecord, len(r.Changes))
	copy(out.Changes, r.Changes)
	return out
}

// Validate checks every record and that ids are unique.
func (r Review) Validate() error {
	seen := make(map[string]struct{}, len(r.Changes))
	for _, c := range r.Changes {
		if err := c.Validate(); err != nil {
			return err
		}
		if _, ok := seen[c.ID]; ok {
			return fmt.Errorf("change %s: %w", c.ID, ErrDuplicateID)
		}
		seen[c.ID] = struct{}{}
	}
	return nil
}

// Find returns the record with id.
func (r Review) Find(id string) (ChangeRecord, bool) {
	for _, c := range r.Changes {
		if c.ID == id {
			return c, true
		}
	}
	return ChangeRecord{}, false
}

// Replace returns a copy of r with the record of the same id swapped for rec.
func (r Review) Replace(rec ChangeRecord) (Review, error) {
	for i, c := range r.Changes {
		if c.ID == rec.ID {
			out := r.Clone()
			out.Changes[i] = rec
			return out, nil
		}
	}
	return r, fmt.Errorf("change %s: %w", rec.ID, ErrChangeNotFound)
}

// Transition applies a named action to one record and returns the updated
// review together with the updated record. On error r is returned as is.
func (r Review) Transition(changeID, action, payload string) (Review, ChangeRecord, error) {
	current, ok := r.Find(changeID)
	if !ok {
		return r, ChangeRecord{}, fmt.Errorf("change %s: %w", changeID, ErrChangeNotFound)
	}
	next, err := Transition(current, action, payload)
	if err != nil {
		return r, current, err
	}
	updated, err := r.Replace(next)
	if err != nil {
		return r, current, err
	}
	return updated, next, nil
}

func (r Review) Counts() Counts {
	var c Counts
	for _, rec := range r.Changes {
		switch rec.Status {
		case StatusPending:
			c.Pending++
		case StatusAccepted:
			c.Accepted++
		case StatusRejected:
			c.Rejected++
		case StatusModified:
			c.Modified++
		}
	}
	return c
}

// Pending returns the records still awaiting a decision.
func (r Review) Pending() []ChangeRecord {
	return r.filter(func(c ChangeRecord) bool { return c.Status == StatusPending })
}

// Resolved returns the records with a decision.
func (r Review) Resolved() []ChangeRecord {
	return r.filter(func(c ChangeRecord) bool { return c.Status.Resolved() })
}

func (r Review) filter(keep func(ChangeRecord) bool) []ChangeRecord {
	out := make([]ChangeRecord, 0, len(r.Changes))
	for _, c := range r.Changes {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}
