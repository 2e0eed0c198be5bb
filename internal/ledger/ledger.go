// Package ledger holds the policy aggregate: its append-only version history
// and the single review that may be pending against the current version.
package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/SilentHawker/AML-platform/internal/patch"
	"github.com/SilentHawker/AML-platform/internal/review"
)

// Status is derived from whether a review is pending.
type Status string

const (
	StatusActive         Status = "Active"
	StatusReviewRequired Status = "Review Required"
)

// How an archived review ended.
const (
	OutcomeFinalized  = "finalized"
	OutcomeDiscarded  = "discarded"
	OutcomeSuperseded = "superseded"
)

var (
	ErrReviewInProgress = errors.New("a review is already pending for this policy")
	ErrStaleReview      = errors.New("review was opened against a different version")
	ErrNoPendingReview  = errors.New("no review is pending for this policy")
	ErrVersionNotFound  = errors.New("version not found")
	ErrUnresolvedReview = errors.New("review has unresolved changes")
	ErrCorruptHistory   = errors.New("version history is not contiguous")
)

// UnresolvedReviewError blocks finalization while records are pending.
type UnresolvedReviewError struct {
	PolicyID string
	Pending  int
}

func (e *UnresolvedReviewError) Error() string {
	return fmt.Sprintf("policy %s: %d change(s) still pending", e.PolicyID, e.Pending)
}

func (e *UnresolvedReviewError) Is(target error) bool {
	return target == ErrUnresolvedReview
}

// DocumentVersion is one committed text. It is never edited after commit.
type DocumentVersion struct {
	Number           int       `json:"version"`
	Text             string    `json:"text"`
	CreatedAt        time.Time `json:"createdAt"`
	CreatedBy        string    `json:"createdBy,omitempty"`
	Digest           string    `json:"digest"`
	ReviewID         string    `json:"reviewId,omitempty"`
	AppliedChangeIDs []string  `json:"appliedChangeIds,omitempty"`
	SkippedChangeIDs []string  `json:"skippedChangeIds,omitempty"`
}

func (v DocumentVersion) clone() DocumentVersion {
	out := v
	out.AppliedChangeIDs = append([]string(nil), v.AppliedChangeIDs...)
	out.SkippedChangeIDs = append([]string(nil), v.SkippedChangeIDs...)
	return out
}

// ArchivedReview is a review that is no longer pending.
type ArchivedReview struct {
	Review        review.Review `json:"review"`
	Outcome       string        `json:"outcome"`
	ClosedAt      time.Time     `json:"closedAt"`
	ClosedBy      string        `json:"closedBy,omitempty"`
	ResultVersion int           `json:"resultVersion,omitempty"`
}

// Policy is the aggregate root. Callers serialise mutations of one Policy.
type Policy struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	TenantID       string            `json:"tenantId"`
	Versions       []DocumentVersion `json:"versions"`
	CurrentVersion int               `json:"currentVersion"`
	PendingReview  *review.Review    `json:"pendingReview,omitempty"`
	Archive        []ArchivedReview  `json:"archive,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	// Revision counts successful saves. A save made from an older load is
	// rejected by the store.
	Revision int `json:"revision"`
}

// CommitMeta describes where a committed text came from.
type CommitMeta struct {
	Actor    string
	At       time.Time
	ReviewID string
	Applied  []string
	Skipped  []string
}

// Outcome is the result of a successful Finalize.
type Outcome struct {
	Version DocumentVersion `json:"version"`
	Result  patch.Result    `json:"result"`
	Review  review.Review   `json:"review"`
}

// Digest is the hex BLAKE2b-256 of text.
func Digest(text string) string {
	sum := blake2b.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// New creates a policy whose version 1 is text.
func New(id, name, tenantID, text, createdBy string, now time.Time) *Policy {
	now = now.UTC()
	return &Policy{
		ID:       id,
		Name:     name,
		TenantID: tenantID,
		Versions: []DocumentVersion{{
			Number:    1,
			Text:      text,
			CreatedAt: now,
			CreatedBy: createdBy,
			Digest:    Digest(text),
		}},
		CurrentVersion: 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (p *Policy) Status() Status {
	if p.PendingReview != nil {
		return StatusReviewRequired
	}
	return StatusActive
}

// Current returns the latest version.
func (p *Policy) Current() DocumentVersion {
	v, _ := p.Version(p.CurrentVersion)
	return v
}

// Version returns version n.
func (p *Policy) Version(n int) (DocumentVersion, bool) {
	if n < 1 || n > len(p.Versions) {
		return DocumentVersion{}, false
	}
	return p.Versions[n-1].clone(), true
}

// History returns every version, oldest first. The slice is a copy.
func (p *Policy) History() []DocumentVersion {
	out := make([]DocumentVersion, len(p.Versions))
	for i, v := range p.Versions {
		out[i] = v.clone()
	}
	return out
}

// Validate checks the invariants of a policy read back from storage.
func (p *Policy) Validate() error {
	if len(p.Versions) == 0 {
		return fmt.Errorf("policy %s: %w", p.ID, ErrCorruptHistory)
	}
	for i, v := range p.Versions {
		if v.Number != i+1 {
			return fmt.Errorf("policy %s: version %d at position %d: %w", p.ID, v.Number, i, ErrCorruptHistory)
		}
	}
	if p.CurrentVersion != len(p.Versions) {
		return fmt.Errorf("policy %s: current version %d of %d: %w", p.ID, p.CurrentVersion, len(p.Versions), ErrCorruptHistory)
	}
	if p.PendingReview != nil {
		if err := p.PendingReview.Validate(); err != nil {
			return fmt.Errorf("policy %s: pending review: %w", p.ID, err)
		}
	}
	return nil
}

// Open attaches r as the pending review.
func (p *Policy) Open(r review.Review) error {
	if p.PendingReview != nil {
		return fmt.Errorf("policy %s: %w", p.ID, ErrReviewInProgress)
	}
	if r.BaseVersion != p.CurrentVersion {
		return fmt.Errorf("policy %s: review base %d, current %d: %w", p.ID, r.BaseVersion, p.CurrentVersion, ErrStaleReview)
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("open review: %w", err)
	}
	opened := r.Clone()
	opened.PolicyID = p.ID
	p.PendingReview = &opened
	p.UpdatedAt = r.CreatedAt
	return nil
}

// Commit appends text as the next version and clears any pending review. A
// review cleared this way is archived as superseded unless meta names it.
func (p *Policy) Commit(text string, meta CommitMeta) DocumentVersion {
	at := meta.At.UTC()
	if p.PendingReview != nil && p.PendingReview.ID != meta.ReviewID {
		p.Archive = append(p.Archive, ArchivedReview{
			Review:   p.PendingReview.Clone(),
			Outcome:  OutcomeSuperseded,
			ClosedAt: at,
			ClosedBy: meta.Actor,
		})
	}
	v := DocumentVersion{
		Number:           p.CurrentVersion + 1,
		Text:             text,
		CreatedAt:        at,
		CreatedBy:        meta.Actor,
		Digest:           Digest(text),
		ReviewID:         meta.ReviewID,
		AppliedChangeIDs: append([]string(nil), meta.Applied...),
		SkippedChangeIDs: append([]string(nil), meta.Skipped...),
	}
	p.Versions = append(p.Versions, v)
	p.CurrentVersion = v.Number
	p.PendingReview = nil
	p.UpdatedAt = at
	return v.clone()
}

// Transition applies a named action to one record of the pending review.
func (p *Policy) Transition(changeID, action, payload string) (review.ChangeRecord, error) {
	if p.PendingReview == nil {
		return review.ChangeRecord{}, fmt.Errorf("policy %s: %w", p.ID, ErrNoPendingReview)
	}
	updated, rec, err := p.PendingReview.Transition(changeID, action, payload)
	if err != nil {
		return rec, err
	}
	p.PendingReview = &updated
	return rec, nil
}

// Preview dry-runs the pending review against the current text.
func (p *Policy) Preview() (patch.Result, error) {
	return p.PreviewWith(patch.Options{})
}

func (p *Policy) PreviewWith(opts patch.Options) (patch.Result, error) {
	if p.PendingReview == nil {
		return patch.Result{}, fmt.Errorf("policy %s: %w", p.ID, ErrNoPendingReview)
	}
	return patch.ApplyWithOptions(p.Current().Text, p.PendingReview.Changes, opts), nil
}

// Finalize applies the pending review and commits the result. While any
// record is pending it returns *UnresolvedReviewError and changes nothing.
func (p *Policy) Finalize(actor string, now time.Time) (Outcome, error) {
	return p.FinalizeWith(actor, now, patch.Options{})
}

func (p *Policy) FinalizeWith(actor string, now time.Time, opts patch.Options) (Outcome, error) {
	if p.PendingReview == nil {
		return Outcome{}, fmt.Errorf("policy %s: %w", p.ID, ErrNoPendingReview)
	}
	if n := p.PendingReview.Counts().Pending; n > 0 {
		return Outcome{}, &UnresolvedReviewError{PolicyID: p.ID, Pending: n}
	}
	if p.PendingReview.BaseVersion != p.CurrentVersion {
		return Outcome{}, fmt.Errorf("policy %s: review base %d, current %d: %w", p.ID, p.PendingReview.BaseVersion, p.CurrentVersion, ErrStaleReview)
	}

	closed := p.PendingReview.Clone()
	result := patch.ApplyWithOptions(p.Current().Text, closed.Changes, opts)
	version := p.Commit(result.Text, CommitMeta{
		Actor:    actor,
		At:       now,
		ReviewID: closed.ID,
		Applied:  result.AppliedIDs(),
		Skipped:  result.SkippedIDs(),
	})
	p.Archive = append(p.Archive, ArchivedReview{
		Review:        closed,
		Outcome:       OutcomeFinalized,
		ClosedAt:      version.CreatedAt,
		ClosedBy:      actor,
		ResultVersion: version.Number,
	})
	return Outcome{Version: version, Result: result, Review: closed}, nil
}

// Discard drops the pending review without committing anything.
func (p *Policy) Discard(actor string, now time.Time) (review.Review, error) {
	if p.PendingReview == nil {
		return review.Review{}, fmt.Errorf("policy %s: %w", p.ID, ErrNoPendingReview)
	}
	dropped := p.PendingReview.Clone()
	p.Archive = append(p.Archive, ArchivedReview{
		Review:   dropped,
		Outcome:  OutcomeDiscarded,
		ClosedAt: now.UTC(),
		ClosedBy: actor,
	})
	p.PendingReview = nil
	p.UpdatedAt = now.UTC()
	return dropped, nil
}
