package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/SilentHawker/AML-platform/internal/config"
	"github.com/SilentHawker/AML-platform/internal/gitrepo"
	"github.com/SilentHawker/AML-platform/internal/ledger"
	"github.com/SilentHawker/AML-platform/internal/review"
	"github.com/SilentHawker/AML-platform/internal/session"
	"github.com/SilentHawker/AML-platform/internal/store"
)

var t0 = time.Date(2024, 7, 26, 9, 0, 0, 0, time.UTC)

const baseText = "Virtual currency transactions are treated like cash."

type fakeArchive struct {
	mu        sync.Mutex
	commits   []ledger.DocumentVersion
	commitFn  func(string, ledger.DocumentVersion) (gitrepo.CommitInfo, error)
	historyFn func(string, int) ([]gitrepo.CommitInfo, error)
}

func (f *fakeArchive) CommitVersion(policyID string, v ledger.DocumentVersion) (gitrepo.CommitInfo, error) {
	if f.commitFn != nil {
		return f.commitFn(policyID, v)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, v)
	return gitrepo.CommitInfo{Hash: fmt.Sprintf("%07d", v.Number), Version: v.Number, Digest: v.Digest}, nil
}

func (f *fakeArchive) History(policyID string, limit int) ([]gitrepo.CommitInfo, error) {
	if f.historyFn != nil {
		return f.historyFn(policyID, limit)
	}
	return nil, nil
}

type fakeLocker struct {
	mu        sync.Mutex
	acquireFn func(context.Context, string, string, time.Duration) (session.Lock, error)
	acquired  []string
	released  []string
}

func (f *fakeLocker) Acquire(ctx context.Context, policyID, owner string, ttl time.Duration) (session.Lock, error) {
	if f.acquireFn != nil {
		return f.acquireFn(ctx, policyID, owner, ttl)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired = append(f.acquired, owner)
	return session.Lock{PolicyID: policyID, LockData: session.LockData{Owner: owner, Token: "tok"}}, nil
}

func (f *fakeLocker) Release(_ context.Context, lock session.Lock) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, lock.Owner)
	return nil
}

func newTestService(t *testing.T, opts ...Option) (*Service, *store.MemoryStore) {
	t.Helper()
	repo := store.NewMemoryStore()
	opts = append([]Option{WithClock(func() time.Time { return t0 })}, opts...)
	svc, err := New(config.Config{LockTTL: time.Minute}, repo, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return svc, repo
}

func exampleAnalysis() *review.AnalysisResult {
	return &review.AnalysisResult{
		OverallScore: 62,
		Summary:      "Virtual currency handling is out of date.",
		Findings: []review.Finding{
			{
				RegulationRef: "PCMLTFR s. 7",
				PolicySection: "Virtual Currency",
				OriginalText:  "treated like cash",
				Analysis:      "Virtual currency requires enhanced due diligence.",
				Suggestion:    "subject to enhanced due diligence",
				Severity:      review.SeverityHigh,
			},
			{
				RegulationRef: "PCMLTFR s. 9",
				OriginalText:  "Virtual currency",
				IsCompliant:   true,
			},
		},
	}
}

func createExample(t *testing.T, svc *Service) PolicyView {
	t.Helper()
	view, err := svc.CreatePolicy(context.Background(), CreatePolicyInput{
		Name:     "AML Policy",
		TenantID: "tenant-1",
		Text:     baseText,
		Actor:    "alice",
		Analysis: exampleAnalysis(),
	})
	if err != nil {
		t.Fatalf("CreatePolicy() error = %v", err)
	}
	return view
}

func expectCode(t *testing.T, err error, wantStatus int, wantCode string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", wantCode)
	}
	status, code, _, _ := mapError(err)
	if status != wantStatus || code != wantCode {
		t.Fatalf("mapError(%v) = %d %s, want %d %s", err, status, code, wantStatus, wantCode)
	}
}

func TestNewRejectsUnknownEngineSettings(t *testing.T) {
	if _, err := New(config.Config{Granularity: "sentence"}, store.NewMemoryStore()); err == nil {
		t.Fatal("expected error for unknown granularity")
	}
	if _, err := New(config.Config{PatchStrategy: "fuzzy"}, store.NewMemoryStore()); err == nil {
		t.Fatal("expected error for unknown patch strategy")
	}
}

func TestCreatePolicyOpensReviewFromFindings(t *testing.T) {
	archive := &fakeArchive{}
	svc, _ := newTestService(t, WithArchive(archive))

	view := createExample(t, svc)
	if view.Status != ledger.StatusReviewRequired {
		t.Fatalf("expected review required, got %s", view.Status)
	}
	if view.PendingReview == nil || len(view.PendingReview.Changes) != 1 {
		t.Fatalf("expected one change from the non-compliant finding, got %+v", view.PendingReview)
	}
	rec := view.PendingReview.Changes[0]
	if rec.OriginalText != "treated like cash" || rec.SuggestedText != "subject to enhanced due diligence" || rec.Status != review.StatusPending {
		t.Fatalf("unexpected change record: %+v", rec)
	}
	if view.PendingReview.TriggeredBy != review.TriggerInitialUpload {
		t.Fatalf("unexpected trigger %q", view.PendingReview.TriggeredBy)
	}
	if view.Counts == nil || view.Counts.Pending != 1 {
		t.Fatalf("unexpected counts: %+v", view.Counts)
	}
	if len(archive.commits) != 1 || archive.commits[0].Number != 1 {
		t.Fatalf("expected version 1 archived, got %+v", archive.commits)
	}
	if got := testutil.ToFloat64(svc.Metrics().ReviewsOpenedTotal); got != 1 {
		t.Fatalf("expected 1 review opened, got %v", got)
	}
}

func TestCreatePolicyWithoutFindingsIsActive(t *testing.T) {
	svc, _ := newTestService(t)
	view, err := svc.CreatePolicy(context.Background(), CreatePolicyInput{Name: "KYC", TenantID: "t", Text: "Know your customer."})
	if err != nil {
		t.Fatalf("CreatePolicy() error = %v", err)
	}
	if view.Status != ledger.StatusActive || view.PendingReview != nil {
		t.Fatalf("expected active policy without review, got %+v", view)
	}

	_, _, err = svc.ListChanges(context.Background(), view.ID)
	expectCode(t, err, http.StatusConflict, "NO_PENDING_REVIEW")
}

func TestCreatePolicyValidation(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreatePolicy(context.Background(), CreatePolicyInput{TenantID: "t", Text: "x"})
	expectCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	_, err = svc.CreatePolicy(context.Background(), CreatePolicyInput{Name: "x", Text: "x"})
	expectCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestReviewWorkflow(t *testing.T) {
	archive := &fakeArchive{}
	svc, repo := newTestService(t, WithArchive(archive))
	ctx := context.Background()
	view := createExample(t, svc)
	changeID := view.PendingReview.Changes[0].ID

	_, err := svc.Finalize(ctx, view.ID, "bob")
	expectCode(t, err, http.StatusConflict, "REVIEW_UNRESOLVED")
	_, _, _, details := mapError(err)
	if details.(map[string]any)["pending"] != 1 {
		t.Fatalf("expected pending=1 in details, got %v", details)
	}
	stored, _ := repo.LoadPolicy(ctx, view.ID)
	if stored.CurrentVersion != 1 || stored.PendingReview == nil {
		t.Fatalf("blocked finalize must not change the stored policy: %+v", stored)
	}

	preview, err := svc.Preview(ctx, view.ID)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if preview.Text != baseText || preview.Pending != 1 {
		t.Fatalf("pending records must not be applied in preview: %+v", preview)
	}

	rec, err := svc.Transition(ctx, view.ID, changeID, "accept", "", "carol")
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if rec.Status != review.StatusAccepted {
		t.Fatalf("expected accepted, got %s", rec.Status)
	}

	want := "Virtual currency transactions are subject to enhanced due diligence."
	preview, err = svc.Preview(ctx, view.ID)
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if preview.Text != want || preview.Pending != 0 {
		t.Fatalf("unexpected preview: %+v", preview)
	}

	out, err := svc.Finalize(ctx, view.ID, "bob")
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if out.Version.Number != 2 || out.Version.Text != want || out.Version.CreatedBy != "bob" {
		t.Fatalf("unexpected version: %+v", out.Version)
	}
	if len(out.Skipped) != 0 || len(out.Applied) != 1 {
		t.Fatalf("unexpected apply report: applied=%v skipped=%v", out.Applied, out.Skipped)
	}
	if out.Archive == nil || out.Archive.Version != 2 {
		t.Fatalf("expected archive info for version 2, got %+v", out.Archive)
	}

	got, err := svc.GetPolicy(ctx, view.ID)
	if err != nil {
		t.Fatalf("GetPolicy() error = %v", err)
	}
	if got.Status != ledger.StatusActive || got.CurrentVersion != 2 || got.PendingReview != nil {
		t.Fatalf("unexpected policy after finalize: %+v", got)
	}

	history, err := svc.History(ctx, view.ID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Text != baseText || history[1].Text != want {
		t.Fatalf("unexpected history: %+v", history)
	}

	if got := testutil.ToFloat64(svc.Metrics().FinalizeTotal.WithLabelValues("blocked")); got != 1 {
		t.Fatalf("expected 1 blocked finalize, got %v", got)
	}
	if got := testutil.ToFloat64(svc.Metrics().FinalizeTotal.WithLabelValues("committed")); got != 1 {
		t.Fatalf("expected 1 committed finalize, got %v", got)
	}

	_, err = svc.Finalize(ctx, view.ID, "bob")
	expectCode(t, err, http.StatusConflict, "NO_PENDING_REVIEW")
}

func TestFinalizeReportsSkippedChanges(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	view, err := svc.CreatePolicy(ctx, CreatePolicyInput{Name: "AML", TenantID: "t", Text: baseText})
	if err != nil {
		t.Fatalf("CreatePolicy() error = %v", err)
	}

	opened, err := svc.StartReview(ctx, view.ID, StartReviewInput{
		TriggeredBy: "Guideline update",
		Findings: []review.Finding{
			{OriginalText: "treated like cash", Suggestion: "monitored", Severity: review.SeverityLow},
			{OriginalText: "treated as cash", Suggestion: "screened", Severity: review.SeverityLow},
		},
	})
	if err != nil {
		t.Fatalf("StartReview() error = %v", err)
	}
	for _, c := range opened.Changes {
		if _, err := svc.Transition(ctx, view.ID, c.ID, "accept", "", "carol"); err != nil {
			t.Fatalf("Transition() error = %v", err)
		}
	}

	out, err := svc.Finalize(ctx, view.ID, "bob")
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if out.Version.Text != "Virtual currency transactions are monitored." {
		t.Fatalf("unexpected text %q", out.Version.Text)
	}
	if len(out.Skipped) != 1 || out.Skipped[0].ID != opened.Changes[1].ID || out.Skipped[0].Reason != "not_found" {
		t.Fatalf("expected second change skipped as not_found, got %+v", out.Skipped)
	}
	if got := testutil.ToFloat64(svc.Metrics().SkippedChangesTotal.WithLabelValues("not_found")); got != 1 {
		t.Fatalf("expected skipped metric, got %v", got)
	}
}

func TestTransitionErrors(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	view := createExample(t, svc)
	changeID := view.PendingReview.Changes[0].ID

	_, err := svc.Transition(ctx, view.ID, changeID, "modify", "", "carol")
	expectCode(t, err, http.StatusUnprocessableEntity, "EMPTY_REPLACEMENT")

	_, err = svc.Transition(ctx, view.ID, changeID, "approve", "", "carol")
	expectCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	_, err = svc.Transition(ctx, view.ID, "chg_missing", "accept", "", "carol")
	expectCode(t, err, http.StatusNotFound, "NOT_FOUND")

	_, err = svc.Transition(ctx, "pol_missing", changeID, "accept", "", "carol")
	expectCode(t, err, http.StatusNotFound, "NOT_FOUND")

	stored, _ := repo.LoadPolicy(ctx, view.ID)
	if stored.PendingReview.Changes[0].Status != review.StatusPending {
		t.Fatalf("failed transitions must not change the record: %+v", stored.PendingReview.Changes[0])
	}

	rec, err := svc.Transition(ctx, view.ID, changeID, "modify", "reported to FINTRAC", "carol")
	if err != nil {
		t.Fatalf("Transition(modify) error = %v", err)
	}
	if rec.Status != review.StatusModified || rec.ModifiedText != "reported to FINTRAC" {
		t.Fatalf("unexpected modified record: %+v", rec)
	}
}

func TestStartReviewErrors(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	view := createExample(t, svc)

	_, err := svc.StartReview(ctx, view.ID, StartReviewInput{
		TriggeredBy: "Second update",
		Findings:    []review.Finding{{OriginalText: "cash", Suggestion: "funds"}},
	})
	expectCode(t, err, http.StatusConflict, "REVIEW_IN_PROGRESS")

	_, err = svc.StartReview(ctx, view.ID, StartReviewInput{})
	expectCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")

	if _, err := svc.DiscardReview(ctx, view.ID, "bob"); err != nil {
		t.Fatalf("DiscardReview() error = %v", err)
	}
	_, err = svc.StartReview(ctx, view.ID, StartReviewInput{
		TriggeredBy: "Second update",
		Findings:    []review.Finding{{OriginalText: "cash", IsCompliant: true}},
	})
	expectCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestDiscardReview(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	view := createExample(t, svc)

	dropped, err := svc.DiscardReview(ctx, view.ID, "bob")
	if err != nil {
		t.Fatalf("DiscardReview() error = %v", err)
	}
	if dropped.ID != view.PendingReview.ID {
		t.Fatalf("discarded %s, want %s", dropped.ID, view.PendingReview.ID)
	}
	stored, _ := repo.LoadPolicy(ctx, view.ID)
	if stored.PendingReview != nil || stored.CurrentVersion != 1 || len(stored.Archive) != 1 {
		t.Fatalf("unexpected stored policy after discard: %+v", stored)
	}
	if stored.Archive[0].Outcome != ledger.OutcomeDiscarded {
		t.Fatalf("expected discarded outcome, got %s", stored.Archive[0].Outcome)
	}
}

func TestLockerGuardsWrites(t *testing.T) {
	locker := &fakeLocker{}
	svc, _ := newTestService(t, WithLocker(locker))
	ctx := context.Background()
	view := createExample(t, svc)
	changeID := view.PendingReview.Changes[0].ID

	if _, err := svc.Transition(ctx, view.ID, changeID, "accept", "", "carol"); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if len(locker.acquired) != 1 || locker.acquired[0] != "carol" || len(locker.released) != 1 {
		t.Fatalf("expected one acquire/release pair, got %v / %v", locker.acquired, locker.released)
	}

	locker.acquireFn = func(_ context.Context, policyID, _ string, _ time.Duration) (session.Lock, error) {
		return session.Lock{}, fmt.Errorf("policy %s held by dave: %w", policyID, session.ErrLocked)
	}
	_, err := svc.Finalize(ctx, view.ID, "bob")
	expectCode(t, err, http.StatusLocked, "REVIEW_LOCKED")

	got, _ := svc.GetPolicy(ctx, view.ID)
	if got.CurrentVersion != 1 {
		t.Fatalf("locked finalize must not commit, got version %d", got.CurrentVersion)
	}
}

func TestArchiveFailureDoesNotFailFinalize(t *testing.T) {
	archive := &fakeArchive{}
	svc, _ := newTestService(t, WithArchive(archive))
	ctx := context.Background()
	view := createExample(t, svc)

	archive.commitFn = func(string, ledger.DocumentVersion) (gitrepo.CommitInfo, error) {
		return gitrepo.CommitInfo{}, errors.New("disk full")
	}
	if _, err := svc.Transition(ctx, view.ID, view.PendingReview.Changes[0].ID, "reject", "", "carol"); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	out, err := svc.Finalize(ctx, view.ID, "bob")
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if out.Archive != nil {
		t.Fatalf("expected no archive info, got %+v", out.Archive)
	}
	if out.Version.Number != 2 || out.Version.Text != baseText {
		t.Fatalf("rejected-only review must commit the unchanged text as version 2, got %+v", out.Version)
	}
}

func TestCompareVersions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	view := createExample(t, svc)
	if _, err := svc.Transition(ctx, view.ID, view.PendingReview.Changes[0].ID, "accept", "", "carol"); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if _, err := svc.Finalize(ctx, view.ID, "bob"); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	out, err := svc.CompareVersions(ctx, view.ID, 1, 2, "removal")
	if err != nil {
		t.Fatalf("CompareVersions() error = %v", err)
	}
	var removed string
	for _, span := range out.Spans {
		if span.Kind.String() == "added" {
			t.Fatalf("removal mode must not contain additions: %+v", out.Spans)
		}
		if span.Kind.String() == "removed" {
			removed += span.Text
		}
	}
	if removed == "" {
		t.Fatalf("expected removed spans, got %+v", out.Spans)
	}

	_, err = svc.CompareVersions(ctx, view.ID, 1, 9, "")
	expectCode(t, err, http.StatusNotFound, "NOT_FOUND")
	_, err = svc.CompareVersions(ctx, view.ID, 1, 2, "sideways")
	expectCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestDiffFallsBackWhenCeilingExceeded(t *testing.T) {
	repo := store.NewMemoryStore()
	svc, err := New(config.Config{MaxEditDistance: 2}, repo)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := svc.Diff(context.Background(), DiffInput{Old: "alpha\nbeta\n", New: "gamma\ndelta\n"})
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	if !out.Degraded {
		t.Fatal("expected degraded diff")
	}
	if got := testutil.ToFloat64(svc.Metrics().DiffDegradedTotal); got != 1 {
		t.Fatalf("expected degraded metric, got %v", got)
	}

	_, err = svc.Diff(context.Background(), DiffInput{Old: "a", New: "b", Granularity: "sentence"})
	expectCode(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func randomText(rng *rand.Rand, n int) string {
	const alphabet = "abcdefgh"
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return string(buf)
}

func TestDefaultConfigBoundsUnrelatedDiffs(t *testing.T) {
	t.Setenv("DIFF_MAX_EDIT_DISTANCE", "")
	cfg := config.Load()
	cfg.LockTTL = time.Minute
	svc, err := New(cfg, store.NewMemoryStore())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	rng := rand.New(rand.NewSource(7))
	oldText, newText := randomText(rng, 20000), randomText(rng, 20000)

	start := time.Now()
	out, err := svc.Diff(context.Background(), DiffInput{Old: oldText, New: newText})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	if !out.Degraded {
		t.Fatal("expected unrelated texts to fall back to a line diff")
	}
	if elapsed > 5*time.Second {
		t.Fatalf("expected bounded diff to return quickly, took %s", elapsed)
	}
}

func TestArchiveHistory(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.ArchiveHistory(context.Background(), "pol_x", 0)
	expectCode(t, err, http.StatusNotFound, "ARCHIVE_DISABLED")

	archive := &fakeArchive{historyFn: func(policyID string, limit int) ([]gitrepo.CommitInfo, error) {
		return []gitrepo.CommitInfo{{Hash: "abc1234", Version: 1}}, nil
	}}
	svc, _ = newTestService(t, WithArchive(archive))
	view := createExample(t, svc)
	items, err := svc.ArchiveHistory(context.Background(), view.ID, 5)
	if err != nil {
		t.Fatalf("ArchiveHistory() error = %v", err)
	}
	if len(items) != 1 || items[0].Hash != "abc1234" {
		t.Fatalf("unexpected archive history: %+v", items)
	}
}
