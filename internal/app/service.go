package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/SilentHawker/AML-platform/internal/config"
	"github.com/SilentHawker/AML-platform/internal/diff"
	"github.com/SilentHawker/AML-platform/internal/gitrepo"
	"github.com/SilentHawker/AML-platform/internal/ledger"
	"github.com/SilentHawker/AML-platform/internal/logger"
	"github.com/SilentHawker/AML-platform/internal/metrics"
	"github.com/SilentHawker/AML-platform/internal/patch"
	"github.com/SilentHawker/AML-platform/internal/review"
	"github.com/SilentHawker/AML-platform/internal/session"
	"github.com/SilentHawker/AML-platform/internal/store"
	"github.com/SilentHawker/AML-platform/internal/util"
)

type versionArchive interface {
	CommitVersion(policyID string, v ledger.DocumentVersion) (gitrepo.CommitInfo, error)
	History(policyID string, limit int) ([]gitrepo.CommitInfo, error)
}

type reviewLocker interface {
	Acquire(ctx context.Context, policyID, owner string, ttl time.Duration) (session.Lock, error)
	Release(ctx context.Context, lock session.Lock) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

type Service struct {
	cfg         config.Config
	store       store.PolicyRepository
	archive     versionArchive
	locker      reviewLocker
	log         *logger.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	granularity diff.Granularity
	patchOpts   patch.Options

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

type Option func(*Service)

// WithArchive mirrors every committed version into a git archive.
func WithArchive(a versionArchive) Option {
	return func(s *Service) { s.archive = a }
}

// WithLocker guards writes with a cross-process review-session lock.
func WithLocker(l reviewLocker) Option {
	return func(s *Service) { s.locker = l }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(cfg config.Config, repo store.PolicyRepository, opts ...Option) (*Service, error) {
	granularity, err := diff.ParseGranularity(cfg.Granularity)
	if err != nil {
		return nil, fmt.Errorf("configure diff: %w", err)
	}
	strategy, err := patch.ParseStrategy(cfg.PatchStrategy)
	if err != nil {
		return nil, fmt.Errorf("configure patch: %w", err)
	}

	s := &Service{
		cfg:         cfg,
		store:       repo,
		now:         time.Now,
		granularity: granularity,
		patchOpts:   patch.Options{Strategy: strategy, LooseMatch: cfg.LooseMatch},
		locks:       make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	s.log = s.log.Component("service")
	return s, nil
}

func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

func (s *Service) Logger() *logger.Logger {
	return s.log
}

// Ping reports whether the backing store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	if p, ok := s.store.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

type DiffInput struct {
	Old         string `json:"old"`
	New         string `json:"new"`
	Mode        string `json:"mode"`
	Granularity string `json:"granularity"`
	Semantic    bool   `json:"semantic"`
}

type DiffOutput struct {
	Spans    []diff.Span `json:"spans"`
	Degraded bool        `json:"degraded"`
}

// Diff renders the difference between two texts.
func (s *Service) Diff(_ context.Context, in DiffInput) (DiffOutput, error) {
	mode, err := diff.ParseMode(in.Mode)
	if err != nil {
		return DiffOutput{}, validationError(err.Error())
	}
	granularity := s.granularity
	if strings.TrimSpace(in.Granularity) != "" {
		if granularity, err = diff.ParseGranularity(in.Granularity); err != nil {
			return DiffOutput{}, validationError(err.Error())
		}
	}
	return s.render(in.Old, in.New, mode, granularity, in.Semantic), nil
}

func (s *Service) render(oldText, newText string, mode diff.Mode, granularity diff.Granularity, semantic bool) DiffOutput {
	opts := []diff.Option{diff.WithGranularity(granularity), diff.WithMaxEditDistance(s.cfg.MaxEditDistance)}
	if semantic {
		opts = append(opts, diff.WithSemanticCleanup())
	}

	started := time.Now()
	res := diff.StringsWithFallback(oldText, newText, opts...)
	s.metrics.RecordDiff(granularity.String(), res.Degraded, time.Since(started))
	if res.Degraded {
		s.log.Warn().
			Int("max_edit_distance", s.cfg.MaxEditDistance).
			Msg("edit distance ceiling exceeded, fell back to line diff")
	}
	return DiffOutput{Spans: diff.Render(res.Ops, mode), Degraded: res.Degraded}
}

type CreatePolicyInput struct {
	Name        string                 `json:"name"`
	TenantID    string                 `json:"tenantId"`
	Text        string                 `json:"text"`
	Actor       string                 `json:"-"`
	TriggeredBy string                 `json:"triggeredBy"`
	Analysis    *review.AnalysisResult `json:"analysis,omitempty"`
}

type PolicyView struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	TenantID       string                 `json:"tenantId"`
	Status         ledger.Status          `json:"status"`
	CurrentVersion int                    `json:"currentVersion"`
	Current        ledger.DocumentVersion `json:"current"`
	PendingReview  *review.Review         `json:"pendingReview,omitempty"`
	Counts         *review.Counts         `json:"counts,omitempty"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

func viewOf(p *ledger.Policy) PolicyView {
	v := PolicyView{
		ID:             p.ID,
		Name:           p.Name,
		TenantID:       p.TenantID,
		Status:         p.Status(),
		CurrentVersion: p.CurrentVersion,
		Current:        p.Current(),
		UpdatedAt:      p.UpdatedAt,
	}
	if p.PendingReview != nil {
		r := p.PendingReview.Clone()
		counts := r.Counts()
		v.PendingReview = &r
		v.Counts = &counts
	}
	return v
}

// CreatePolicy stores version 1 of a new policy. Non-compliant findings in
// the analysis open the first review right away.
func (s *Service) CreatePolicy(ctx context.Context, in CreatePolicyInput) (PolicyView, error) {
	if strings.TrimSpace(in.Name) == "" {
		return PolicyView{}, validationError("name is required")
	}
	if strings.TrimSpace(in.TenantID) == "" {
		return PolicyView{}, validationError("tenantId is required")
	}

	now := s.now()
	p := ledger.New(util.NewID("pol"), strings.TrimSpace(in.Name), in.TenantID, in.Text, in.Actor, now)
	if in.Analysis != nil {
		triggeredBy := in.TriggeredBy
		if triggeredBy == "" {
			triggeredBy = review.TriggerInitialUpload
		}
		r := review.NewReview(p.ID, p.CurrentVersion, triggeredBy, in.Analysis.Findings, now)
		if len(r.Changes) > 0 {
			if err := p.Open(r); err != nil {
				return PolicyView{}, err
			}
			s.metrics.RecordReviewOpened()
		}
	}

	if err := s.store.CreatePolicy(ctx, p); err != nil {
		return PolicyView{}, fmt.Errorf("create policy: %w", err)
	}
	s.archiveVersion(p.ID, p.Current())

	s.log.ForPolicy(p.ID).Info().
		Str("tenant_id", p.TenantID).
		Str("status", string(p.Status())).
		Msg("policy created")
	return viewOf(p), nil
}

type StartReviewInput struct {
	TriggeredBy string           `json:"triggeredBy"`
	Findings    []review.Finding `json:"findings"`
	Actor       string           `json:"-"`
}

// StartReview opens a review against the current version.
func (s *Service) StartReview(ctx context.Context, policyID string, in StartReviewInput) (review.Review, error) {
	if strings.TrimSpace(in.TriggeredBy) == "" {
		return review.Review{}, validationError("triggeredBy is required")
	}
	var opened review.Review
	_, err := s.mutate(ctx, policyID, in.Actor, func(p *ledger.Policy) error {
		r := review.NewReview(p.ID, p.CurrentVersion, in.TriggeredBy, in.Findings, s.now())
		if len(r.Changes) == 0 {
			return validationError("no non-compliant findings with original text")
		}
		if err := p.Open(r); err != nil {
			return err
		}
		opened = p.PendingReview.Clone()
		return nil
	})
	if err != nil {
		return review.Review{}, err
	}
	s.metrics.RecordReviewOpened()
	s.log.ForPolicy(policyID).Info().
		Str("review_id", opened.ID).
		Int("changes", len(opened.Changes)).
		Msg("review opened")
	return opened, nil
}

func (s *Service) GetPolicy(ctx context.Context, policyID string) (PolicyView, error) {
	p, err := s.load(ctx, policyID)
	if err != nil {
		return PolicyView{}, err
	}
	return viewOf(p), nil
}

// ListChanges returns the records of the pending review and their tally.
func (s *Service) ListChanges(ctx context.Context, policyID string) ([]review.ChangeRecord, review.Counts, error) {
	p, err := s.load(ctx, policyID)
	if err != nil {
		return nil, review.Counts{}, err
	}
	if p.PendingReview == nil {
		return nil, review.Counts{}, fmt.Errorf("policy %s: %w", policyID, ledger.ErrNoPendingReview)
	}
	r := p.PendingReview.Clone()
	return r.Changes, r.Counts(), nil
}

// Transition applies accept, reject, modify or reopen to one record.
func (s *Service) Transition(ctx context.Context, policyID, changeID, action, payload, actor string) (review.ChangeRecord, error) {
	var rec review.ChangeRecord
	_, err := s.mutate(ctx, policyID, actor, func(p *ledger.Policy) error {
		var err error
		rec, err = p.Transition(changeID, action, payload)
		return err
	})
	s.metrics.RecordTransition(action, err)
	if err != nil {
		return review.ChangeRecord{}, err
	}
	s.log.ForPolicy(policyID).Debug().
		Str("change_id", changeID).
		Str("action", action).
		Str("status", rec.Status.String()).
		Str("actor", actor).
		Msg("change transitioned")
	return rec, nil
}

type PreviewView struct {
	Text      string                 `json:"text"`
	Spans     []diff.Span            `json:"spans"`
	Degraded  bool                   `json:"degraded"`
	Applied   []patch.Applied        `json:"applied"`
	Skipped   []patch.NoMatch        `json:"skipped"`
	Ambiguous []patch.AmbiguousMatch `json:"ambiguous"`
	Pending   int                    `json:"pending"`
}

// Preview shows what finalizing now would produce. Pending records are
// ignored, so a preview is available before every record is decided.
func (s *Service) Preview(ctx context.Context, policyID string) (PreviewView, error) {
	p, err := s.load(ctx, policyID)
	if err != nil {
		return PreviewView{}, err
	}
	res, err := p.PreviewWith(s.patchOpts)
	if err != nil {
		return PreviewView{}, err
	}
	rendered := s.render(p.Current().Text, res.Text, diff.Combined, s.granularity, true)
	return PreviewView{
		Text:      res.Text,
		Spans:     rendered.Spans,
		Degraded:  rendered.Degraded,
		Applied:   res.Applied,
		Skipped:   res.Skipped,
		Ambiguous: res.Ambiguous,
		Pending:   p.PendingReview.Counts().Pending,
	}, nil
}

type FinalizeView struct {
	Version   ledger.DocumentVersion `json:"version"`
	Applied   []patch.Applied        `json:"applied"`
	Skipped   []patch.NoMatch        `json:"skipped"`
	Ambiguous []patch.AmbiguousMatch `json:"ambiguous"`
	Archive   *gitrepo.CommitInfo    `json:"archive,omitempty"`
}

// Finalize commits the pending review as the next version. Skipped records
// do not block it and are returned for display.
func (s *Service) Finalize(ctx context.Context, policyID, actor string) (FinalizeView, error) {
	var out ledger.Outcome
	_, err := s.mutate(ctx, policyID, actor, func(p *ledger.Policy) error {
		var err error
		out, err = p.FinalizeWith(actor, s.now(), s.patchOpts)
		return err
	})
	if err != nil {
		var unresolved *ledger.UnresolvedReviewError
		if errors.As(err, &unresolved) {
			s.metrics.RecordFinalize("blocked", nil)
		} else {
			s.metrics.RecordFinalize("error", nil)
		}
		return FinalizeView{}, err
	}

	reasons := make([]string, 0, len(out.Result.Skipped))
	for _, sk := range out.Result.Skipped {
		reasons = append(reasons, sk.Reason)
	}
	s.metrics.RecordFinalize("committed", reasons)

	log := s.log.ForPolicy(policyID)
	for _, sk := range out.Result.Skipped {
		log.Warn().
			Str("change_id", sk.ID).
			Str("reason", sk.Reason).
			Msg("accepted change could not be applied")
	}
	log.Info().
		Int("version", out.Version.Number).
		Str("review_id", out.Review.ID).
		Int("applied", len(out.Result.Applied)).
		Int("skipped", len(out.Result.Skipped)).
		Str("actor", actor).
		Msg("review finalized")

	view := FinalizeView{
		Version:   out.Version,
		Applied:   out.Result.Applied,
		Skipped:   out.Result.Skipped,
		Ambiguous: out.Result.Ambiguous,
	}
	if info, ok := s.archiveVersion(policyID, out.Version); ok {
		view.Archive = &info
	}
	return view, nil
}

// DiscardReview drops the pending review without committing a version.
func (s *Service) DiscardReview(ctx context.Context, policyID, actor string) (review.Review, error) {
	var dropped review.Review
	_, err := s.mutate(ctx, policyID, actor, func(p *ledger.Policy) error {
		var err error
		dropped, err = p.Discard(actor, s.now())
		return err
	})
	if err != nil {
		return review.Review{}, err
	}
	s.log.ForPolicy(policyID).Info().
		Str("review_id", dropped.ID).
		Str("actor", actor).
		Msg("review discarded")
	return dropped, nil
}

// History returns every committed version, oldest first.
func (s *Service) History(ctx context.Context, policyID string) ([]ledger.DocumentVersion, error) {
	p, err := s.load(ctx, policyID)
	if err != nil {
		return nil, err
	}
	return p.History(), nil
}

// CompareVersions diffs two committed versions of a policy.
func (s *Service) CompareVersions(ctx context.Context, policyID string, from, to int, mode string) (DiffOutput, error) {
	m, err := diff.ParseMode(mode)
	if err != nil {
		return DiffOutput{}, validationError(err.Error())
	}
	p, err := s.load(ctx, policyID)
	if err != nil {
		return DiffOutput{}, err
	}
	a, ok := p.Version(from)
	if !ok {
		return DiffOutput{}, fmt.Errorf("policy %s version %d: %w", policyID, from, ledger.ErrVersionNotFound)
	}
	b, ok := p.Version(to)
	if !ok {
		return DiffOutput{}, fmt.Errorf("policy %s version %d: %w", policyID, to, ledger.ErrVersionNotFound)
	}
	return s.render(a.Text, b.Text, m, s.granularity, true), nil
}

// ArchiveHistory lists the git archive of a policy, newest first.
func (s *Service) ArchiveHistory(ctx context.Context, policyID string, limit int) ([]gitrepo.CommitInfo, error) {
	if s.archive == nil {
		return nil, domainError(http.StatusNotFound, "ARCHIVE_DISABLED", "Version archive is not configured", nil)
	}
	if _, err := s.load(ctx, policyID); err != nil {
		return nil, err
	}
	items, err := s.archive.History(policyID, limit)
	if err != nil {
		return nil, fmt.Errorf("archive history: %w", err)
	}
	return items, nil
}

func (s *Service) load(ctx context.Context, policyID string) (*ledger.Policy, error) {
	p, err := s.store.LoadPolicy(ctx, policyID)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	return p, nil
}

// mutate loads a policy, applies fn and saves the result. Nothing is saved
// when fn fails.
func (s *Service) mutate(ctx context.Context, policyID, actor string, fn func(*ledger.Policy) error) (*ledger.Policy, error) {
	mu := s.policyLock(policyID)
	mu.Lock()
	defer mu.Unlock()

	if s.locker != nil {
		owner := actor
		if owner == "" {
			owner = "anonymous"
		}
		lock, err := s.locker.Acquire(ctx, policyID, owner, s.cfg.LockTTL)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), lock); err != nil {
				s.log.ForPolicy(policyID).Warn().Err(err).Msg("release review lock")
			}
		}()
	}

	p, err := s.load(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	if err := s.store.SavePolicy(ctx, p); err != nil {
		return nil, fmt.Errorf("save policy: %w", err)
	}
	return p, nil
}

func (s *Service) policyLock(policyID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[policyID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[policyID] = lock
	return lock
}

// archiveVersion mirrors v into the git archive. The store is the source of
// truth, so archive failures are logged and not returned.
func (s *Service) archiveVersion(policyID string, v ledger.DocumentVersion) (gitrepo.CommitInfo, bool) {
	if s.archive == nil {
		return gitrepo.CommitInfo{}, false
	}
	info, err := s.archive.CommitVersion(policyID, v)
	if err != nil {
		s.log.ForPolicy(policyID).Error().Err(err).Int("version", v.Number).Msg("archive version")
		return gitrepo.CommitInfo{}, false
	}
	return info, true
}
