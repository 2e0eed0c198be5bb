// Package gitrepo mirrors committed policy versions into one git repository
// per policy, tagging each commit v<N>.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/SilentHawker/AML-platform/internal/ledger"
)

const (
	textFile     = "policy.txt"
	manifestFile = "version.json"
)

var ErrNoArchive = errors.New("policy has no archive")

// CommitInfo describes one archived version.
type CommitInfo struct {
	Hash     string    `json:"hash"`
	Version  int       `json:"version"`
	Digest   string    `json:"digest"`
	ReviewID string    `json:"reviewId,omitempty"`
	Message  string    `json:"message"`
	Author   string    `json:"author"`
	At       time.Time `json:"at"`
}

type manifest struct {
	PolicyID         string   `json:"policyId"`
	Version          int      `json:"version"`
	Digest           string   `json:"digest"`
	ReviewID         string   `json:"reviewId,omitempty"`
	AppliedChangeIDs []string `json:"appliedChangeIds,omitempty"`
	SkippedChangeIDs []string `json:"skippedChangeIds,omitempty"`
}

type Archive struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Archive {
	return &Archive{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// TagName is the tag used for version n.
func TagName(n int) string {
	return fmt.Sprintf("v%d", n)
}

// CommitVersion writes v as the next commit on main and tags it. The
// repository is created on first use.
func (a *Archive) CommitVersion(policyID string, v ledger.DocumentVersion) (CommitInfo, error) {
	lock := a.policyLock(policyID)
	lock.Lock()
	defer lock.Unlock()

	repo, fresh, err := a.openOrInit(policyID)
	if err != nil {
		return CommitInfo{}, err
	}
	if !fresh {
		if _, err := repo.Tag(TagName(v.Number)); err == nil {
			return CommitInfo{}, fmt.Errorf("archive %s: version %d already archived", policyID, v.Number)
		}
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	if err := os.WriteFile(filepath.Join(root, textFile), []byte(v.Text), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write %s: %w", textFile, err)
	}
	payload, err := json.MarshalIndent(manifest{
		PolicyID:         policyID,
		Version:          v.Number,
		Digest:           v.Digest,
		ReviewID:         v.ReviewID,
		AppliedChangeIDs: v.AppliedChangeIDs,
		SkippedChangeIDs: v.SkippedChangeIDs,
	}, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, manifestFile), append(payload, '\n'), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write %s: %w", manifestFile, err)
	}
	for _, name := range []string{textFile, manifestFile} {
		if _, err := worktree.Add(name); err != nil {
			return CommitInfo{}, fmt.Errorf("git add %s: %w", name, err)
		}
	}

	sig := signature(v)
	hash, err := worktree.Commit(commitMessage(v), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            sig,
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit version %d: %w", v.Number, err)
	}
	if fresh {
		if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
			return CommitInfo{}, fmt.Errorf("set main branch ref: %w", err)
		}
		if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
			return CommitInfo{}, fmt.Errorf("set HEAD to main: %w", err)
		}
	}

	if _, err := repo.CreateTag(TagName(v.Number), hash, &git.CreateTagOptions{
		Tagger:  sig,
		Message: fmt.Sprintf("Policy %s version %d", policyID, v.Number),
	}); err != nil && !errors.Is(err, git.ErrTagExists) {
		return CommitInfo{}, fmt.Errorf("create tag: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj)
}

// TextAt returns the archived text of version n.
func (a *Archive) TextAt(policyID string, n int) (string, error) {
	lock := a.policyLock(policyID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.open(policyID)
	if err != nil {
		return "", err
	}
	commitObj, err := versionCommit(repo, n)
	if err != nil {
		return "", err
	}
	return readFile(commitObj, textFile)
}

// History lists archived versions newest first. A limit of 0 returns all.
func (a *Archive) History(policyID string, limit int) ([]CommitInfo, error) {
	lock := a.policyLock(policyID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.open(policyID)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		info, err := toCommitInfo(commitObj)
		if err != nil {
			return err
		}
		items = append(items, info)
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (a *Archive) repoPath(policyID string) string {
	return filepath.Join(a.baseDir, policyID)
}

func (a *Archive) policyLock(policyID string) *sync.Mutex {
	a.lockMu.Lock()
	defer a.lockMu.Unlock()
	lock, ok := a.locks[policyID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	a.locks[policyID] = lock
	return lock
}

func (a *Archive) open(policyID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(a.repoPath(policyID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("policy %s: %w", policyID, ErrNoArchive)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (a *Archive) openOrInit(policyID string) (*git.Repository, bool, error) {
	path := a.repoPath(policyID)
	if _, err := os.Stat(path); err == nil {
		repo, err := a.open(policyID)
		return repo, false, err
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, false, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, false, fmt.Errorf("init repo: %w", err)
	}
	return repo, true, nil
}

func versionCommit(repo *git.Repository, n int) (*object.Commit, error) {
	ref, err := repo.Tag(TagName(n))
	if err != nil {
		return nil, fmt.Errorf("version %d: %w", n, ledger.ErrVersionNotFound)
	}
	// Annotated tags point at a tag object, lightweight ones at the commit.
	if tagObj, err := repo.TagObject(ref.Hash()); err == nil {
		commitObj, err := tagObj.Commit()
		if err != nil {
			return nil, fmt.Errorf("peel tag %s: %w", TagName(n), err)
		}
		return commitObj, nil
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("read commit for %s: %w", TagName(n), err)
	}
	return commitObj, nil
}

func readFile(commitObj *object.Commit, name string) (string, error) {
	file, err := commitObj.File(name)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", name, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return contents, nil
}

func toCommitInfo(commitObj *object.Commit) (CommitInfo, error) {
	raw, err := readFile(commitObj, manifestFile)
	if err != nil {
		return CommitInfo{}, err
	}
	var m manifest
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return CommitInfo{}, fmt.Errorf("decode manifest: %w", err)
	}
	return CommitInfo{
		Hash:     commitObj.Hash.String()[:7],
		Version:  m.Version,
		Digest:   m.Digest,
		ReviewID: m.ReviewID,
		Message:  commitObj.Message,
		Author:   commitObj.Author.Name,
		At:       commitObj.Author.When.UTC(),
	}, nil
}

func commitMessage(v ledger.DocumentVersion) string {
	if v.ReviewID == "" {
		return fmt.Sprintf("Policy version %d", v.Number)
	}
	return fmt.Sprintf("Policy version %d\n\nreview: %s\napplied: %d\nskipped: %d",
		v.Number, v.ReviewID, len(v.AppliedChangeIDs), len(v.SkippedChangeIDs))
}

func signature(v ledger.DocumentVersion) *object.Signature {
	name := v.CreatedBy
	if name == "" {
		name = "policy-review"
	}
	return &object.Signature{
		Name:  name,
		Email: fmt.Sprintf("%s@policy-review.local", sanitizeEmail(name)),
		When:  v.CreatedAt,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
