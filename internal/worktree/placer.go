// Package worktree places clone worktrees on local disk, resolving naming
// conflicts the way the original daemon's make_worktree/try_worktree did.
package worktree

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrInvalidDirectory is returned in commit mode when the candidate path
// exists but is not a directory.
var ErrInvalidDirectory = fmt.Errorf("invalid local directory")

// ErrAlreadyInSync is returned in commit mode when the candidate path is
// already the worktree of a known repository or another non-terminal clone.
var ErrAlreadyInSync = fmt.Errorf("already in sync")

// ErrInvalidDirectoryName is returned when the candidate's basename is not a
// byte-prefix of the repository name.
var ErrInvalidDirectoryName = fmt.Errorf("invalid local directory name")

// ErrExhausted is returned if no disambiguated name could be found within
// the bound on suffix attempts.
var ErrExhausted = fmt.Errorf("could not find a free worktree path")

// maxSuffix bounds the "-N" search, matching the 2^32-1 bound in §4.2.
const maxSuffix = math.MaxUint32

// Conflicts is consulted by Place to find out whether a path is already a
// repository's worktree or some other non-terminal task's worktree. Both
// checks are required per the original is_worktree_of_repo's two loops.
type Conflicts interface {
	// RepoWorktree reports whether path is a registered repository's
	// current worktree.
	RepoWorktree(path string) bool
	// TaskWorktree reports whether path belongs to some other non-terminal
	// clone task.
	TaskWorktree(path string) bool
}

// Placer implements the Worktree Placer component.
type Placer struct {
	conflicts Conflicts

	mu        sync.Mutex
	generated map[string]bool // dry-run names handed out by GenDefault, not yet created on disk
}

// New returns a Placer that consults conflicts for the "already in sync"
// check.
func New(conflicts Conflicts) *Placer {
	return &Placer{conflicts: conflicts, generated: make(map[string]bool)}
}

// Place resolves candidate to a final absolute worktree path.
//
// In commit mode a conflict is a hard failure (ErrInvalidDirectory /
// ErrAlreadyInSync); in dry-run mode it is resolved by appending "-1",
// "-2", ... until a free name is found. The directory is created unless
// dryRun is set.
func (p *Placer) Place(candidate string, dryRun bool) (string, error) {
	base := trimTrailingSeparators(candidate)

	for n := 0; ; n++ {
		path := base
		if n > 0 {
			path = fmt.Sprintf("%s-%d", base, n)
		}
		if n > maxSuffix {
			return "", ErrExhausted
		}

		info, statErr := os.Stat(path)
		switch {
		case os.IsNotExist(statErr):
			if !dryRun {
				if err := os.MkdirAll(path, 0o755); err != nil {
					return "", fmt.Errorf("creating worktree directory: %w", err)
				}
			}
			return path, nil

		case statErr != nil:
			return "", fmt.Errorf("stat %s: %w", path, statErr)

		case !info.IsDir():
			if !dryRun {
				return "", ErrInvalidDirectory
			}
			continue // dry-run: try the next -N suffix

		case p.inSync(path):
			if !dryRun {
				return "", ErrAlreadyInSync
			}
			continue

		default:
			// Path exists, is a directory, and is not any known worktree:
			// reuse it as-is.
			return path, nil
		}
	}
}

func (p *Placer) inSync(path string) bool {
	if p.conflicts == nil {
		return false
	}
	return p.conflicts.RepoWorktree(path) || p.conflicts.TaskWorktree(path)
}

// GenDefault implements gen_default_worktree: always succeeds, never
// creates a directory, and returns parent/repoName or a "-N" variant if
// that path is already taken.
//
// Beyond what's on disk, GenDefault also skips every name it has already
// handed out (it remembers those) and every name a registered repo or task
// holds (it asks its Conflicts for those), so that calling it N times in a row with nothing else happening
// in between still yields N distinct paths: name, name-1, name-2, ... This
// mirrors what would happen if each generated path were immediately
// committed via add_task, without requiring the caller to actually do so.
func (p *Placer) GenDefault(parent, repoName string) string {
	base := filepath.Join(trimTrailingSeparators(parent), repoName)

	p.mu.Lock()
	defer p.mu.Unlock()

	for n := 0; ; n++ {
		path := base
		if n > 0 {
			path = fmt.Sprintf("%s-%d", base, n)
		}
		if _, err := os.Stat(path); os.IsNotExist(err) && !p.inSync(path) && !p.generated[path] {
			p.generated[path] = true
			return path
		}
		if n > maxSuffix {
			return path
		}
	}
}

// ValidateName implements the commit-mode repo_name-must-be-prefix-of-
// basename admission check: repoName must be a byte-prefix of the
// candidate's basename, which allows the "-N" disambiguation suffix Place
// appends (worktree "foo-1" still matches repo_name "foo"). Comparison is
// byte-prefix on UTF-8, matching the original worktree_repo_name_matches,
// which requires base_len >= name_len and strncmp(base, repo_name,
// name_len) == 0.
func ValidateName(candidatePath, repoName string) error {
	base := filepath.Base(trimTrailingSeparators(candidatePath))
	if len(base) < len(repoName) || !strings.HasPrefix(base, repoName) {
		return ErrInvalidDirectoryName
	}
	return nil
}

// trimTrailingSeparators strips every trailing path separator, matching
// make_worktree's while-loop rather than a single TrimSuffix.
func trimTrailingSeparators(path string) string {
	return strings.TrimRight(path, "/")
}
