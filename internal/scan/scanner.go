// Package scan discovers entity-bearing files in the workspace and watches
// them for changes. Paths are workspace-relative with forward slashes so
// entity IDs derived from them are stable across machines.
package scan

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/foliodev/folio/internal/config"
	"github.com/foliodev/folio/internal/debug"
	"github.com/foliodev/folio/internal/parse"
	"github.com/foliodev/folio/internal/types"
)

// Result is the parse outcome for one file.
type Result struct {
	Path       string // workspace-relative, forward slashes
	Candidates []types.Candidate
}

// Scanner walks the workspace and parses matching files.
type Scanner struct {
	cfg      *config.Config
	registry *parse.Registry
}

// New creates a scanner over a validated configuration.
func New(cfg *config.Config, registry *parse.Registry) *Scanner {
	return &Scanner{cfg: cfg, registry: registry}
}

// Root returns the absolute workspace root.
func (s *Scanner) Root() string { return s.cfg.Project.Root }

// Abs converts a workspace-relative path to an absolute one.
func (s *Scanner) Abs(rel string) string {
	return filepath.Join(s.cfg.Project.Root, filepath.FromSlash(rel))
}

// Rel converts an absolute path to the canonical workspace-relative form.
func (s *Scanner) Rel(abs string) (string, bool) {
	rel, err := filepath.Rel(s.cfg.Project.Root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// Matches reports whether a workspace-relative file path is in scope:
// matched by an include pattern and by no exclude pattern.
func (s *Scanner) Matches(rel string) bool {
	if matchesAny(s.cfg.Exclude, rel) {
		return false
	}
	return matchesAny(s.cfg.Include, rel)
}

// skipDir reports whether an entire directory is excluded.
func (s *Scanner) skipDir(rel string) bool {
	for _, pattern := range s.cfg.Exclude {
		dirPattern := strings.TrimSuffix(pattern, "/**")
		if ok, _ := doublestar.Match(dirPattern, rel); ok {
			return true
		}
	}
	return false
}

func matchesAny(patterns []string, rel string) bool {
	for _, pattern := range patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// ScanWorkspace walks the whole workspace and parses every matching file,
// with parse work fanned out across the configured worker count. Results
// come back sorted by path so a full scan is deterministic.
func (s *Scanner) ScanWorkspace(ctx context.Context) ([]Result, error) {
	var rels []string
	err := filepath.WalkDir(s.cfg.Project.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable directories are skipped, not fatal.
			debug.LogScan("walk error at %s: %v\n", path, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, ok := s.Rel(path)
		if !ok || rel == "." {
			return nil
		}
		if d.IsDir() {
			if s.skipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if s.Matches(rel) {
			rels = append(rels, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("workspace walk failed: %w", err)
	}

	results := make([]Result, len(rels))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers())
	for i, rel := range rels {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res, exists, err := s.ScanFile(rel)
			if err != nil || !exists {
				// The file vanished or stayed unreadable mid-scan; it simply
				// contributes nothing.
				results[i] = Result{Path: rel}
				return nil
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	debug.LogScan("workspace scan: %d files\n", len(results))
	return results, nil
}

func (s *Scanner) workers() int {
	if s.cfg.Scan.Workers > 0 {
		return s.cfg.Scan.Workers
	}
	return 4
}

// ScanFile reads and parses one workspace-relative file. exists is false
// when the file is gone. Oversize and persistently unreadable files yield a
// diagnostic stub rather than an error so the rest of the scan proceeds.
func (s *Scanner) ScanFile(rel string) (Result, bool, error) {
	parser, ok := s.registry.ForPath(rel)
	if !ok {
		return Result{Path: rel}, true, nil
	}

	abs := s.Abs(rel)
	info, err := os.Stat(abs)
	if os.IsNotExist(err) {
		return Result{Path: rel}, false, nil
	}
	if err != nil {
		return Result{Path: rel}, false, err
	}
	if info.Size() > s.cfg.Scan.MaxFileSize {
		stub := parse.StubCandidate("file", parser.Strategy(),
			fmt.Sprintf("file exceeds size limit (%d bytes)", info.Size()))
		return Result{Path: rel, Candidates: []types.Candidate{stub}}, true, nil
	}

	content, err := s.readWithRetry(abs)
	if os.IsNotExist(err) {
		return Result{Path: rel}, false, nil
	}
	if err != nil {
		stub := parse.StubCandidate("file", parser.Strategy(),
			fmt.Sprintf("unreadable file: %v", err))
		return Result{Path: rel, Candidates: []types.Candidate{stub}}, true, nil
	}

	return Result{Path: rel, Candidates: parser.Parse(rel, content)}, true, nil
}

// readWithRetry reads a file, retrying once after the configured delay.
// Editors replace files non-atomically often enough that the first read can
// land mid-save.
func (s *Scanner) readWithRetry(abs string) ([]byte, error) {
	content, err := os.ReadFile(abs)
	if err == nil || os.IsNotExist(err) {
		return content, err
	}
	time.Sleep(time.Duration(s.cfg.Scan.RetryDelay) * time.Millisecond)
	return os.ReadFile(abs)
}

// ReadFile reads a workspace-relative file with the retry policy applied.
func (s *Scanner) ReadFile(rel string) ([]byte, error) {
	return s.readWithRetry(s.Abs(rel))
}
