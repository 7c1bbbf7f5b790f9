// Package ingest resolves a local repository and slices its source files
// into analyzable chunks.
//
// Resolution validates the path and size budget and pins a commit SHA so
// results and checkpoints can be tied to the exact tree that was analyzed.
// Non-git directories get a deterministic tree fingerprint instead.
package ingest

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// Options bound the walk and the chunk geometry. Zero values pick defaults.
type Options struct {
	MaxRepoSizeBytes int64
	SkipDirectories  []string
	MaxChunkTokens   int
	MinChunkLines    int
	OverlapLines     int
}

// DefaultOptions mirrors production tuning: 2 GiB repo cap, 6000-token
// chunks, 10-line merge floor, 50-line overlap for unstructured files.
func DefaultOptions() Options {
	return Options{
		MaxRepoSizeBytes: 2 << 30,
		SkipDirectories: []string{
			"node_modules", "vendor", ".venv", "__pycache__",
			"build", "dist", "target", ".git", ".svn", ".hg", ".next",
		},
		MaxChunkTokens: 6000,
		MinChunkLines:  10,
		OverlapLines:   50,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxRepoSizeBytes <= 0 {
		o.MaxRepoSizeBytes = def.MaxRepoSizeBytes
	}
	if o.SkipDirectories == nil {
		o.SkipDirectories = def.SkipDirectories
	}
	if o.MaxChunkTokens <= 0 {
		o.MaxChunkTokens = def.MaxChunkTokens
	}
	if o.MinChunkLines <= 0 {
		o.MinChunkLines = def.MinChunkLines
	}
	if o.OverlapLines <= 0 {
		o.OverlapLines = def.OverlapLines
	}
	return o
}

func (o Options) skipSet() map[string]bool {
	skip := make(map[string]bool, len(o.SkipDirectories))
	for _, d := range o.SkipDirectories {
		skip[d] = true
	}
	return skip
}

// Resolve validates a local directory for analysis and pins its commit.
// The directory is used in place and never written to.
func Resolve(ctx context.Context, path, branch string, opts Options) (model.RepoPath, error) {
	opts = opts.withDefaults()

	abs, err := filepath.Abs(path)
	if err != nil {
		return model.RepoPath{}, fmt.Errorf("ingest: resolve path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return model.RepoPath{}, fmt.Errorf("ingest: local path does not exist: %s", abs)
	}
	if !info.IsDir() {
		return model.RepoPath{}, fmt.Errorf("ingest: local path is not a directory: %s", abs)
	}

	size, fingerprint, err := measureTree(ctx, abs, opts.skipSet())
	if err != nil {
		return model.RepoPath{}, err
	}
	if size > opts.MaxRepoSizeBytes {
		return model.RepoPath{}, fmt.Errorf("ingest: repository exceeds max size (%d > %d bytes)", size, opts.MaxRepoSizeBytes)
	}

	sha := commitSHA(abs)
	if sha == "" {
		sha = fingerprint
	}
	return model.RepoPath{Path: abs, CommitSHA: sha, Branch: branch}, nil
}

// measureTree walks the tree once for both the size check and the
// fallback fingerprint. Symlinks are never followed.
func measureTree(ctx context.Context, root string, skip map[string]bool) (int64, string, error) {
	var total int64
	h := sha256.New()

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != root && skip[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		rel, _ := filepath.Rel(root, path)
		fmt.Fprintf(h, "%s\x00%d\x00%d\n", filepath.ToSlash(rel), info.Size(), info.ModTime().UnixNano())
		return nil
	})
	if err != nil {
		return 0, "", fmt.Errorf("ingest: walk tree: %w", err)
	}
	return total, hex.EncodeToString(h.Sum(nil))[:40], nil
}

// commitSHA reads HEAD out of .git without shelling out. Returns "" when
// the directory is not a git repository or the ref cannot be resolved.
func commitSHA(root string) string {
	head, err := os.ReadFile(filepath.Join(root, ".git", "HEAD"))
	if err != nil {
		return ""
	}
	ref := strings.TrimSpace(string(head))
	if target, ok := strings.CutPrefix(ref, "ref: "); ok {
		return resolveRef(root, target)
	}
	if isHexSHA(ref) {
		return ref
	}
	return ""
}

func resolveRef(root, ref string) string {
	loose, err := os.ReadFile(filepath.Join(root, ".git", filepath.FromSlash(ref)))
	if err == nil {
		if sha := strings.TrimSpace(string(loose)); isHexSHA(sha) {
			return sha
		}
	}

	packed, err := os.Open(filepath.Join(root, ".git", "packed-refs"))
	if err != nil {
		return ""
	}
	defer func() { _ = packed.Close() }()

	sc := bufio.NewScanner(packed)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 2 && fields[1] == ref && isHexSHA(fields[0]) {
			return fields[0]
		}
	}
	return ""
}

func isHexSHA(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
