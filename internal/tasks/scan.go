// Package tasks holds the built-in background task factories.
package tasks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jobwatch-dev/jobwatch/internal/runner"
)

// NewScanFactory returns the "scan" task factory. The task walks the tree
// rooted at the "path" param, hashes every regular file and reports one
// detail line per file. An optional "pattern" param filters file names with
// filepath.Match semantics.
func NewScanFactory() runner.TaskFactory {
	return func(params map[string]string) (runner.TaskFunc, error) {
		root := params["path"]
		if root == "" {
			return nil, errors.New("param \"path\" is required")
		}
		pattern := params["pattern"]
		if pattern != "" {
			if _, err := filepath.Match(pattern, ""); err != nil {
				return nil, fmt.Errorf("param \"pattern\": %w", err)
			}
		}
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("param \"path\": %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("param \"path\": %s is not a directory", root)
		}
		return func(ctx context.Context, rep *runner.Reporter) error {
			return scan(ctx, rep, root, pattern)
		}, nil
	}
}

func scan(ctx context.Context, rep *runner.Reporter, root, pattern string) error {
	files, err := listFiles(ctx, rep, root, pattern)
	if err != nil {
		return err
	}

	rep.SetTotal(uint64(len(files)))
	rep.Detailf("scanning %d files under %s", len(files), root)

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := rep.Err(); err != nil {
			return err
		}
		sum, size, err := hashFile(path)
		if err != nil {
			// Files can vanish mid-walk; report and move on.
			rep.Detailf("skip %s: %v", path, err)
			rep.Add(1)
			continue
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		rep.Detailf("%s  %d bytes  sha256=%s", rel, size, sum)
		rep.Add(1)
	}
	return nil
}

// listFiles walks the tree up front so the job can report a denominator
// before the per-file work starts.
func listFiles(ctx context.Context, rep *runner.Reporter, root, pattern string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if repErr := rep.Err(); repErr != nil {
			return repErr
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if pattern != "" {
			if ok, _ := filepath.Match(pattern, d.Name()); !ok {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return files, nil
}

func hashFile(path string) (sum string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err = io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
