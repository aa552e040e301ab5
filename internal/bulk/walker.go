package bulk

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
)

// walkTree visits every regular file under root that passes filter, in
// lexical order. Symlinks are never followed or uploaded. Unreadable
// subdirectories are logged and skipped; an error from visit or a canceled
// ctx stops the walk.
func walkTree(
	ctx context.Context, root, prefix string, filter *Filter, logger *slog.Logger, visit func(Task) error,
) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == root && d == nil {
				return fmt.Errorf("bulk: walking %s: %w", root, walkErr)
			}

			logger.Warn("walk error, skipping",
				slog.String("path", path),
				slog.String("error", walkErr.Error()),
			)

			return skipEntry(d)
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if path == root {
			return nil
		}

		if d.Type()&fs.ModeSymlink != 0 {
			logger.Debug("skipping symlink", slog.String("path", path))
			return nil
		}

		if d.IsDir() {
			if filter.Ignored(path, true) {
				return fs.SkipDir
			}

			return nil
		}

		if !d.Type().IsRegular() {
			logger.Debug("skipping non-regular file", slog.String("path", path))
			return nil
		}

		if filter.Ignored(path, false) || !filter.Allows(path) {
			logger.Debug("skipping filtered file", slog.String("path", path))
			return nil
		}

		name, err := remoteName(root, path, prefix)
		if err != nil {
			return err
		}

		return visit(Task{Path: path, DestName: name})
	})
}

// skipEntry returns fs.SkipDir for directories and nil for files.
func skipEntry(d fs.DirEntry) error {
	if d != nil && d.IsDir() {
		return fs.SkipDir
	}

	return nil
}

// remoteName maps a path under root to its bucket name: the root-relative
// path with forward slashes, under prefix when one is set.
func remoteName(root, path, prefix string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("bulk: computing relative path for %s: %w", path, err)
	}

	rel = filepath.ToSlash(rel)

	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return rel, nil
	}

	return prefix + "/" + rel, nil
}
