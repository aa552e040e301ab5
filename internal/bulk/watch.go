package bulk

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tonimelisma/b2-go/internal/b2"
)

const (
	defaultSettleDelay = 2 * time.Second

	watchErrInitBackoff = 1 * time.Second
	watchErrMaxBackoff  = 30 * time.Second
	watchErrBackoffMult = 2
)

// fsWatcher is the subset of *fsnotify.Watcher used by Watch.
type fsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func newFsnotifyWatcher() (fsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &fsnotifyWatcher{w: w}, nil
}

func (f *fsnotifyWatcher) Add(name string) error         { return f.w.Add(name) }
func (f *fsnotifyWatcher) Close() error                  { return f.w.Close() }
func (f *fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f *fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

// Watch uploads the tree under req.Root and then keeps uploading files that
// are created or modified, until ctx is canceled. A file is enqueued once it
// has been quiet for the settle delay. After cancellation the queue drains
// and the workers are joined as in Run; files already queued are still
// uploaded. req.Sequential is ignored.
func (c *Coordinator) Watch(ctx context.Context, req Request) (*Result, error) {
	if err := req.Bucket.Validate(); err != nil {
		return nil, err
	}

	info, err := os.Stat(req.Root)
	if err != nil {
		return nil, &b2.FilesystemError{Op: "stat", Path: req.Root, Err: err}
	}

	if !info.IsDir() {
		return nil, &b2.FilesystemError{Op: "watch", Path: req.Root, Err: fs.ErrInvalid}
	}

	bucket, err := c.up.GetBucket(ctx, req.Bucket)
	if err != nil {
		return nil, err
	}

	watcher, err := c.newWatcher()
	if err != nil {
		return nil, &b2.FilesystemError{Op: "watch", Path: req.Root, Err: err}
	}
	defer watcher.Close()

	res := c.startRun(ctx, req, bucket, ModeWatch)

	w := &treeWatcher{
		root:    req.Root,
		prefix:  req.Prefix,
		filter:  req.Filter,
		watcher: watcher,
		settle:  c.settle,
		logger:  c.logger,
		pending: make(map[string]time.Time),
	}

	runErr := c.runConcurrent(ctx, context.WithoutCancel(ctx), b2.BucketByID(bucket.BucketID), res,
		func(ctx context.Context, enqueue func(Task) error) error {
			// Watches go in before the initial walk so nothing created during
			// the walk is missed; such files may be uploaded twice.
			w.addTree(ctx, req.Root)

			if err := walkTree(ctx, req.Root, req.Prefix, req.Filter, c.logger, enqueue); err != nil {
				return err
			}

			return w.loop(ctx, enqueue)
		})

	c.finishRun(ctx, res)

	// Cancellation is how a watch ends.
	if ctx.Err() != nil && runErr != nil {
		runErr = nil
	}

	return res, runErr
}

// treeWatcher turns fsnotify events under root into settled upload tasks.
// It runs on the producer goroutine only.
type treeWatcher struct {
	root    string
	prefix  string
	filter  *Filter
	watcher fsWatcher
	settle  time.Duration
	logger  *slog.Logger

	// pending maps a path to the time of its last event.
	pending map[string]time.Time
	nowFunc func() time.Time
}

func (w *treeWatcher) now() time.Time {
	if w.nowFunc != nil {
		return w.nowFunc()
	}

	return time.Now()
}

// addTree watches dir and every directory below it.
func (w *treeWatcher) addTree(ctx context.Context, dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return skipEntry(d)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !d.IsDir() {
			return nil
		}

		if path != w.root && w.filter.Ignored(path, true) {
			return fs.SkipDir
		}

		if addErr := w.watcher.Add(path); addErr != nil {
			w.logger.Warn("failed to add watch",
				slog.String("path", path),
				slog.String("error", addErr.Error()),
			)
		}

		return nil
	})
}

// loop processes events until ctx is canceled.
func (w *treeWatcher) loop(ctx context.Context, enqueue func(Task) error) error {
	tick := w.settle / 2
	if tick <= 0 {
		tick = time.Millisecond
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.watcher.Events():
			if !ok {
				return nil
			}

			w.handle(ctx, ev)

			errBackoff = watchErrInitBackoff

		case watchErr, ok := <-w.watcher.Errors():
			if !ok {
				return nil
			}

			w.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if sleepErr := timeSleep(ctx, errBackoff); sleepErr != nil {
				return nil
			}

			errBackoff *= watchErrBackoffMult
			if errBackoff > watchErrMaxBackoff {
				errBackoff = watchErrMaxBackoff
			}

		case <-ticker.C:
			if err := w.flush(enqueue); err != nil {
				if ctx.Err() != nil {
					return nil
				}

				return err
			}
		}
	}
}

// handle records a create or write of a file, and starts watching new
// directories.
func (w *treeWatcher) handle(ctx context.Context, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	info, err := os.Lstat(ev.Name)
	if err != nil {
		// Removed right after the event.
		w.logger.Debug("stat failed for watched path",
			slog.String("path", ev.Name),
			slog.String("error", err.Error()),
		)

		return
	}

	if info.IsDir() {
		if ev.Has(fsnotify.Create) && !w.filter.Ignored(ev.Name, true) {
			w.addTree(ctx, ev.Name)
			w.scanNewDirectory(ctx, ev.Name)
		}

		return
	}

	w.consider(ev.Name, info)
}

// scanNewDirectory marks files that appeared in a new directory before its
// watch was registered.
func (w *treeWatcher) scanNewDirectory(ctx context.Context, dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return skipEntry(d)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.IsDir() {
			if path != dir && w.filter.Ignored(path, true) {
				return fs.SkipDir
			}

			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return nil //nolint:nilerr // vanished between listing and stat
		}

		w.consider(path, info)

		return nil
	})
}

// consider adds a regular file that passes the filter to pending.
func (w *treeWatcher) consider(path string, info fs.FileInfo) {
	if !info.Mode().IsRegular() {
		return
	}

	if w.filter.Ignored(path, false) || !w.filter.Allows(path) {
		return
	}

	w.pending[path] = w.now()
}

// flush enqueues every pending file that has been quiet for the settle delay.
func (w *treeWatcher) flush(enqueue func(Task) error) error {
	now := w.now()

	for path, last := range w.pending {
		if now.Sub(last) < w.settle {
			continue
		}

		delete(w.pending, path)

		name, err := remoteName(w.root, path, w.prefix)
		if err != nil {
			w.logger.Warn("skipping watched file", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}

		w.logger.Info("watched file changed", slog.String("path", path))

		if err := enqueue(Task{Path: path, DestName: name}); err != nil {
			return err
		}
	}

	return nil
}
