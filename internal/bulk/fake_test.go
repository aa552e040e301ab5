package bulk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/b2-go/internal/b2"
)

const (
	fakeBucketID   = "bucket-1"
	fakeBucketName = "photos"
)

// fakeUploader records sessions and uploads and fails on demand. It flags
// any upload that runs under a token already in use.
type fakeUploader struct {
	mu sync.Mutex

	sessions []string
	active   map[string]bool
	// failures is the number of remaining failures per file base name.
	failures map[string]int
	// localFailures fail with a FilesystemError instead of an UploadError.
	localFailures map[string]bool
	// panics names files whose upload panics. Set before the run starts.
	panics        map[string]bool
	uploads       []string // dest names in completion order
	attempts      map[string]int

	sharedToken atomic.Bool
	uploadDelay time.Duration
	sessionErr  error
	inflightAcq atomic.Int32
	maxInflight atomic.Int32
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{
		active:        make(map[string]bool),
		failures:      make(map[string]int),
		localFailures: make(map[string]bool),
		panics:        make(map[string]bool),
		attempts:      make(map[string]int),
	}
}

func (f *fakeUploader) GetBucket(_ context.Context, ref b2.BucketRef) (*b2.Bucket, error) {
	if ref.ID == fakeBucketID || ref.Name == fakeBucketName {
		return &b2.Bucket{BucketID: fakeBucketID, BucketName: fakeBucketName, BucketType: b2.BucketAllPrivate}, nil
	}

	return nil, fmt.Errorf("%w: %s", b2.ErrBucketNotFound, ref)
}

func (f *fakeUploader) GetUploadSession(_ context.Context, ref b2.BucketRef) (*b2.UploadSession, error) {
	n := f.inflightAcq.Add(1)
	defer f.inflightAcq.Add(-1)

	for {
		peak := f.maxInflight.Load()
		if n <= peak || f.maxInflight.CompareAndSwap(peak, n) {
			break
		}
	}

	if f.sessionErr != nil {
		return nil, f.sessionErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	token := fmt.Sprintf("up-%d", len(f.sessions)+1)
	f.sessions = append(f.sessions, token)

	return &b2.UploadSession{BucketID: ref.ID, UploadURL: "https://upload.invalid/" + token, AuthorizationToken: token}, nil
}

func (f *fakeUploader) UploadFile(
	_ context.Context, localPath, destName string, us *b2.UploadSession,
) (*b2.FileInfo, error) {
	base := filepath.Base(localPath)

	if f.panics[base] {
		panic("uploader exploded on " + base)
	}

	f.mu.Lock()
	if f.active[us.AuthorizationToken] {
		f.sharedToken.Store(true)
	}

	f.active[us.AuthorizationToken] = true
	f.attempts[base]++
	f.mu.Unlock()

	if f.uploadDelay > 0 {
		time.Sleep(f.uploadDelay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.active, us.AuthorizationToken)

	if f.localFailures[base] {
		return nil, &b2.FilesystemError{Op: "open", Path: localPath, Err: os.ErrPermission}
	}

	if f.failures[base] > 0 {
		f.failures[base]--
		return nil, &b2.UploadError{StatusCode: 503, Body: `{"code":"service_unavailable"}`}
	}

	if destName == "" {
		destName = base
	}

	f.uploads = append(f.uploads, destName)

	return &b2.FileInfo{FileID: "id-" + destName, FileName: destName}, nil
}

func (f *fakeUploader) uploaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := append([]string(nil), f.uploads...)
	sort.Strings(out)

	return out
}

func (f *fakeUploader) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.sessions)
}

func (f *fakeUploader) attemptsFor(base string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.attempts[base]
}

// fakeRecorder keeps everything in memory.
type fakeRecorder struct {
	mu       sync.Mutex
	started  []Run
	outcomes map[string][]FileOutcome
	finished []*Result
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{outcomes: make(map[string][]FileOutcome)}
}

func (r *fakeRecorder) StartRun(_ context.Context, run Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.started = append(r.started, run)

	return nil
}

func (r *fakeRecorder) RecordOutcome(_ context.Context, runID string, o FileOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.outcomes[runID] = append(r.outcomes[runID], o)

	return nil
}

func (r *fakeRecorder) FinishRun(_ context.Context, res *Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.finished = append(r.finished, res)

	return nil
}

// makeTree creates files (slash-separated relative paths) under a new temp
// dir and returns the dir.
func makeTree(t *testing.T, files ...string) string {
	t.Helper()

	root := t.TempDir()

	for _, rel := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("content of "+rel), 0o600))
	}

	return root
}

// newTestCoordinator returns a coordinator whose retry backoff is instant
// and counted.
func newTestCoordinator(up Uploader, sleeps *atomic.Int32, opts ...Option) *Coordinator {
	c := NewCoordinator(up, opts...)
	c.sleepFunc = func(ctx context.Context, _ time.Duration) error {
		if sleeps != nil {
			sleeps.Add(1)
		}

		return ctx.Err()
	}

	return c
}

func names(outcomes []FileOutcome) []string {
	out := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, o.DestName)
	}

	sort.Strings(out)

	return out
}
