package b2

import (
	"crypto/sha1" //nolint:gosec // B2 mandates SHA-1 content digests
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testAccountID = "acct-1"
	testAppKey    = "secret-key"
	testBucketID  = "bucket-1"
	testBucket    = "photos"
)

type fakeFile struct {
	info    FileInfo
	content []byte
}

// fakeB2 is an in-memory B2 API served over httptest. It implements just
// enough of the native API for client tests.
type fakeB2 struct {
	t   *testing.T
	srv *httptest.Server

	authCalls      atomic.Int32
	uploadURLCalls atomic.Int32
	listCalls      atomic.Int32
	tokenSeq       atomic.Int32

	// authDelay slows authorize so concurrent callers overlap.
	authDelay time.Duration
	// rejectAuth makes authorize return 401.
	rejectAuth bool
	// corruptDownloads makes download responses advertise a wrong digest.
	corruptDownloads bool

	mu    sync.Mutex
	files map[string]*fakeFile // by file ID
	seq   int
}

func newFakeB2(t *testing.T) *fakeB2 {
	t.Helper()

	f := &fakeB2{t: t, files: make(map[string]*fakeFile)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /b2api/v1/b2_authorize_account", f.handleAuthorize)
	mux.HandleFunc("POST /b2api/v1/b2_list_buckets", f.authed(f.handleListBuckets))
	mux.HandleFunc("POST /b2api/v1/b2_create_bucket", f.authed(f.handleEchoBucket))
	mux.HandleFunc("POST /b2api/v1/b2_update_bucket", f.authed(f.handleEchoBucket))
	mux.HandleFunc("POST /b2api/v1/b2_delete_bucket", f.authed(f.handleEchoBucket))
	mux.HandleFunc("POST /b2api/v1/b2_get_upload_url", f.authed(f.handleGetUploadURL))
	mux.HandleFunc("POST /b2api/v1/b2_get_file_info", f.authed(f.handleGetFileInfo))
	mux.HandleFunc("POST /b2api/v1/b2_list_file_names", f.authed(f.handleListFileNames))
	mux.HandleFunc("POST /b2api/v1/b2_delete_file_version", f.authed(f.handleDeleteFileVersion))
	mux.HandleFunc("POST /b2api/v1/b2_get_download_authorization", f.authed(f.handleDownloadAuth))
	mux.HandleFunc("GET /b2api/v1/b2_download_file_by_id", f.handleDownloadByID)
	mux.HandleFunc("GET /file/", f.handleDownloadByName)
	mux.HandleFunc("POST /upload/{n}", f.handleUpload)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	return f
}

// client returns a Client wired to the fake server.
func (f *fakeB2) client(opts ...SessionOption) *Client {
	opts = append([]SessionOption{
		WithAuthURL(f.srv.URL),
		WithSessionLogger(slog.Default()),
	}, opts...)

	s := NewSession(testAccountID, testAppKey, opts...)

	return NewClient(s, WithDownloadHTTPClient(http.DefaultClient))
}

// put stores a file directly, bypassing the upload endpoint.
func (f *fakeB2) put(name string, content []byte) FileInfo {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	sum := sha1.Sum(content) //nolint:gosec // B2 mandates SHA-1 content digests
	fi := FileInfo{
		FileID:        fmt.Sprintf("file-%d", f.seq),
		FileName:      name,
		BucketID:      testBucketID,
		ContentLength: int64(len(content)),
		ContentSHA1:   hex.EncodeToString(sum[:]),
		ContentType:   "text/plain",
		Action:        "upload",
	}
	f.files[fi.FileID] = &fakeFile{info: fi, content: content}

	return fi
}

func (f *fakeB2) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	require.NoError(f.t, json.NewEncoder(w).Encode(v))
}

func (f *fakeB2) writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"status":%d,"code":%q,"message":%q}`, status, code, msg)
}

func (f *fakeB2) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "tok-") {
			f.writeError(w, http.StatusUnauthorized, "bad_auth_token", "missing token")
			return
		}

		next(w, r)
	}
}

func (f *fakeB2) decode(r *http.Request, v any) {
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(v))
}

func (f *fakeB2) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	f.authCalls.Add(1)

	if f.authDelay > 0 {
		time.Sleep(f.authDelay)
	}

	user, pass, ok := r.BasicAuth()
	if f.rejectAuth || !ok || user != testAccountID || pass != testAppKey {
		f.writeError(w, http.StatusUnauthorized, "unauthorized", "invalid application key")
		return
	}

	n := f.tokenSeq.Add(1)
	f.writeJSON(w, map[string]string{
		"accountId":          testAccountID,
		"authorizationToken": fmt.Sprintf("tok-%d", n),
		"apiUrl":             f.srv.URL,
		"downloadUrl":        f.srv.URL,
	})
}

func (f *fakeB2) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	f.listCalls.Add(1)

	var req map[string]string
	f.decode(r, &req)
	require.Equal(f.t, testAccountID, req["accountId"])

	f.writeJSON(w, map[string]any{"buckets": []Bucket{
		{AccountID: testAccountID, BucketID: testBucketID, BucketName: testBucket, BucketType: BucketAllPrivate},
		{AccountID: testAccountID, BucketID: "bucket-2", BucketName: "logs", BucketType: BucketAllPublic},
	}})
}

func (f *fakeB2) handleEchoBucket(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	f.decode(r, &req)

	b := Bucket{
		AccountID:  req["accountId"],
		BucketID:   req["bucketId"],
		BucketName: req["bucketName"],
		BucketType: req["bucketType"],
	}

	if b.BucketID == "" {
		b.BucketID = "bucket-new"
	}

	f.writeJSON(w, b)
}

func (f *fakeB2) handleGetUploadURL(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	f.decode(r, &req)

	n := f.uploadURLCalls.Add(1)
	f.writeJSON(w, UploadSession{
		BucketID:           req["bucketId"],
		UploadURL:          fmt.Sprintf("%s/upload/%d", f.srv.URL, n),
		AuthorizationToken: fmt.Sprintf("up-%d", n),
	})
}

func (f *fakeB2) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "up-"+r.PathValue("n") {
		f.writeError(w, http.StatusUnauthorized, "bad_auth_token", "wrong upload token")
		return
	}

	body, err := io.ReadAll(r.Body)
	require.NoError(f.t, err)

	sum := sha1.Sum(body) //nolint:gosec // B2 mandates SHA-1 content digests
	if hex.EncodeToString(sum[:]) != r.Header.Get("X-Bz-Content-Sha1") {
		f.writeError(w, http.StatusBadRequest, "bad_request", "sha1 did not match data received")
		return
	}

	name, err := url.QueryUnescape(r.Header.Get("X-Bz-File-Name"))
	require.NoError(f.t, err)

	fi := f.put(name, body)
	fi.ContentType = r.Header.Get("Content-Type")
	f.writeJSON(w, fi)
}

func (f *fakeB2) lookup(id string) (*fakeFile, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ff, ok := f.files[id]

	return ff, ok
}

func (f *fakeB2) handleGetFileInfo(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	f.decode(r, &req)

	ff, ok := f.lookup(req["fileId"])
	if !ok {
		f.writeError(w, http.StatusNotFound, "not_found", "file not present: "+req["fileId"])
		return
	}

	f.writeJSON(w, ff.info)
}

func (f *fakeB2) handleListFileNames(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BucketID     string `json:"bucketId"`
		MaxFileCount int    `json:"maxFileCount"`
		Prefix       string `json:"prefix"`
	}
	f.decode(r, &req)

	f.mu.Lock()
	defer f.mu.Unlock()

	files := []FileInfo{}
	for _, ff := range f.files {
		if strings.HasPrefix(ff.info.FileName, req.Prefix) && len(files) < req.MaxFileCount {
			files = append(files, ff.info)
		}
	}

	f.writeJSON(w, map[string]any{"files": files, "nextFileName": nil})
}

func (f *fakeB2) handleDeleteFileVersion(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	f.decode(r, &req)

	f.mu.Lock()
	delete(f.files, req["fileId"])
	f.mu.Unlock()

	f.writeJSON(w, req)
}

func (f *fakeB2) handleDownloadAuth(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	f.decode(r, &req)

	f.writeJSON(w, map[string]any{
		"bucketId":           req["bucketId"],
		"fileNamePrefix":     req["fileNamePrefix"],
		"authorizationToken": "dl-token",
	})
}

func (f *fakeB2) serveFile(w http.ResponseWriter, ff *fakeFile) {
	digest := ff.info.ContentSHA1
	if f.corruptDownloads {
		digest = strings.Repeat("0", len(digest))
	}

	w.Header().Set("X-Bz-Content-Sha1", digest)
	w.Header().Set("X-Bz-File-Id", ff.info.FileID)
	_, _ = w.Write(ff.content)
}

func (f *fakeB2) handleDownloadByID(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "tok-") {
		f.writeError(w, http.StatusUnauthorized, "unauthorized", "missing token")
		return
	}

	ff, ok := f.lookup(r.URL.Query().Get("fileId"))
	if !ok {
		f.writeError(w, http.StatusNotFound, "not_found", "no such file")
		return
	}

	f.serveFile(w, ff)
}

func (f *fakeB2) handleDownloadByName(w http.ResponseWriter, r *http.Request) {
	authorized := strings.HasPrefix(r.Header.Get("Authorization"), "tok-") ||
		r.URL.Query().Get("Authorization") == "dl-token"
	if !authorized {
		f.writeError(w, http.StatusUnauthorized, "unauthorized", "missing token")
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/file/"+testBucket+"/")

	f.mu.Lock()
	var found *fakeFile
	for _, ff := range f.files {
		if ff.info.FileName == name {
			found = ff
			break
		}
	}
	f.mu.Unlock()

	if found == nil {
		f.writeError(w, http.StatusNotFound, "not_found", "no such file")
		return
	}

	f.serveFile(w, found)
}
