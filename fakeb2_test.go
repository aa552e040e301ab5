package main

import (
	"crypto/sha1" //nolint:gosec // B2 mandates SHA-1 content digests
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/b2-go/internal/b2"
)

const (
	testAccountID = "acct-cli"
	testAppKey    = "cli-secret-key"
	testBucketID  = "bucket-1"
	testBucket    = "photos"
)

type fakeObject struct {
	info    b2.FileInfo
	content []byte
}

// fakeB2 serves the parts of the native API the CLI commands touch.
type fakeB2 struct {
	t   *testing.T
	srv *httptest.Server

	listCalls      atomic.Int32
	uploadURLCalls atomic.Int32

	mu    sync.Mutex
	files map[string]*fakeObject // by file ID
	seq   int
	// failUploads names files whose uploads are rejected with a 400.
	failUploads map[string]bool
}

func newFakeB2(t *testing.T) *fakeB2 {
	t.Helper()

	f := &fakeB2{t: t, files: make(map[string]*fakeObject), failUploads: make(map[string]bool)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /b2api/v1/b2_authorize_account", f.handleAuthorize)
	mux.HandleFunc("POST /b2api/v1/b2_list_buckets", f.authed(f.handleListBuckets))
	mux.HandleFunc("POST /b2api/v1/b2_get_upload_url", f.authed(f.handleGetUploadURL))
	mux.HandleFunc("POST /b2api/v1/b2_list_file_names", f.authed(f.handleListFileNames))
	mux.HandleFunc("POST /b2api/v1/b2_get_download_authorization", f.authed(f.handleDownloadAuth))
	mux.HandleFunc("GET /file/", f.handleDownloadByName)
	mux.HandleFunc("POST /upload", f.handleUpload)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	return f
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
		if r.Header.Get("Authorization") != "tok" {
			f.writeError(w, http.StatusUnauthorized, "bad_auth_token", "missing token")
			return
		}

		next(w, r)
	}
}

func (f *fakeB2) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user != testAccountID || pass != testAppKey {
		f.writeError(w, http.StatusUnauthorized, "unauthorized", "invalid application key")
		return
	}

	f.writeJSON(w, map[string]string{
		"accountId":          testAccountID,
		"authorizationToken": "tok",
		"apiUrl":             f.srv.URL,
		"downloadUrl":        f.srv.URL,
	})
}

func (f *fakeB2) handleListBuckets(w http.ResponseWriter, _ *http.Request) {
	f.listCalls.Add(1)

	f.writeJSON(w, map[string]any{"buckets": []b2.Bucket{
		{AccountID: testAccountID, BucketID: testBucketID, BucketName: testBucket, BucketType: b2.BucketAllPrivate},
		{AccountID: testAccountID, BucketID: "bucket-2", BucketName: "logs", BucketType: b2.BucketAllPublic},
	}})
}

func (f *fakeB2) handleGetUploadURL(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))

	f.uploadURLCalls.Add(1)
	f.writeJSON(w, b2.UploadSession{
		BucketID:           req["bucketId"],
		UploadURL:          f.srv.URL + "/upload",
		AuthorizationToken: "up-tok",
	})
}

func (f *fakeB2) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "up-tok" {
		f.writeError(w, http.StatusUnauthorized, "bad_auth_token", "wrong upload token")
		return
	}

	body, err := io.ReadAll(r.Body)
	require.NoError(f.t, err)

	name, err := url.QueryUnescape(r.Header.Get("X-Bz-File-Name"))
	require.NoError(f.t, err)

	f.mu.Lock()
	reject := f.failUploads[name]
	f.mu.Unlock()

	if reject {
		f.writeError(w, http.StatusBadRequest, "bad_request", "rejected "+name)
		return
	}

	f.writeJSON(w, f.put(name, body))
}

// put stores a file directly, bypassing the upload endpoint.
func (f *fakeB2) put(name string, content []byte) b2.FileInfo {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	sum := sha1.Sum(content) //nolint:gosec // B2 mandates SHA-1 content digests
	fi := b2.FileInfo{
		FileID:          fmt.Sprintf("file-%d", f.seq),
		FileName:        name,
		BucketID:        testBucketID,
		ContentLength:   int64(len(content)),
		ContentSHA1:     hex.EncodeToString(sum[:]),
		ContentType:     "text/plain",
		Action:          "upload",
		UploadTimestamp: 1700000000000,
	}
	f.files[fi.FileID] = &fakeObject{info: fi, content: content}

	return fi
}

func (f *fakeB2) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	names := make([]string, 0, len(f.files))
	for _, o := range f.files {
		names = append(names, o.info.FileName)
	}

	return names
}

func (f *fakeB2) handleListFileNames(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prefix string `json:"prefix"`
	}
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))

	f.mu.Lock()
	defer f.mu.Unlock()

	files := []b2.FileInfo{}
	for _, o := range f.files {
		if strings.HasPrefix(o.info.FileName, req.Prefix) {
			files = append(files, o.info)
		}
	}

	f.writeJSON(w, map[string]any{"files": files, "nextFileName": nil})
}

func (f *fakeB2) handleDownloadAuth(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))

	f.writeJSON(w, map[string]any{
		"bucketId":           req["bucketId"],
		"fileNamePrefix":     req["fileNamePrefix"],
		"authorizationToken": "dl-token",
	})
}

func (f *fakeB2) handleDownloadByName(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "tok" && r.URL.Query().Get("Authorization") != "dl-token" {
		f.writeError(w, http.StatusUnauthorized, "unauthorized", "missing token")
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/file/"+testBucket+"/")

	f.mu.Lock()
	var found *fakeObject
	for _, o := range f.files {
		if o.info.FileName == name {
			found = o
			break
		}
	}
	f.mu.Unlock()

	if found == nil {
		f.writeError(w, http.StatusNotFound, "not_found", "no such file")
		return
	}

	w.Header().Set("X-Bz-Content-Sha1", found.info.ContentSHA1)
	w.Header().Set("X-Bz-File-Id", found.info.FileID)
	_, _ = w.Write(found.content)
}
