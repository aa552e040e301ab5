package b2

import (
	"context"
	"crypto/sha1" //nolint:gosec // B2 mandates SHA-1 content digests
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// autoContentType asks B2 to infer the content type from the file name.
const autoContentType = "b2/x-auto"

// hashBlockSize is the read size for streaming digests.
const hashBlockSize = 64 * 1024

// UploadSession is an upload URL and its token, scoped to one bucket. It may
// be reused for many sequential uploads but by only one uploader at a time.
type UploadSession struct {
	BucketID           string `json:"bucketId"`
	UploadURL          string `json:"uploadUrl"`
	AuthorizationToken string `json:"authorizationToken"`
}

// FileInfo is the metadata B2 returns for a stored file version.
type FileInfo struct {
	FileID          string            `json:"fileId"`
	FileName        string            `json:"fileName"`
	AccountID       string            `json:"accountId,omitempty"`
	BucketID        string            `json:"bucketId,omitempty"`
	ContentLength   int64             `json:"contentLength"`
	ContentSHA1     string            `json:"contentSha1"`
	ContentType     string            `json:"contentType"`
	Action          string            `json:"action,omitempty"`
	UploadTimestamp int64             `json:"uploadTimestamp"`
	Info            map[string]string `json:"fileInfo,omitempty"`
}

// GetUploadSession requests a fresh upload URL/token pair for the bucket.
// Every call yields an independent session. A reference by ID costs one
// round-trip; a reference by name first resolves the ID with a bucket list.
func (c *Client) GetUploadSession(ctx context.Context, ref BucketRef) (*UploadSession, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	bucketID := ref.ID
	if bucketID == "" {
		bucket, err := c.GetBucket(ctx, ref)
		if err != nil {
			return nil, err
		}

		bucketID = bucket.BucketID
	}

	var us UploadSession
	if err := c.Call(ctx, "b2_get_upload_url", map[string]string{
		"bucketId": bucketID,
	}, &us); err != nil {
		return nil, err
	}

	if us.BucketID == "" {
		us.BucketID = bucketID
	}

	c.logger.Debug("upload session acquired", slog.String("bucket_id", us.BucketID))

	return &us, nil
}

// HashFile returns the hex SHA-1 of the file at path, read in fixed-size
// blocks so the content is never held in memory.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &FilesystemError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	return hashReader(f)
}

func hashReader(r io.Reader) (string, error) {
	h := sha1.New() //nolint:gosec // B2 mandates SHA-1 content digests
	buf := make([]byte, hashBlockSize)

	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", fmt.Errorf("b2: hashing: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// NormalizeFileName derives the remote name for a local file. An empty
// destName defaults to the base name of localPath. The result is NFC
// normalized, loses one leading slash, has doubled slashes collapsed, and is
// percent-encoded for the X-Bz-File-Name header.
func NormalizeFileName(destName, localPath string) string {
	name := destName
	if name == "" {
		name = filepath.Base(localPath)
	}

	name = norm.NFC.String(name)
	name = strings.TrimPrefix(name, "/")
	name = strings.ReplaceAll(name, "//", "/")

	return encodeFileName(name)
}

// encodeFileName percent-encodes every byte outside the RFC 3986 unreserved
// set, including "/" and spaces.
func encodeFileName(name string) string {
	return strings.ReplaceAll(url.QueryEscape(name), "+", "%20")
}

// UploadFile streams the file at localPath to the upload session. The SHA-1
// digest is computed first and sent as X-Bz-Content-Sha1. UploadFile does
// not retry and does not modify the session.
func (c *Client) UploadFile(
	ctx context.Context, localPath, destName string, us *UploadSession,
) (*FileInfo, error) {
	if us == nil || us.UploadURL == "" {
		return nil, fmt.Errorf("%w: upload session is required", ErrInvalidArgument)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return nil, &FilesystemError{Op: "open", Path: localPath, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &FilesystemError{Op: "stat", Path: localPath, Err: err}
	}

	if !info.Mode().IsRegular() {
		return nil, &FilesystemError{Op: "upload", Path: localPath, Err: fmt.Errorf("not a regular file")}
	}

	digest, err := hashReader(f)
	if err != nil {
		return nil, &FilesystemError{Op: "read", Path: localPath, Err: err}
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, &FilesystemError{Op: "seek", Path: localPath, Err: err}
	}

	name := NormalizeFileName(destName, localPath)
	size := info.Size()

	c.logger.Info("uploading file",
		slog.String("path", localPath),
		slog.String("name", name),
		slog.Int64("size", size),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	body := newIdleReader(f, c.timeout, cancel)
	defer body.stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, us.UploadURL, io.NopCloser(body))
	if err != nil {
		return nil, fmt.Errorf("b2: creating upload request: %w", err)
	}

	// net/http sends ContentLength and ignores a Content-Length header.
	req.ContentLength = size
	if size == 0 {
		// A zero ContentLength with a non-NoBody body would be sent chunked.
		req.Body = http.NoBody
	}

	req.Header.Set("Authorization", us.AuthorizationToken)
	req.Header.Set("X-Bz-File-Name", name)
	req.Header.Set("Content-Type", autoContentType)
	req.Header.Set("X-Bz-Content-Sha1", digest)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = body.wrap(err)

		c.logger.Error("upload request failed",
			slog.String("path", localPath),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("b2: upload request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("b2: reading upload response: %w", err)
	}

	if !isSuccess(resp.StatusCode) {
		c.logger.Warn("upload rejected",
			slog.String("path", localPath),
			slog.Int("status", resp.StatusCode),
		)

		return nil, &UploadError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var fi FileInfo
	if err := json.Unmarshal(respBody, &fi); err != nil {
		return nil, fmt.Errorf("b2: decoding upload response: %w", err)
	}

	c.logger.Debug("upload complete",
		slog.String("path", localPath),
		slog.String("file_id", fi.FileID),
	)

	return &fi, nil
}
