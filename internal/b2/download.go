package b2

import (
	"context"
	"crypto/sha1" //nolint:gosec // B2 mandates SHA-1 content digests
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// downloadFilePerms is the mode of files created by downloads.
const downloadFilePerms = 0o644

// DownloadResult reports a completed download.
type DownloadResult struct {
	Path     string
	Size     int64
	SHA1     string // hex digest of the bytes written
	Verified bool   // false when the server sent no usable digest
}

// DownloadAuthorizedURL downloads a URL that already carries its
// authorization, such as one from GetDownloadAuthorization.
func (c *Client) DownloadAuthorizedURL(ctx context.Context, rawURL, dst string, force bool) (*DownloadResult, error) {
	if err := checkDestination(dst, force); err != nil {
		return nil, err
	}

	return c.download(ctx, rawURL, "", dst, force)
}

// DownloadByName downloads the latest version of name from the bucket.
func (c *Client) DownloadByName(
	ctx context.Context, ref BucketRef, name, dst string, force bool,
) (*DownloadResult, error) {
	if err := checkDestination(dst, force); err != nil {
		return nil, err
	}

	bucket, err := c.GetBucket(ctx, ref)
	if err != nil {
		return nil, err
	}

	creds, err := c.session.EnsureAuthorized(ctx)
	if err != nil {
		return nil, err
	}

	u := creds.DownloadURL + "/file/" + url.PathEscape(bucket.BucketName) + "/" + escapePath(name)

	return c.download(ctx, u, creds.AuthToken, dst, force)
}

// DownloadByID downloads a file version by ID.
func (c *Client) DownloadByID(ctx context.Context, fileID, dst string, force bool) (*DownloadResult, error) {
	if fileID == "" {
		return nil, fmt.Errorf("%w: file id is required", ErrInvalidArgument)
	}

	if err := checkDestination(dst, force); err != nil {
		return nil, err
	}

	creds, err := c.session.EnsureAuthorized(ctx)
	if err != nil {
		return nil, err
	}

	u := creds.DownloadURL + apiVersion + "b2_download_file_by_id?fileId=" + url.QueryEscape(fileID)

	return c.download(ctx, u, creds.AuthToken, dst, force)
}

// checkDestination refuses an existing dst unless force is set. It runs
// before any network traffic.
func checkDestination(dst string, force bool) error {
	if dst == "" {
		return fmt.Errorf("%w: destination path is required", ErrInvalidArgument)
	}

	if force {
		return nil
	}

	if _, err := os.Lstat(dst); err == nil {
		return &FilesystemError{Op: "download", Path: dst, Err: ErrDestinationExists}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return &FilesystemError{Op: "stat", Path: dst, Err: err}
	}

	return nil
}

// download streams u into dst via dst.partial, hashing as it writes, then
// moves the partial into place. Without force the final move never replaces
// a file that appeared during the transfer.
func (c *Client) download(ctx context.Context, u, token, dst string, force bool) (*DownloadResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("b2: creating download request: %w", err)
	}

	if token != "" {
		req.Header.Set("Authorization", token)
	}

	req.Header.Set("User-Agent", userAgent)

	// The URL may embed an authorization token, so only the destination is logged.
	c.logger.Info("downloading file", slog.String("dst", dst))

	resp, err := c.downloadHTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("b2: download request failed: %w", err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		body, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message

		return nil, newAPIError(resp.StatusCode, body)
	}

	partial := dst + ".partial"

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil { //nolint:mnd // standard dir perms
		return nil, &FilesystemError{Op: "mkdir", Path: filepath.Dir(dst), Err: err}
	}

	f, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, downloadFilePerms)
	if err != nil {
		return nil, &FilesystemError{Op: "create", Path: partial, Err: err}
	}

	h := sha1.New() //nolint:gosec // B2 mandates SHA-1 content digests

	body := newIdleReader(resp.Body, c.timeout, cancel)
	n, copyErr := io.Copy(io.MultiWriter(f, h), body)
	body.stop()
	closeErr := f.Close()

	if copyErr != nil {
		os.Remove(partial)
		return nil, fmt.Errorf("b2: streaming download to %s: %w", partial, body.wrap(copyErr))
	}

	if closeErr != nil {
		os.Remove(partial)
		return nil, &FilesystemError{Op: "close", Path: partial, Err: closeErr}
	}

	local := hex.EncodeToString(h.Sum(nil))
	remote := remoteDigest(resp.Header.Get("X-Bz-Content-Sha1"))

	if remote != "" && !strings.EqualFold(remote, local) {
		os.Remove(partial)
		c.logger.Error("download checksum mismatch",
			slog.String("dst", dst),
			slog.String("local_sha1", local),
			slog.String("remote_sha1", remote),
		)

		return nil, fmt.Errorf("%w: %s: got %s, want %s", ErrChecksumMismatch, dst, local, remote)
	}

	if err := placeFile(partial, dst, force); err != nil {
		os.Remove(partial)
		return nil, err
	}

	c.logger.Debug("download complete",
		slog.String("dst", dst),
		slog.Int64("size", n),
	)

	return &DownloadResult{Path: dst, Size: n, SHA1: local, Verified: remote != ""}, nil
}

// placeFile moves partial to dst. With force it renames over dst; without,
// it hard-links so an existing dst is never replaced.
func placeFile(partial, dst string, force bool) error {
	if force {
		if err := os.Rename(partial, dst); err != nil {
			return &FilesystemError{Op: "rename", Path: dst, Err: err}
		}

		return nil
	}

	if err := os.Link(partial, dst); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return &FilesystemError{Op: "download", Path: dst, Err: ErrDestinationExists}
		}

		return &FilesystemError{Op: "link", Path: dst, Err: err}
	}

	_ = os.Remove(partial) //nolint:errcheck // dst is already in place

	return nil
}

// remoteDigest normalizes the X-Bz-Content-Sha1 header. Large files report
// "none"; some uploads report "unverified:<hex>".
func remoteDigest(h string) string {
	h = strings.TrimPrefix(h, "unverified:")
	if h == "none" {
		return ""
	}

	return h
}
