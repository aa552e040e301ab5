package b2

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// File listing bounds for b2_list_file_names.
const (
	defaultMaxFileCount = 100
	maxMaxFileCount     = 10000
)

// defaultDownloadAuthDuration is the validity of download authorization URLs.
const defaultDownloadAuthDuration = 24 * time.Hour

// ListOptions controls a single page of b2_list_file_names.
type ListOptions struct {
	MaxFileCount  int    // clamped to 1..10000; <= 0 means 100
	StartFileName string // resume point from a previous page's NextFileName
	Prefix        string
}

// FileList is one page of file names.
type FileList struct {
	Files        []FileInfo `json:"files"`
	NextFileName string     `json:"nextFileName"`
}

// clampMaxFileCount applies the listing bounds.
func clampMaxFileCount(n int) int {
	switch {
	case n > maxMaxFileCount:
		return maxMaxFileCount
	case n <= 0:
		return defaultMaxFileCount
	default:
		return n
	}
}

// ListFileNames lists one page of file names in the referenced bucket.
func (c *Client) ListFileNames(ctx context.Context, ref BucketRef, opts ListOptions) (*FileList, error) {
	bucket, err := c.GetBucket(ctx, ref)
	if err != nil {
		return nil, err
	}

	req := map[string]any{
		"bucketId":     bucket.BucketID,
		"maxFileCount": clampMaxFileCount(opts.MaxFileCount),
	}

	if opts.StartFileName != "" {
		req["startFileName"] = opts.StartFileName
	}

	if opts.Prefix != "" {
		req["prefix"] = opts.Prefix
	}

	var list FileList
	if err := c.Call(ctx, "b2_list_file_names", req, &list); err != nil {
		return nil, err
	}

	return &list, nil
}

// GetFileInfo returns the metadata of a file version by ID.
func (c *Client) GetFileInfo(ctx context.Context, fileID string) (*FileInfo, error) {
	if fileID == "" {
		return nil, fmt.Errorf("%w: file id is required", ErrInvalidArgument)
	}

	var fi FileInfo
	if err := c.Call(ctx, "b2_get_file_info", map[string]string{"fileId": fileID}, &fi); err != nil {
		return nil, err
	}

	return &fi, nil
}

// GetFileInfoByName finds the latest version of name in the bucket. It
// returns ErrFileNotFound when the prefix listing has no exact match.
func (c *Client) GetFileInfoByName(ctx context.Context, ref BucketRef, name string) (*FileInfo, error) {
	list, err := c.ListFileNames(ctx, ref, ListOptions{Prefix: name})
	if err != nil {
		return nil, err
	}

	for i := range list.Files {
		if list.Files[i].FileName == name {
			return c.GetFileInfo(ctx, list.Files[i].FileID)
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
}

// DeleteFileVersion deletes one version of a file.
func (c *Client) DeleteFileVersion(ctx context.Context, fileName, fileID string) error {
	if fileName == "" || fileID == "" {
		return fmt.Errorf("%w: file name and file id are required", ErrInvalidArgument)
	}

	c.logger.Info("deleting file version",
		slog.String("name", fileName),
		slog.String("file_id", fileID),
	)

	return c.Call(ctx, "b2_delete_file_version", map[string]string{
		"fileName": fileName,
		"fileId":   fileID,
	}, nil)
}

type downloadAuthResponse struct {
	BucketID           string `json:"bucketId"`
	FileNamePrefix     string `json:"fileNamePrefix"`
	AuthorizationToken string `json:"authorizationToken"`
}

// GetDownloadAuthorization returns a time-limited URL granting download of
// files under prefix in a private bucket. validFor <= 0 uses the client's
// configured duration.
func (c *Client) GetDownloadAuthorization(
	ctx context.Context, ref BucketRef, prefix string, validFor time.Duration,
) (string, error) {
	bucket, err := c.GetBucket(ctx, ref)
	if err != nil {
		return "", err
	}

	if validFor <= 0 {
		validFor = c.downloadAuthDuration
	}

	var resp downloadAuthResponse
	if err := c.Call(ctx, "b2_get_download_authorization", map[string]any{
		"bucketId":               bucket.BucketID,
		"fileNamePrefix":         prefix,
		"validDurationInSeconds": int64(validFor / time.Second),
	}, &resp); err != nil {
		return "", err
	}

	creds, _ := c.session.Credentials()

	return fmt.Sprintf("%s/file/%s/%s?Authorization=%s",
		creds.DownloadURL,
		bucket.BucketName,
		escapePath(resp.FileNamePrefix),
		url.QueryEscape(resp.AuthorizationToken),
	), nil
}

// escapePath percent-encodes each segment of a remote file name while
// keeping the "/" separators, as required in /file/<bucket>/<name> URLs.
func escapePath(name string) string {
	segs := strings.Split(name, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}

	return strings.Join(segs, "/")
}
