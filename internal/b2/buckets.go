package b2

import (
	"context"
	"fmt"
	"log/slog"
)

// Bucket visibility modes accepted by create and update.
const (
	BucketAllPrivate = "allPrivate"
	BucketAllPublic  = "allPublic"
)

// Bucket is the read-only view of a remote bucket.
type Bucket struct {
	AccountID  string `json:"accountId"`
	BucketID   string `json:"bucketId"`
	BucketName string `json:"bucketName"`
	BucketType string `json:"bucketType"`
}

// BucketRef names a bucket by ID or by name. Exactly one must be set.
type BucketRef struct {
	ID   string
	Name string
}

// BucketByID returns a reference to the bucket with the given ID.
func BucketByID(id string) BucketRef { return BucketRef{ID: id} }

// BucketByName returns a reference to the bucket with the given name.
func BucketByName(name string) BucketRef { return BucketRef{Name: name} }

// Validate rejects references with both or neither of ID and Name.
func (r BucketRef) Validate() error {
	switch {
	case r.ID == "" && r.Name == "":
		return fmt.Errorf("%w: bucket id or bucket name is required", ErrInvalidArgument)
	case r.ID != "" && r.Name != "":
		return fmt.Errorf("%w: bucket id and bucket name are mutually exclusive", ErrInvalidArgument)
	default:
		return nil
	}
}

func (r BucketRef) String() string {
	if r.ID != "" {
		return "id:" + r.ID
	}

	return r.Name
}

func (r BucketRef) matches(b *Bucket) bool {
	if r.ID != "" {
		return b.BucketID == r.ID
	}

	return b.BucketName == r.Name
}

// validBucketType rejects anything other than allPublic and allPrivate.
func validBucketType(t string) error {
	if t != BucketAllPublic && t != BucketAllPrivate {
		return fmt.Errorf("%w: bucket type %q must be %s or %s",
			ErrInvalidArgument, t, BucketAllPublic, BucketAllPrivate)
	}

	return nil
}

type listBucketsResponse struct {
	Buckets []Bucket `json:"buckets"`
}

// ListBuckets returns every bucket in the account.
func (c *Client) ListBuckets(ctx context.Context) ([]Bucket, error) {
	var resp listBucketsResponse
	if err := c.Call(ctx, "b2_list_buckets", map[string]string{
		"accountId": c.session.AccountID(),
	}, &resp); err != nil {
		return nil, err
	}

	return resp.Buckets, nil
}

// GetBucket resolves ref against the bucket listing. It returns
// ErrBucketNotFound when nothing matches.
func (c *Client) GetBucket(ctx context.Context, ref BucketRef) (*Bucket, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	buckets, err := c.ListBuckets(ctx)
	if err != nil {
		return nil, err
	}

	for i := range buckets {
		if ref.matches(&buckets[i]) {
			return &buckets[i], nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrBucketNotFound, ref)
}

// CreateBucket creates a bucket of the given type (allPrivate when empty).
func (c *Client) CreateBucket(ctx context.Context, name, bucketType string) (*Bucket, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: bucket name is required", ErrInvalidArgument)
	}

	if bucketType == "" {
		bucketType = BucketAllPrivate
	}

	if err := validBucketType(bucketType); err != nil {
		return nil, err
	}

	c.logger.Info("creating bucket",
		slog.String("bucket", name),
		slog.String("type", bucketType),
	)

	var b Bucket
	if err := c.Call(ctx, "b2_create_bucket", map[string]string{
		"accountId":  c.session.AccountID(),
		"bucketName": name,
		"bucketType": bucketType,
	}, &b); err != nil {
		return nil, err
	}

	return &b, nil
}

// UpdateBucket changes the visibility of an existing bucket. The type is
// validated before any network call.
func (c *Client) UpdateBucket(ctx context.Context, ref BucketRef, bucketType string) (*Bucket, error) {
	if err := validBucketType(bucketType); err != nil {
		return nil, err
	}

	bucket, err := c.GetBucket(ctx, ref)
	if err != nil {
		return nil, err
	}

	c.logger.Info("updating bucket",
		slog.String("bucket", bucket.BucketName),
		slog.String("type", bucketType),
	)

	var b Bucket
	if err := c.Call(ctx, "b2_update_bucket", map[string]string{
		"accountId":  c.session.AccountID(),
		"bucketId":   bucket.BucketID,
		"bucketType": bucketType,
	}, &b); err != nil {
		return nil, err
	}

	return &b, nil
}

// DeleteBucket deletes the referenced bucket. B2 refuses to delete buckets
// that still contain files.
func (c *Client) DeleteBucket(ctx context.Context, ref BucketRef) (*Bucket, error) {
	bucket, err := c.GetBucket(ctx, ref)
	if err != nil {
		return nil, err
	}

	c.logger.Info("deleting bucket", slog.String("bucket", bucket.BucketName))

	var b Bucket
	if err := c.Call(ctx, "b2_delete_bucket", map[string]string{
		"accountId": c.session.AccountID(),
		"bucketId":  bucket.BucketID,
	}, &b); err != nil {
		return nil, err
	}

	return &b, nil
}
