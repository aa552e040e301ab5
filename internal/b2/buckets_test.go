package b2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketRef_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ref     BucketRef
		wantErr bool
	}{
		{"by id", BucketByID("b1"), false},
		{"by name", BucketByName("photos"), false},
		{"neither", BucketRef{}, true},
		{"both", BucketRef{ID: "b1", Name: "photos"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ref.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidArgument)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestListBuckets(t *testing.T) {
	fake := newFakeB2(t)
	c := fake.client()

	buckets, err := c.ListBuckets(t.Context())
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, testBucket, buckets[0].BucketName)
	assert.Equal(t, BucketAllPrivate, buckets[0].BucketType)
}

func TestGetBucket(t *testing.T) {
	fake := newFakeB2(t)
	c := fake.client()

	byName, err := c.GetBucket(t.Context(), BucketByName("logs"))
	require.NoError(t, err)
	assert.Equal(t, "bucket-2", byName.BucketID)

	byID, err := c.GetBucket(t.Context(), BucketByID(testBucketID))
	require.NoError(t, err)
	assert.Equal(t, testBucket, byID.BucketName)

	_, err = c.GetBucket(t.Context(), BucketByName("missing"))
	assert.ErrorIs(t, err, ErrBucketNotFound)
}

func TestGetBucket_InvalidRefMakesNoCalls(t *testing.T) {
	fake := newFakeB2(t)
	c := fake.client()

	_, err := c.GetBucket(t.Context(), BucketRef{ID: testBucketID, Name: testBucket})
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Zero(t, fake.authCalls.Load())
	assert.Zero(t, fake.listCalls.Load())
}

func TestCreateBucket_DefaultsToPrivate(t *testing.T) {
	fake := newFakeB2(t)
	c := fake.client()

	b, err := c.CreateBucket(t.Context(), "new-bucket", "")
	require.NoError(t, err)
	assert.Equal(t, "new-bucket", b.BucketName)
	assert.Equal(t, BucketAllPrivate, b.BucketType)
}

func TestCreateBucket_RejectsUnknownType(t *testing.T) {
	fake := newFakeB2(t)
	c := fake.client()

	_, err := c.CreateBucket(t.Context(), "new-bucket", "snapshot")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Zero(t, fake.authCalls.Load())
}

func TestUpdateBucket(t *testing.T) {
	fake := newFakeB2(t)
	c := fake.client()

	b, err := c.UpdateBucket(t.Context(), BucketByName(testBucket), BucketAllPublic)
	require.NoError(t, err)
	assert.Equal(t, testBucketID, b.BucketID)
	assert.Equal(t, BucketAllPublic, b.BucketType)
}

func TestUpdateBucket_ValidatesTypeBeforeNetwork(t *testing.T) {
	fake := newFakeB2(t)
	c := fake.client()

	_, err := c.UpdateBucket(t.Context(), BucketByName(testBucket), "public")
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Zero(t, fake.authCalls.Load())
	assert.Zero(t, fake.listCalls.Load())
}

func TestDeleteBucket(t *testing.T) {
	fake := newFakeB2(t)
	c := fake.client()

	b, err := c.DeleteBucket(t.Context(), BucketByName("logs"))
	require.NoError(t, err)
	assert.Equal(t, "bucket-2", b.BucketID)

	_, err = c.DeleteBucket(t.Context(), BucketByName("missing"))
	assert.ErrorIs(t, err, ErrBucketNotFound)
}
