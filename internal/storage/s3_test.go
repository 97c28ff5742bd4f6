package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewS3_RequiresBucket(t *testing.T) {
	_, err := NewS3(S3Config{Region: "us-east-1"})
	assert.Error(t, err)
}

func TestS3_RejectsBadKeysBeforeNetwork(t *testing.T) {
	s, err := NewS3(S3Config{
		Bucket:    "archives",
		Region:    "us-east-1",
		Endpoint:  "http://127.0.0.1:1",
		AccessKey: "key",
		SecretKey: "secret",
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Put(ctx, "../escape.zip", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = s.Open(ctx, "/abs.zip")
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.ErrorIs(t, s.Delete(ctx, ""), ErrInvalidKey)
}
