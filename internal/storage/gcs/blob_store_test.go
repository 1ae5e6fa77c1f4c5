package gcs

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(nil, Config{Bucket: "b"})
	require.ErrorContains(t, err, "client")
}

func TestObjectName(t *testing.T) {
	s := &BlobStore{bucket: "b", prefix: "archive"}
	require.Equal(t, "archive/unparsed/2024-01-10/abc.html", s.objectName("/unparsed/2024-01-10/abc.html"))

	bare := &BlobStore{bucket: "b"}
	require.Equal(t, "unparsed/x.html", bare.objectName("unparsed/x.html"))
}

func TestAlreadyExists(t *testing.T) {
	require.True(t, alreadyExists(fmt.Errorf("close: %w", &googleapi.Error{Code: 412})))
	require.False(t, alreadyExists(&googleapi.Error{Code: 403}))
	require.False(t, alreadyExists(context.Canceled))
}
