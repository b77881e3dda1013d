package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/device-pki/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	backend, err := NewFileBackend(filepath.Join(dir, "web"), discardLogger())
	require.NoError(t, err)
	assert.True(t, backend.Available(ctx))
	assert.Equal(t, "file://"+filepath.Join(dir, "web"), backend.LocationURI())

	require.NoError(t, backend.Publish(ctx, "pki/ca/ca.cer", []byte("der")))

	onDisk, err := os.ReadFile(filepath.Join(dir, "web", "pki", "ca", "ca.cer"))
	require.NoError(t, err)
	assert.Equal(t, []byte("der"), onDisk)

	data, err := backend.Fetch(ctx, "pki/ca/ca.cer")
	require.NoError(t, err)
	assert.Equal(t, []byte("der"), data)

	_, err = backend.Fetch(ctx, "pki/ca/missing.cer")
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	assert.Error(t, backend.Publish(ctx, "../escape.cer", []byte("x")))
	assert.Error(t, backend.Publish(ctx, "/abs.cer", []byte("x")))
}

func TestPublisherFactory(t *testing.T) {
	dir := t.TempDir()
	factory := NewPublisherFactory(discardLogger())

	publisher, err := factory.PublisherFor("file://" + dir)
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, publisher)

	publisher, err = factory.PublisherFor("s3://AKID:SECRET@bucket/pki?region=eu-west-1")
	require.NoError(t, err)
	assert.Equal(t, "s3-bucket", publisher.Name())
	assert.NotContains(t, publisher.LocationURI(), "SECRET")

	publisher, err = factory.PublisherFor("vault://vault.local:8200/secret/pki?insecure=true")
	require.NoError(t, err)
	assert.Equal(t, "vault-secret-pki", publisher.Name())

	_, err = factory.PublisherFor("ipfs://node:5001/")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	multi, err := factory.CreateMultiPublisher([]string{"file://" + dir, "ftp://nope"})
	require.NoError(t, err)
	assert.Len(t, multi.Backends(), 1)

	_, err = factory.CreateMultiPublisher([]string{"ftp://nope"})
	assert.Error(t, err)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "s3://bucket/p", redact("s3://AK:SK@bucket/p"))
	assert.Equal(t, "file:///tmp", redact("file:///tmp"))
}
