// Package objectstore_test tests the NATS object store implementation.
package objectstore_test

import (
	"context"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/speech-forge/internal/objectstore"
)

// startTestServer starts an in-memory NATS server for testing purposes.
func startTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	return natsServer, natsConnection
}

func TestStore_UploadDownload(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := startTestServer(t)
	defer natsServer.Shutdown()
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "test-bucket")
	require.NoError(t, err)

	ctx := context.Background()
	key := "pages/0001.txt"
	uploadData := []byte("hello world, this is a test")

	err = store.Upload(ctx, key, uploadData)
	require.NoError(t, err)

	downloadData, err := store.Download(ctx, key)
	require.NoError(t, err)

	require.Equal(t, uploadData, downloadData)
}

func TestStore_BindsToExistingBucket(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := startTestServer(t)
	defer natsServer.Shutdown()
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	first, err := objectstore.New(jetstreamContext, "shared-bucket")
	require.NoError(t, err)

	require.NoError(t, first.Upload(context.Background(), "key", []byte("payload")))

	second, err := objectstore.New(jetstreamContext, "shared-bucket")
	require.NoError(t, err)

	data, err := second.Download(context.Background(), "key")
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
}

func TestStore_DownloadMissingKey(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := startTestServer(t)
	defer natsServer.Shutdown()
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "empty-bucket")
	require.NoError(t, err)

	_, err = store.Download(context.Background(), "absent")
	require.Error(t, err)
}
