// Package objectstore provides a NATS JetStream implementation of the
// core.ObjectStore interface, used for request text, speaker documents,
// and rendered audio artifacts.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Store implements core.ObjectStore on a JetStream object bucket.
type Store struct {
	bucket string
	store  nats.ObjectStore
}

// New creates the bucket if needed, or binds to it when it already
// exists.
func New(js nats.JetStreamContext, bucketName string) (*Store, error) {
	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("speech-forge artifacts: %s", bucketName),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = js.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to object store bucket '%s': %w", bucketName, err)
		}
	}

	return &Store{bucket: bucketName, store: store}, nil
}

// Download implements core.ObjectStore.
func (s *Store) Download(_ context.Context, key string) ([]byte, error) {
	obj, err := s.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, s.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}

// Upload implements core.ObjectStore.
func (s *Store) Upload(_ context.Context, key string, data []byte) error {
	_, err := s.store.Put(&nats.ObjectMeta{Name: key}, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, s.bucket, err)
	}

	return nil
}
