package GCP

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"cloud.google.com/go/storage"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Storage is a thin Cloud Storage client. Missing objects are reported as
// os.ErrNotExist and failed create-only writes as os.ErrExist.
type Storage struct {
	client *storage.Client
}

func NewStorage(ctx context.Context, credsPath string) (*Storage, error) {
	log.Info("Initializing Cloud Storage client")
	var opts []option.ClientOption
	if credsPath != "" {
		if _, err := os.Stat(credsPath); err != nil {
			return nil, err
		}
		opts = append(opts, option.WithCredentialsFile(credsPath))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &Storage{client: client}, nil
}

// WriteObject streams r into bucket/name. With ifNotExist the write only
// succeeds when the object does not exist yet.
func (s *Storage) WriteObject(ctx context.Context, bucket, name string, r io.Reader, ifNotExist bool) error {
	obj := s.client.Bucket(bucket).Object(name)
	if ifNotExist {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		cancel()
		w.Close()
		return fmt.Errorf("write gs://%s/%s: %w", bucket, name, err)
	}
	if err := w.Close(); err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
			return fmt.Errorf("write gs://%s/%s: %w", bucket, name, os.ErrExist)
		}
		return fmt.Errorf("write gs://%s/%s: %w", bucket, name, err)
	}
	log.Debugf("wrote gs://%s/%s", bucket, name)
	return nil
}

func (s *Storage) ReadObject(ctx context.Context, bucket, name string) ([]byte, error) {
	r, err := s.client.Bucket(bucket).Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("read gs://%s/%s: %w", bucket, name, os.ErrNotExist)
		}
		return nil, fmt.Errorf("read gs://%s/%s: %w", bucket, name, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// ListObjects returns the names of all objects below prefix.
func (s *Storage) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := s.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", bucket, prefix, err)
		}
		names = append(names, attrs.Name)
	}
}

// CopyObject copies an object server side within a bucket.
func (s *Storage) CopyObject(ctx context.Context, bucket, src, dst string) error {
	b := s.client.Bucket(bucket)
	if _, err := b.Object(dst).CopierFrom(b.Object(src)).Run(ctx); err != nil {
		return fmt.Errorf("copy gs://%s/%s: %w", bucket, src, err)
	}
	return nil
}

// DeleteObject removes an object; deleting a missing object succeeds.
func (s *Storage) DeleteObject(ctx context.Context, bucket, name string) error {
	err := s.client.Bucket(bucket).Object(name).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete gs://%s/%s: %w", bucket, name, err)
	}
	return nil
}

func (s *Storage) Close() error {
	return s.client.Close()
}
