package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ObjectAPI is the subset of the Cloud Storage client the store needs.
type ObjectAPI interface {
	WriteObject(ctx context.Context, bucket, name string, r io.Reader, ifNotExist bool) error
	ReadObject(ctx context.Context, bucket, name string) ([]byte, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
	CopyObject(ctx context.Context, bucket, src, dst string) error
	DeleteObject(ctx context.Context, bucket, name string) error
}

// GCSStore keeps artifact trees in a Cloud Storage bucket below Prefix.
// Buckets have no rename, so a tree counts as published once its
// manifest exists: Publish copies the temporary objects first and creates
// the manifest last.
type GCSStore struct {
	api    ObjectAPI
	Bucket string
	Prefix string
}

func NewGCSStore(api ObjectAPI, bucket, prefix string) *GCSStore {
	return &GCSStore{api: api, Bucket: bucket, Prefix: strings.Trim(prefix, "/")}
}

func (s *GCSStore) uri(object string) string {
	return "gs://" + s.Bucket + "/" + object
}

func (s *GCSStore) URI(id string) string {
	return s.uri(path.Join(s.Prefix, id))
}

func (s *GCSStore) TempURI() string {
	return s.uri(path.Join(s.Prefix, tmpDirName, uuid.NewString()))
}

// object resolves a store URI to an object name inside Prefix.
func (s *GCSStore) object(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	if u.Scheme != "gs" || u.Host != s.Bucket {
		return "", fmt.Errorf("%s is not in bucket %s", uri, s.Bucket)
	}
	name := path.Clean(strings.TrimPrefix(u.Path, "/"))
	if s.Prefix != "" && name != s.Prefix && !strings.HasPrefix(name, s.Prefix+"/") {
		return "", fmt.Errorf("%s is outside of prefix %s", uri, s.Prefix)
	}
	return name, nil
}

func (s *GCSStore) Put(ctx context.Context, uri, name string, r io.Reader) (string, error) {
	dir, err := s.object(uri)
	if err != nil {
		return "", err
	}
	if err := s.api.WriteObject(ctx, s.Bucket, path.Join(dir, name), r, false); err != nil {
		return "", err
	}
	return uri + "/" + name, nil
}

func (s *GCSStore) Get(ctx context.Context, uri string) ([]byte, error) {
	name, err := s.object(uri)
	if err != nil {
		return nil, err
	}
	return s.api.ReadObject(ctx, s.Bucket, name)
}

func (s *GCSStore) Publish(ctx context.Context, tmpURI, finalURI string, manifest []byte) error {
	src, err := s.object(tmpURI)
	if err != nil {
		return err
	}
	dst, err := s.object(finalURI)
	if err != nil {
		return err
	}
	manifestName := path.Join(dst, ManifestName)
	if _, err := s.api.ReadObject(ctx, s.Bucket, manifestName); err == nil {
		return fmt.Errorf("publish %s: %w", finalURI, os.ErrExist)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("publish %s: %w", finalURI, err)
	}

	names, err := s.api.ListObjects(ctx, s.Bucket, src+"/")
	if err != nil {
		return fmt.Errorf("publish %s: %w", finalURI, err)
	}
	for _, name := range names {
		target := dst + strings.TrimPrefix(name, src)
		if err := s.api.CopyObject(ctx, s.Bucket, name, target); err != nil {
			return fmt.Errorf("publish %s: %w", finalURI, err)
		}
	}
	if err := s.api.WriteObject(ctx, s.Bucket, manifestName, bytes.NewReader(manifest), true); err != nil {
		return fmt.Errorf("publish %s: %w", finalURI, err)
	}
	log.Debugf("published %s (%d objects)", finalURI, len(names)+1)
	return nil
}

func (s *GCSStore) Discard(ctx context.Context, tmpURI string) {
	src, err := s.object(tmpURI)
	if err != nil {
		return
	}
	names, err := s.api.ListObjects(ctx, s.Bucket, src+"/")
	if err != nil {
		log.Warnf("failed to list temporary artifact %s: %v", tmpURI, err)
		return
	}
	for _, name := range names {
		if err := s.api.DeleteObject(ctx, s.Bucket, name); err != nil {
			log.Warnf("failed to remove %s: %v", s.uri(name), err)
		}
	}
}
