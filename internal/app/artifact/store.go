package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const tmpDirName = ".tmp"

// Store holds published artifact trees. A tree is written below a
// temporary URI and only becomes resolvable once Publish has placed it,
// manifest included, at its final URI.
type Store interface {
	// URI returns the final URI of artifact id.
	URI(id string) string
	// TempURI reserves a fresh temporary location.
	TempURI() string
	// Put writes an object named name below the tree at uri and returns
	// the object's URI.
	Put(ctx context.Context, uri, name string, r io.Reader) (string, error)
	// Get fails with an error wrapping os.ErrNotExist for missing objects.
	Get(ctx context.Context, uri string) ([]byte, error)
	// Publish moves the tree at tmpURI to finalURI and writes manifest
	// last. It fails with an error wrapping os.ErrExist when finalURI is
	// already published.
	Publish(ctx context.Context, tmpURI, finalURI string, manifest []byte) error
	// Discard removes whatever is left below a temporary URI.
	Discard(ctx context.Context, tmpURI string)
}

// FSStore is a filesystem artifact store for local runs. Objects are
// addressed by file:// URIs below Root. Unpublished trees live under
// Root/.tmp and are never returned by Get.
type FSStore struct {
	Root string
}

func NewFSStore(root string) (*FSStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(abs, tmpDirName), 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &FSStore{Root: abs}, nil
}

// URI returns the final URI of a published tree.
func (s *FSStore) URI(id string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(s.Root, id))}).String()
}

// TempURI reserves a fresh temporary location.
func (s *FSStore) TempURI() string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(s.Root, tmpDirName, uuid.NewString()))}).String()
}

// Path resolves a store URI to a local path inside Root.
func (s *FSStore) Path(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported scheme %q in %s", u.Scheme, uri)
	}
	p := filepath.Clean(filepath.FromSlash(u.Path))
	if p != s.Root && !strings.HasPrefix(p, s.Root+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside of the artifact root", uri)
	}
	return p, nil
}

func (s *FSStore) Put(_ context.Context, uri, name string, r io.Reader) (string, error) {
	dir, err := s.Path(uri)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", err
	}
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", err
	}
	if err := f.Sync(); err != nil {
		return "", err
	}
	return uri + "/" + name, nil
}

func (s *FSStore) Get(_ context.Context, uri string) ([]byte, error) {
	p, err := s.Path(uri)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// Publish writes the manifest into the temporary tree and renames the tree
// to its final URI in one step. Publishing to an existing final URI leaves
// both trees as they were.
func (s *FSStore) Publish(ctx context.Context, tmpURI, finalURI string, manifest []byte) error {
	src, err := s.Path(tmpURI)
	if err != nil {
		return err
	}
	dst, err := s.Path(finalURI)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("publish %s: %w", finalURI, os.ErrExist)
	}
	if _, err := s.Put(ctx, tmpURI, ManifestName, bytes.NewReader(manifest)); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("publish %s: %w", finalURI, err)
	}
	log.Debugf("published %s", finalURI)
	return nil
}

// Discard removes a temporary tree.
func (s *FSStore) Discard(_ context.Context, tmpURI string) {
	p, err := s.Path(tmpURI)
	if err != nil {
		return
	}
	if err := os.RemoveAll(p); err != nil {
		log.Warnf("failed to remove temporary artifact %s: %v", tmpURI, err)
	}
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

func copyDir(src string, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		dstPath := filepath.Join(dst, relPath)
		if info.IsDir() {
			return os.MkdirAll(dstPath, info.Mode()|0700)
		}
		return copyFile(path, dstPath)
	})
}

func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destinationFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destinationFile.Close()

	if _, err = io.Copy(destinationFile, sourceFile); err != nil {
		return err
	}
	return destinationFile.Sync()
}
