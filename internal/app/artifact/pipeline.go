package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"model-rollout-core/internal/app/domain"
)

const ManifestName = "manifest.json"

// Pipeline produces candidate artifacts: fetch the base model and quantize
// it in a local work directory, upload the result to a temporary tree in
// the store and publish the tree under its ID.
type Pipeline struct {
	Store     Store
	Fetcher   Fetcher
	Quantizer Quantizer
	// WorkDir holds the local staging directories; empty means the
	// system temp directory.
	WorkDir string
	Now     func() time.Time
}

func NewPipeline(store Store, fetcher Fetcher, quantizer Quantizer) *Pipeline {
	return &Pipeline{Store: store, Fetcher: fetcher, Quantizer: quantizer, Now: time.Now}
}

// ID derives the artifact ID from the production parameters and the source
// fingerprint. Without a fingerprint freshness cannot be proven, so every
// call yields a new ID.
func ID(sourceModelID, method string, bits int, fingerprint string) string {
	if fingerprint == "" {
		fingerprint = "nofp-" + uuid.NewString()
	}
	h := sha256.New()
	for _, part := range []string{sourceModelID, method, strconv.Itoa(bits), fingerprint} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:20]
}

// Resolve returns the artifact a rollout deploys: an existing one when the
// spec names an ArtifactID, a produced one otherwise.
func (p *Pipeline) Resolve(ctx context.Context, spec domain.ArtifactSpec) (domain.ModelArtifact, error) {
	if spec.ArtifactID != "" {
		return p.Lookup(ctx, spec.ArtifactID)
	}
	return p.Produce(ctx, spec.SourceModelID, spec.Method, spec.BitWidth, spec.Fingerprint)
}

// Lookup reads a published artifact's manifest.
func (p *Pipeline) Lookup(ctx context.Context, id string) (domain.ModelArtifact, error) {
	data, err := p.Store.Get(ctx, p.Store.URI(id)+"/"+ManifestName)
	if err != nil {
		if isNotExist(err) {
			return domain.ModelArtifact{}, domain.NewError(domain.KindConfiguration, "", "lookup artifact "+id, fmt.Errorf("artifact %s: %w", id, domain.ErrNotFound))
		}
		return domain.ModelArtifact{}, domain.NewError(domain.KindTransientInfra, domain.ReasonStorage, "lookup artifact "+id, err)
	}
	var a domain.ModelArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return domain.ModelArtifact{}, domain.NewError(domain.KindConfiguration, domain.ReasonStorage, "lookup artifact "+id, err)
	}
	return a, nil
}

// Produce is idempotent per (source, method, bits, fingerprint): a published
// artifact with the same non-empty fingerprint is returned as is. Failed
// calls leave nothing resolvable behind.
func (p *Pipeline) Produce(ctx context.Context, sourceModelID, method string, bits int, fingerprint string) (domain.ModelArtifact, error) {
	id := ID(sourceModelID, method, bits, fingerprint)
	logger := log.WithFields(log.Fields{"artifact": id, "source": sourceModelID, "method": method, "bits": bits})

	if fingerprint != "" {
		if a, err := p.Lookup(ctx, id); err == nil {
			logger.Info("artifact already published, reusing it")
			return a, nil
		}
	}

	work, err := os.MkdirTemp(p.WorkDir, "produce-")
	if err != nil {
		return domain.ModelArtifact{}, domain.NewError(domain.KindTransientInfra, domain.ReasonStorage, "produce", err)
	}
	defer os.RemoveAll(work)
	srcDir := filepath.Join(work, "source")
	outDir := filepath.Join(work, "model")
	for _, d := range []string{srcDir, outDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return domain.ModelArtifact{}, domain.NewError(domain.KindTransientInfra, domain.ReasonStorage, "produce", err)
		}
	}

	logger.Info("fetching base model")
	if err := p.Fetcher.Fetch(ctx, sourceModelID, srcDir); err != nil {
		return domain.ModelArtifact{}, err
	}
	logger.Info("quantizing")
	if err := p.Quantizer.Quantize(ctx, srcDir, outDir, method, bits); err != nil {
		return domain.ModelArtifact{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.ModelArtifact{}, fmt.Errorf("produce %s: %w", id, err)
	}

	tmpURI := p.Store.TempURI()
	defer p.Store.Discard(context.WithoutCancel(ctx), tmpURI)
	logger.Infof("uploading to %s", tmpURI)
	if err := p.upload(ctx, outDir, tmpURI); err != nil {
		if ctx.Err() != nil {
			return domain.ModelArtifact{}, fmt.Errorf("produce %s: %w", id, ctx.Err())
		}
		return domain.ModelArtifact{}, domain.NewError(domain.KindTransientInfra, domain.ReasonStorage, "upload", err)
	}

	finalURI := p.Store.URI(id)
	a := domain.ModelArtifact{
		ID:                 id,
		SourceModelID:      sourceModelID,
		QuantizationMethod: method,
		BitWidth:           bits,
		Fingerprint:        fingerprint,
		StorageURI:         finalURI,
		CreatedAt:          p.Now().UTC(),
	}
	manifest, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return domain.ModelArtifact{}, err
	}
	if err := p.Store.Publish(ctx, tmpURI, finalURI, manifest); err != nil {
		if errors.Is(err, os.ErrExist) {
			// a concurrent producer with the same fingerprint won
			if existing, lerr := p.Lookup(ctx, id); lerr == nil {
				return existing, nil
			}
		}
		return domain.ModelArtifact{}, domain.NewError(domain.KindTransientInfra, domain.ReasonStorage, "publish", err)
	}
	logger.Infof("artifact published to %s", finalURI)
	return a, nil
}

// upload puts every file below dir into the tree at uri.
func (p *Pipeline) upload(ctx context.Context, dir, uri string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = p.Store.Put(ctx, uri, filepath.ToSlash(rel), f)
		return err
	})
}
