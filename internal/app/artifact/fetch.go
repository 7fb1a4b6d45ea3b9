package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"model-rollout-core/internal/app/domain"
	"model-rollout-core/internal/pkg/modelhub"
)

// Fetcher places the base model's files into dir.
type Fetcher interface {
	Fetch(ctx context.Context, sourceModelID string, dir string) error
}

// HubFetcher downloads base models from a model hub. Source IDs with a
// file:// prefix are copied from the local filesystem instead.
type HubFetcher struct {
	Hub   *modelhub.Hub
	Files []string
}

func (f *HubFetcher) Fetch(ctx context.Context, sourceModelID string, dir string) error {
	if local, ok := strings.CutPrefix(sourceModelID, "file://"); ok {
		return fetchLocal(local, dir)
	}
	if f.Hub == nil {
		return domain.Errorf(domain.KindConfiguration, domain.ReasonDownload, "fetch", "no model hub configured for %s", sourceModelID)
	}
	if len(f.Files) == 0 {
		return domain.Errorf(domain.KindConfiguration, domain.ReasonDownload, "fetch", "no model files configured for %s", sourceModelID)
	}
	err := f.Hub.Download(ctx, sourceModelID, f.Files, dir)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("fetch %s: %w", sourceModelID, ctx.Err())
	}
	return domain.NewError(downloadKind(err), domain.ReasonDownload, "fetch "+sourceModelID, err)
}

// LocalFetcher copies base models from the local filesystem.
type LocalFetcher struct{}

func (LocalFetcher) Fetch(_ context.Context, sourceModelID string, dir string) error {
	return fetchLocal(strings.TrimPrefix(sourceModelID, "file://"), dir)
}

func fetchLocal(src, dir string) error {
	info, err := os.Stat(src)
	if err != nil {
		if isNotExist(err) {
			return domain.NewError(domain.KindConfiguration, domain.ReasonDownload, "fetch "+src, err)
		}
		return domain.NewError(domain.KindTransientInfra, domain.ReasonDownload, "fetch "+src, err)
	}
	if !info.IsDir() {
		err = copyFile(src, filepath.Join(dir, filepath.Base(src)))
	} else {
		err = copyDir(src, dir)
	}
	if err != nil {
		return domain.NewError(domain.KindTransientInfra, domain.ReasonDownload, "fetch "+src, err)
	}
	return nil
}

// downloadKind treats everything but a definite client-side hub error as
// transient.
func downloadKind(err error) domain.ErrorKind {
	var se *modelhub.StatusError
	if errors.As(err, &se) && !se.Temporary() {
		return domain.KindConfiguration
	}
	return domain.KindTransientInfra
}
