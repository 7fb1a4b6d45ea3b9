package modelhub

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
)

// Hub downloads model files from a Hugging Face style hub
// (<base>/<model>/resolve/<revision>/<file>).
type Hub struct {
	BaseURL  string
	Token    string
	Revision string
	client   *resty.Client
}

func New(baseURL, token string) *Hub {
	client := resty.New().
		SetRetryCount(3).
		SetRetryWaitTime(time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})
	if token != "" {
		client.SetAuthToken(token)
	}
	return &Hub{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Token:    token,
		Revision: "main",
		client:   client,
	}
}

// StatusError is a non-successful hub response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("non-successful response (%d) from %s", e.StatusCode, e.URL)
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Download fetches the given files of a model into dir, keeping their
// relative paths.
func (h *Hub) Download(ctx context.Context, modelID string, files []string, dir string) error {
	for _, file := range files {
		if err := h.downloadFile(ctx, modelID, file, dir); err != nil {
			return err
		}
	}
	log.Infof("downloaded %d files of '%s' to %s", len(files), modelID, dir)
	return nil
}

func (h *Hub) downloadFile(ctx context.Context, modelID, file, dir string) error {
	dst := filepath.Join(dir, filepath.FromSlash(file))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	url := fmt.Sprintf("%s/%s/resolve/%s/%s", h.BaseURL, modelID, h.Revision, file)

	resp, err := h.client.R().
		SetContext(ctx).
		SetOutput(dst).
		Get(url)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	if !resp.IsSuccess() {
		os.Remove(dst)
		return &StatusError{URL: url, StatusCode: resp.StatusCode()}
	}
	log.Debugf("downloaded %s (%v)", file, resp.Time())
	return nil
}
