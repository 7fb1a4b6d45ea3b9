package probe

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
)

// Result is one request observation. Err is set when no response was
// received at all.
type Result struct {
	LatencyMs float64
	Success   bool
	Status    int
	Err       error
}

// Unreachable reports whether the request failed before any response.
func (r Result) Unreachable() bool {
	return r.Err != nil
}

// Sender sends a single request to an endpoint. A nil payload sends a GET,
// anything else is POSTed as JSON.
type Sender interface {
	Send(ctx context.Context, url string, payload []byte, timeout time.Duration) Result
}

type HTTPSender struct {
	client *resty.Client
}

func NewHTTPSender() *HTTPSender {
	return &HTTPSender{client: resty.New().SetHeader("User-Agent", "model-rollout-core")}
}

func (s *HTTPSender) Send(ctx context.Context, url string, payload []byte, timeout time.Duration) Result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req := s.client.R().SetContext(ctx)

	start := time.Now()
	var resp *resty.Response
	var err error
	if payload == nil {
		resp, err = req.Get(url)
	} else {
		resp, err = req.SetHeader("Content-Type", "application/json").SetBody(payload).Post(url)
	}
	latency := float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		log.Debugf("request to %s failed after %.1fms: %v", url, latency, err)
		return Result{LatencyMs: latency, Err: err}
	}
	return Result{
		LatencyMs: latency,
		Success:   resp.IsSuccess(),
		Status:    resp.StatusCode(),
	}
}

// IsTimeout reports whether a failed request ran into its deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
