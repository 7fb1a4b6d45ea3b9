package artifact

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"model-rollout-core/internal/app/domain"
)

// MethodNone publishes the base model unchanged.
const MethodNone = "none"

// Quantizer turns the base model in src into the candidate model in dst.
type Quantizer interface {
	Quantize(ctx context.Context, src, dst, method string, bits int) error
}

// CommandQuantizer runs an external tool. The placeholders {src}, {dst},
// {method} and {bits} in Args are substituted per call.
type CommandQuantizer struct {
	Args []string
}

func (q *CommandQuantizer) Quantize(ctx context.Context, src, dst, method string, bits int) error {
	if method == MethodNone {
		return Passthrough{}.Quantize(ctx, src, dst, method, bits)
	}
	if len(q.Args) == 0 {
		return domain.Errorf(domain.KindConfiguration, domain.ReasonQuantization, "quantize", "no quantize command configured for method %s", method)
	}
	r := strings.NewReplacer("{src}", src, "{dst}", dst, "{method}", method, "{bits}", strconv.Itoa(bits))
	args := make([]string, len(q.Args))
	for i, a := range q.Args {
		args[i] = r.Replace(a)
	}

	log.Debugf("running quantizer: %s", strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("quantize: %w", ctx.Err())
		}
		return domain.Errorf(domain.KindConfiguration, domain.ReasonQuantization, "quantize",
			"%s/%d failed: %v: %s", method, bits, err, strings.TrimSpace(lastLine(stderr.String())))
	}
	return nil
}

// Passthrough copies the base model without quantizing it.
type Passthrough struct{}

func (Passthrough) Quantize(_ context.Context, src, dst, method string, _ int) error {
	if method != MethodNone {
		return domain.Errorf(domain.KindConfiguration, domain.ReasonQuantization, "quantize", "method %s needs a quantize command", method)
	}
	if err := copyDir(src, dst); err != nil {
		return domain.NewError(domain.KindTransientInfra, domain.ReasonStorage, "quantize", err)
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
