package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/surajsub/temporal-release-pipeline/models"
)

type Signaler interface {
	Signal(ctx context.Context, sig models.HostSignal) error
}

// HTTPSignaler posts signals to {Orchestrator}/v1/signals.
type HTTPSignaler struct {
	Orchestrator string
	Client       *http.Client
}

func (s *HTTPSignaler) Signal(ctx context.Context, sig models.HostSignal) error {
	body, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}
	url := strings.TrimRight(s.Orchestrator, "/") + "/v1/signals"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create signal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("signal request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("signal request failed with status code %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}

// Agent runs a script and reports its result. Whatever happens during the run,
// the agent sends exactly one signal.
type Agent struct {
	Runner   *Runner
	Signaler Signaler
	Identity Identity

	once sync.Once
}

// Run returns the report and the error from sending the signal. A runner error
// is reported to the orchestrator as exit code 1.
func (a *Agent) Run(ctx context.Context, script Script) (Report, error) {
	report, runErr := a.Runner.Run(ctx, script)
	if runErr != nil && report.ExitCode == 0 {
		report.ExitCode = 1
	}

	var sigErr error
	sent := false
	a.once.Do(func() {
		sent = true
		// The run context may already be cancelled; the signal still goes out.
		sigErr = a.Signaler.Signal(context.WithoutCancel(ctx), a.Identity.signal(report.ExitCode))
	})
	if !sent {
		return report, fmt.Errorf("signal already sent for %s", a.Identity.ResourceID)
	}
	if sigErr != nil {
		return report, sigErr
	}
	return report, runErr
}
