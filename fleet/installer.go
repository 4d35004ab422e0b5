package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/surajsub/temporal-release-pipeline/models"
)

// InstallRequest is the body posted to a host agent. The agent downloads the
// artifact from ArtifactURL and installs it. With Signal set it then runs the
// bootstrap script and signals DeploymentID with the outcome.
type InstallRequest struct {
	DeploymentID    string             `json:"deploymentId"`
	Revision        models.ArtifactRef `json:"revision"`
	ArtifactURL     string             `json:"artifactUrl"`
	Rollback        bool               `json:"rollback,omitempty"`
	Signal          bool               `json:"signal,omitempty"`
	BootstrapScript string             `json:"bootstrapScript,omitempty"`
}

type Installer interface {
	Install(ctx context.Context, host models.ProvisionedHost, req InstallRequest) error
}

// HTTPInstaller posts install requests to host.AgentURL + "/v1/install".
type HTTPInstaller struct {
	Client *http.Client
}

func (i *HTTPInstaller) Install(ctx context.Context, host models.ProvisionedHost, req InstallRequest) error {
	if host.AgentURL == "" {
		return fmt.Errorf("host %s has no agent url", host.ID)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal install request: %w", err)
	}

	url := strings.TrimRight(host.AgentURL, "/") + "/v1/install"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create install request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := i.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("install on host %s failed: %w", host.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("install on host %s failed with status code %d: %s", host.ID, resp.StatusCode, string(msg))
	}
	return nil
}
