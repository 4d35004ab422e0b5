package bootstrap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/surajsub/temporal-release-pipeline/artifacts"
	"github.com/surajsub/temporal-release-pipeline/fleet"
	"github.com/surajsub/temporal-release-pipeline/utils"
)

// InstallServer is the host side of fleet.HTTPInstaller. It downloads the
// artifact named in an install request, unpacks it under Dir and, when the
// request asks for a signal, runs the bootstrap script against the unpacked
// revision and reports the outcome for the request's deployment.
type InstallServer struct {
	Dir        string
	ResourceID string
	Region     string
	// Script runs when the request carries no bootstrap script of its own.
	Script   Script
	Signaler Signaler
	Client   *http.Client
	Logger   *logrus.Logger
	// Timeout bounds one script run. Zero means 30 minutes.
	Timeout time.Duration

	// mu serializes installs so a rollback never unpacks over a running script.
	mu sync.Mutex
	wg sync.WaitGroup
}

func (s *InstallServer) Register(e *echo.Echo) {
	e.POST("/v1/install", s.Install)
}

// Install unpacks the revision before responding. A request with Signal set
// is acknowledged with 202 and the script runs in the background.
func (s *InstallServer) Install(c echo.Context) error {
	var req fleet.InstallRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid install request"})
	}
	if req.DeploymentID == "" || req.ArtifactURL == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "deploymentId and artifactUrl are required"})
	}

	s.mu.Lock()
	dir, err := s.unpack(c.Request().Context(), req)
	if err != nil {
		s.logger().Errorf("Install of %s for %s failed: %v", req.Revision, req.DeploymentID, err)
		s.mu.Unlock()
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
	s.logger().Infof("Installed %s for %s into %s", req.Revision, req.DeploymentID, dir)

	if !req.Signal {
		s.mu.Unlock()
		return c.JSON(http.StatusOK, map[string]string{"status": "installed", "dir": dir})
	}

	script := s.Script
	if req.BootstrapScript != "" {
		parsed, err := ParseScript([]byte(req.BootstrapScript))
		if err != nil {
			// Still report, so the orchestrator does not wait for the deadline.
			s.logger().Errorf("Failed to parse bootstrap script for %s: %v", req.DeploymentID, err)
			parsed = Script{Commands: []string{"exit 1"}}
		}
		script = parsed
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.mu.Unlock()
		s.run(req.DeploymentID, dir, script)
	}()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted", "dir": dir})
}

// Wait blocks until every background script run has signalled.
func (s *InstallServer) Wait() {
	s.wg.Wait()
}

func (s *InstallServer) run(deploymentID, dir string, script Script) {
	timeout := s.Timeout
	if timeout == 0 {
		timeout = 30 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	agent := &Agent{
		Runner:   &Runner{Dir: dir, Logger: s.logger()},
		Signaler: s.Signaler,
		Identity: Identity{StackOrGroupID: deploymentID, ResourceID: s.ResourceID, Region: s.Region},
	}
	report, err := agent.Run(ctx, script)
	if err != nil {
		s.logger().Errorf("Bootstrap for %s finished with error: %v", deploymentID, err)
	}
	s.logger().Infof("Bootstrap for %s finished with exit code %d", deploymentID, report.ExitCode)
}

// unpack replaces Dir/<stage>/<id> with the artifact's files.
func (s *InstallServer) unpack(ctx context.Context, req fleet.InstallRequest) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.ArtifactURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create artifact request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/cbor")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("artifact download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("artifact download failed with status code %d: %s", resp.StatusCode, string(msg))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	files, err := artifacts.DecodeFiles(data)
	if err != nil {
		return "", err
	}

	stage, id := req.Revision.StageID, req.Revision.ID
	if stage == "" || id == "" || !filepath.IsLocal(stage) || !filepath.IsLocal(id) {
		return "", fmt.Errorf("invalid revision %q", req.Revision.String())
	}
	dir := filepath.Join(s.Dir, stage, id)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("failed to clear %s: %w", dir, err)
	}
	if err := utils.WriteFiles(dir, files); err != nil {
		return "", err
	}
	return dir, nil
}

func (s *InstallServer) logger() *logrus.Logger {
	if s.Logger == nil {
		s.Logger = logrus.New()
		s.Logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return s.Logger
}
