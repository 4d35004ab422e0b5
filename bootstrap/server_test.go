package bootstrap_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/surajsub/temporal-release-pipeline/artifacts"
	"github.com/surajsub/temporal-release-pipeline/bootstrap"
	"github.com/surajsub/temporal-release-pipeline/fleet"
	"github.com/surajsub/temporal-release-pipeline/models"
)

// fakeOrchestrator serves one artifact and collects the signals hosts post.
type fakeOrchestrator struct {
	*httptest.Server

	mu      sync.Mutex
	layouts [][]string
	signals []models.HostSignal
}

func newFakeOrchestrator(t *testing.T, files artifacts.Files) *fakeOrchestrator {
	t.Helper()
	data, err := artifacts.EncodeFiles(files)
	if err != nil {
		t.Fatal(err)
	}
	o := &fakeOrchestrator{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/artifacts/Build/a1", func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.layouts = append(o.layouts, r.URL.Query()["layout"])
		o.mu.Unlock()
		w.Header().Set("Content-Type", "application/cbor")
		w.Write(data)
	})
	mux.HandleFunc("/v1/signals", func(w http.ResponseWriter, r *http.Request) {
		var sig models.HostSignal
		if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		o.mu.Lock()
		o.signals = append(o.signals, sig)
		o.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	o.Server = httptest.NewServer(mux)
	t.Cleanup(o.Close)
	return o
}

func (o *fakeOrchestrator) received() []models.HostSignal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.HostSignal(nil), o.signals...)
}

func startAgent(t *testing.T, o *fakeOrchestrator, script bootstrap.Script) (*bootstrap.InstallServer, models.ProvisionedHost) {
	t.Helper()
	srv := &bootstrap.InstallServer{
		Dir:        t.TempDir(),
		ResourceID: "i-1",
		Region:     "us-east-1",
		Script:     script,
		Signaler:   &bootstrap.HTTPSignaler{Orchestrator: o.URL, Client: o.Client()},
		Client:     o.Client(),
	}
	e := echo.New()
	srv.Register(e)
	agent := httptest.NewServer(e)
	t.Cleanup(agent.Close)
	return srv, models.ProvisionedHost{ID: "i-1", AgentURL: agent.URL}
}

var releaseFiles = artifacts.Files{
	"appspec.yml":      []byte("version: 0.0\n"),
	"scripts/start.sh": []byte("echo started > started.txt\n"),
	"src/index.html":   []byte("<html></html>\n"),
}

func TestInstallServerRunsBootstrapAndSignals(t *testing.T) {
	o := newFakeOrchestrator(t, releaseFiles)
	srv, host := startAgent(t, o, bootstrap.Script{Commands: []string{"exit 9"}})

	installer := &fleet.HTTPInstaller{}
	err := installer.Install(context.Background(), host, fleet.InstallRequest{
		DeploymentID:    "exec-1-release",
		Revision:        models.ArtifactRef{ID: "a1", StageID: "Build"},
		ArtifactURL:     o.URL + "/v1/artifacts/Build/a1?layout=scripts%2F%2A&layout=appspec.yml",
		Signal:          true,
		BootstrapScript: "commands:\n  - sh scripts/start.sh\n",
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	srv.Wait()

	signals := o.received()
	want := models.HostSignal{ExitCode: 0, StackOrGroupID: "exec-1-release", ResourceID: "i-1", Region: "us-east-1"}
	if len(signals) != 1 || signals[0] != want {
		t.Fatalf("signals = %+v, want [%+v]", signals, want)
	}
	o.mu.Lock()
	layouts := o.layouts
	o.mu.Unlock()
	if len(layouts) != 1 || len(layouts[0]) != 2 || layouts[0][0] != "scripts/*" {
		t.Errorf("artifact fetched with layout %v", layouts)
	}

	dir := filepath.Join(srv.Dir, "Build", "a1")
	got, err := os.ReadFile(filepath.Join(dir, "started.txt"))
	if err != nil {
		t.Fatalf("bootstrap script did not run in the install dir: %v", err)
	}
	if string(got) != "started\n" {
		t.Errorf("started.txt = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "appspec.yml")); err != nil {
		t.Errorf("artifact not unpacked: %v", err)
	}
}

func TestInstallServerLocalScriptFailure(t *testing.T) {
	o := newFakeOrchestrator(t, releaseFiles)
	srv, host := startAgent(t, o, bootstrap.Script{Commands: []string{"test -f appspec.yml", "exit 7"}})

	installer := &fleet.HTTPInstaller{}
	if err := installer.Install(context.Background(), host, fleet.InstallRequest{
		DeploymentID: "exec-2-release",
		Revision:     models.ArtifactRef{ID: "a1", StageID: "Build"},
		ArtifactURL:  o.URL + "/v1/artifacts/Build/a1",
		Signal:       true,
	}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	srv.Wait()

	signals := o.received()
	if len(signals) != 1 || signals[0].ExitCode != 7 || signals[0].StackOrGroupID != "exec-2-release" {
		t.Fatalf("signals = %+v, want one exit 7 for exec-2-release", signals)
	}
}

func TestInstallServerRollbackDoesNotSignal(t *testing.T) {
	o := newFakeOrchestrator(t, releaseFiles)
	srv, host := startAgent(t, o, bootstrap.Script{Commands: []string{"touch ran"}})

	installer := &fleet.HTTPInstaller{}
	if err := installer.Install(context.Background(), host, fleet.InstallRequest{
		DeploymentID: "exec-3-release",
		Revision:     models.ArtifactRef{ID: "a1", StageID: "Build"},
		ArtifactURL:  o.URL + "/v1/artifacts/Build/a1",
		Rollback:     true,
	}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	srv.Wait()

	if signals := o.received(); len(signals) != 0 {
		t.Errorf("signals = %+v, want none", signals)
	}
	dir := filepath.Join(srv.Dir, "Build", "a1")
	if _, err := os.Stat(filepath.Join(dir, "src", "index.html")); err != nil {
		t.Errorf("artifact not unpacked: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ran")); !os.IsNotExist(err) {
		t.Error("bootstrap script ran for a rollback install")
	}
}

func TestInstallServerArtifactMissing(t *testing.T) {
	o := newFakeOrchestrator(t, releaseFiles)
	srv, host := startAgent(t, o, bootstrap.Script{Commands: []string{"true"}})

	installer := &fleet.HTTPInstaller{}
	err := installer.Install(context.Background(), host, fleet.InstallRequest{
		DeploymentID: "exec-4-release",
		Revision:     models.ArtifactRef{ID: "gone", StageID: "Build"},
		ArtifactURL:  o.URL + "/v1/artifacts/Build/gone",
		Signal:       true,
	})
	if err == nil {
		t.Fatal("Install: expected error for a missing artifact")
	}
	srv.Wait()
	if signals := o.received(); len(signals) != 0 {
		t.Errorf("signals = %+v, want none", signals)
	}
}

func TestInstallServerRejectsIncompleteRequest(t *testing.T) {
	o := newFakeOrchestrator(t, releaseFiles)
	_, host := startAgent(t, o, bootstrap.Script{})

	installer := &fleet.HTTPInstaller{}
	if err := installer.Install(context.Background(), host, fleet.InstallRequest{
		Revision: models.ArtifactRef{ID: "a1", StageID: "Build"},
	}); err == nil {
		t.Fatal("Install: expected error without deploymentId and artifactUrl")
	}
}
