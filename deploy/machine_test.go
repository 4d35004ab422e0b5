package deploy_test

import (
	"errors"
	"testing"

	"github.com/surajsub/temporal-release-pipeline/deploy"
	"github.com/surajsub/temporal-release-pipeline/models"
)

var (
	known   = models.ArtifactRef{ID: "good", StageID: "build"}
	release = models.ArtifactRef{ID: "new", StageID: "build"}
)

func group(onFailure, onStop bool) models.DeploymentGroup {
	cur := known
	return models.DeploymentGroup{
		Name:            "web",
		Selector:        map[string]string{"app": "web"},
		Rollback:        models.RollbackPolicy{OnFailure: onFailure, OnStop: onStop},
		HealthCheck:     models.HealthCheckSignal,
		CurrentRevision: &cur,
	}
}

func started(t *testing.T, g models.DeploymentGroup, hosts ...string) *deploy.Machine {
	t.Helper()
	m := deploy.New("dep-1", g, release)
	if err := m.Begin(hosts); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for _, h := range hosts {
		m.InstallAcked(h)
	}
	return m
}

func signal(host string, code int) models.HostSignal {
	return models.HostSignal{ExitCode: code, StackOrGroupID: "dep-1", ResourceID: host}
}

func TestAllHostsSucceed(t *testing.T) {
	m := started(t, group(true, true), "h1", "h2", "h3")
	if m.State() != models.DeploymentHealthChecking {
		t.Fatalf("State = %s, want HealthChecking", m.State())
	}
	for i, h := range []string{"h1", "h2", "h3"} {
		if d := m.Evaluate(); d != deploy.Wait {
			t.Fatalf("Evaluate before signal %d = %s, want wait", i, d)
		}
		if !m.Signal(signal(h, 0)) {
			t.Fatalf("Signal(%s) rejected", h)
		}
	}
	if d := m.Evaluate(); d != deploy.Succeed {
		t.Fatalf("Evaluate = %s, want succeed", d)
	}
	if err := m.Succeed(); err != nil {
		t.Fatalf("Succeed: %v", err)
	}
	res := m.Result()
	if res.State != models.DeploymentSucceeded || len(res.Hosts) != 3 {
		t.Fatalf("Result = %+v", res)
	}
	for _, h := range res.Hosts {
		if h.Status != models.HostSucceeded || h.ExitCode == nil || *h.ExitCode != 0 {
			t.Errorf("host %s = %+v", h.HostID, h)
		}
	}
}

func TestFailureRollsBack(t *testing.T) {
	m := started(t, group(true, false), "h1", "h2", "h3")
	m.Signal(signal("h1", 0))
	m.Signal(signal("h2", 1))

	if d := m.Evaluate(); d != deploy.Rollback {
		t.Fatalf("Evaluate = %s, want rollback", d)
	}
	target, err := m.StartRollback()
	if err != nil {
		t.Fatalf("StartRollback: %v", err)
	}
	if target != known {
		t.Errorf("rollback target = %v, want %v", target, known)
	}
	if m.State() != models.DeploymentInstalling || m.Phase() != deploy.PhaseRollback {
		t.Fatalf("State = %s/%s, want Installing/rollback", m.State(), m.Phase())
	}
	if m.Signal(signal("h3", 0)) {
		t.Error("signal accepted during rollback")
	}

	done := false
	for _, h := range m.Hosts() {
		done = m.RollbackInstalled(h, nil)
	}
	if !done {
		t.Fatal("rollback not done after every host reported")
	}
	if err := m.RollbackComplete(); err != nil {
		t.Fatalf("RollbackComplete: %v", err)
	}
	res := m.Result()
	if res.State != models.DeploymentRolledBack {
		t.Fatalf("State = %s, want RolledBack", res.State)
	}
	if res.RolledBackTo == nil || *res.RolledBackTo != known {
		t.Errorf("RolledBackTo = %v", res.RolledBackTo)
	}
}

func TestFailureWithoutRollbackFails(t *testing.T) {
	m := started(t, group(false, false), "h1", "h2")
	m.Signal(signal("h2", 7))
	if d := m.Evaluate(); d != deploy.Fail {
		t.Fatalf("Evaluate = %s, want fail", d)
	}
	m.Fail("")
	if m.State() != models.DeploymentFailed {
		t.Fatalf("State = %s, want Failed", m.State())
	}
	if m.Reason() == "" {
		t.Error("no failure reason recorded")
	}
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	m := started(t, group(true, false), "h1", "h2")
	m.Signal(signal("h1", 0))
	if !m.Timeout("h2") {
		t.Fatal("Timeout rejected")
	}
	if d := m.Evaluate(); d != deploy.Rollback {
		t.Fatalf("Evaluate = %s, want rollback", d)
	}
	status, _ := m.HostStatus("h2")
	if status != models.HostTimedOut {
		t.Errorf("h2 = %s, want timed_out", status)
	}
}

func TestLateSignalIgnored(t *testing.T) {
	m := started(t, group(true, false), "h1")
	m.Timeout("h1")
	if m.Signal(signal("h1", 0)) {
		t.Fatal("late signal accepted")
	}
	if status, _ := m.HostStatus("h1"); status != models.HostTimedOut {
		t.Errorf("h1 = %s, want timed_out", status)
	}
}

func TestAtMostOneTerminalStatus(t *testing.T) {
	m := started(t, group(false, false), "h1")
	if !m.Signal(signal("h1", 0)) {
		t.Fatal("first signal rejected")
	}
	if m.Signal(signal("h1", 1)) {
		t.Error("second signal accepted")
	}
	if m.Timeout("h1") {
		t.Error("timeout after signal accepted")
	}
	if status, _ := m.HostStatus("h1"); status != models.HostSucceeded {
		t.Errorf("h1 = %s, want succeeded", status)
	}
}

func TestSignalForOtherAttemptOrHostIgnored(t *testing.T) {
	m := started(t, group(false, false), "h1")
	if m.Signal(models.HostSignal{StackOrGroupID: "dep-0", ResourceID: "h1"}) {
		t.Error("signal for another attempt accepted")
	}
	if m.Signal(signal("h9", 0)) {
		t.Error("signal for unknown host accepted")
	}
}

func TestStop(t *testing.T) {
	tests := []struct {
		name   string
		onStop bool
		want   deploy.Decision
	}{
		{"rollback on stop", true, deploy.Rollback},
		{"fail on stop", false, deploy.Fail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := started(t, group(false, tt.onStop), "h1", "h2")
			if !m.Stop() {
				t.Fatal("Stop rejected")
			}
			if d := m.Evaluate(); d != tt.want {
				t.Fatalf("Evaluate = %s, want %s", d, tt.want)
			}
		})
	}
}

func TestStopDuringRollbackIgnored(t *testing.T) {
	m := started(t, group(true, false), "h1")
	m.Signal(signal("h1", 1))
	if _, err := m.StartRollback(); err != nil {
		t.Fatalf("StartRollback: %v", err)
	}
	if m.Stop() {
		t.Error("stop accepted during rollback")
	}
}

func TestStopDuringInstalling(t *testing.T) {
	m := deploy.New("dep-1", group(false, true), release)
	if err := m.Begin([]string{"h1", "h2"}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	m.InstallAcked("h1")
	if m.State() != models.DeploymentInstalling {
		t.Fatalf("State = %s, want Installing", m.State())
	}
	m.Stop()
	if d := m.Evaluate(); d != deploy.Rollback {
		t.Fatalf("Evaluate = %s, want rollback", d)
	}
}

func TestNoTargetsMatched(t *testing.T) {
	m := deploy.New("dep-1", group(true, true), release)
	err := m.Begin(nil)
	if !errors.Is(err, models.ErrNoTargetsMatched) {
		t.Fatalf("Begin: got %v, want ErrNoTargetsMatched", err)
	}
	if m.State() != models.DeploymentFailed {
		t.Fatalf("State = %s, want Failed", m.State())
	}
}

func TestRollbackWithoutKnownGoodFails(t *testing.T) {
	g := group(true, true)
	g.CurrentRevision = nil
	m := started(t, g, "h1")
	m.Signal(signal("h1", 2))
	if d := m.Evaluate(); d != deploy.Fail {
		t.Fatalf("Evaluate = %s, want fail", d)
	}
	if _, err := m.StartRollback(); !errors.Is(err, deploy.ErrInvalidTransition) {
		t.Fatalf("StartRollback: got %v, want ErrInvalidTransition", err)
	}
}

func TestInstallFailureCountsAsFailure(t *testing.T) {
	m := deploy.New("dep-1", group(true, false), release)
	if err := m.Begin([]string{"h1", "h2"}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	m.InstallAcked("h1")
	m.InstallFailed("h2", "connection refused")
	if d := m.Evaluate(); d != deploy.Rollback {
		t.Fatalf("Evaluate = %s, want rollback", d)
	}
}

func TestHealthCheckNone(t *testing.T) {
	g := group(true, false)
	g.HealthCheck = models.HealthCheckNone
	m := deploy.New("dep-1", g, release)
	if err := m.Begin([]string{"h1", "h2"}); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	m.InstallAcked("h1")
	if d := m.Evaluate(); d != deploy.Wait {
		t.Fatalf("Evaluate = %s, want wait", d)
	}
	m.InstallAcked("h2")
	if d := m.Evaluate(); d != deploy.Succeed {
		t.Fatalf("Evaluate = %s, want succeed", d)
	}
	if m.Signal(signal("h1", 1)) {
		t.Error("signal accepted without health checking")
	}
}

func TestSucceedRequiresHealthyHosts(t *testing.T) {
	m := started(t, group(true, false), "h1")
	if err := m.Succeed(); !errors.Is(err, deploy.ErrInvalidTransition) {
		t.Fatalf("Succeed: got %v, want ErrInvalidTransition", err)
	}
}

func TestRollbackInstallErrorsRecorded(t *testing.T) {
	m := started(t, group(true, false), "h1", "h2")
	m.Timeout("h1")
	if _, err := m.StartRollback(); err != nil {
		t.Fatalf("StartRollback: %v", err)
	}
	if m.RollbackInstalled("h1", errors.New("agent down")) {
		t.Fatal("rollback done with h2 outstanding")
	}
	if err := m.RollbackComplete(); !errors.Is(err, deploy.ErrInvalidTransition) {
		t.Fatalf("early RollbackComplete: got %v", err)
	}
	if !m.RollbackInstalled("h2", nil) {
		t.Fatal("rollback not done")
	}
	if err := m.RollbackComplete(); err != nil {
		t.Fatalf("RollbackComplete: %v", err)
	}
	if m.State() != models.DeploymentRolledBack {
		t.Fatalf("State = %s, want RolledBack", m.State())
	}
}
