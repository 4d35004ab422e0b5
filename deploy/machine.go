// Package deploy is the deployment state machine. It is pure: callers feed it
// events (install acknowledgements, host signals, deadlines, stop requests)
// and act on the decision it returns. The Temporal workflow in package
// workflows is its only driver in production.
package deploy

import (
	"errors"
	"fmt"
	"sort"

	"github.com/surajsub/temporal-release-pipeline/models"
)

// ErrInvalidTransition is returned when an event does not apply to the
// machine's current state.
var ErrInvalidTransition = errors.New("invalid deployment transition")

type Phase string

const (
	PhaseRollout  Phase = "rollout"
	PhaseRollback Phase = "rollback"
)

type Decision int

const (
	// Wait means more host events are needed.
	Wait Decision = iota
	// Succeed means every host is healthy; the caller persists the revision
	// advance and then calls Succeed.
	Succeed
	// Rollback means the caller must redeploy the group's current revision
	// via StartRollback.
	Rollback
	// Fail means the caller must call Fail with Reason.
	Fail
)

func (d Decision) String() string {
	switch d {
	case Wait:
		return "wait"
	case Succeed:
		return "succeed"
	case Rollback:
		return "rollback"
	case Fail:
		return "fail"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

type host struct {
	status    models.HostStatus
	installed bool
	exitCode  *int
	detail    string
}

// Machine tracks one deployment attempt of one revision to one group.
type Machine struct {
	id       string
	group    models.DeploymentGroup
	revision models.ArtifactRef

	state   models.DeploymentState
	phase   Phase
	hosts   map[string]*host
	order   []string
	stopped bool
	reason  string

	rollbackTo      *models.ArtifactRef
	rollbackPending map[string]bool
	rollbackErrors  []string
}

// New returns a machine in Created. The group's CurrentRevision is the
// rollback target, so it must be read before the attempt starts.
func New(id string, group models.DeploymentGroup, revision models.ArtifactRef) *Machine {
	return &Machine{
		id:       id,
		group:    group,
		revision: revision,
		state:    models.DeploymentCreated,
		phase:    PhaseRollout,
		hosts:    make(map[string]*host),
	}
}

func (m *Machine) ID() string                    { return m.id }
func (m *Machine) State() models.DeploymentState { return m.state }
func (m *Machine) Phase() Phase                  { return m.phase }
func (m *Machine) Reason() string                { return m.reason }

// HealthChecked reports whether hosts must signal before they count as
// healthy.
func (m *Machine) HealthChecked() bool {
	return m.group.HealthCheck != models.HealthCheckNone
}

// Begin moves Created to Installing with the selected hosts. An empty
// selection fails the deployment immediately.
func (m *Machine) Begin(hostIDs []string) error {
	if m.state != models.DeploymentCreated {
		return fmt.Errorf("%w: begin in %s", ErrInvalidTransition, m.state)
	}
	if len(hostIDs) == 0 {
		m.state = models.DeploymentFailed
		m.reason = fmt.Sprintf("%v: group %s", models.ErrNoTargetsMatched, m.group.Name)
		return models.ErrNoTargetsMatched
	}
	for _, id := range hostIDs {
		if _, dup := m.hosts[id]; dup {
			continue
		}
		m.hosts[id] = &host{status: models.HostPending}
		m.order = append(m.order, id)
	}
	sort.Strings(m.order)
	m.state = models.DeploymentInstalling
	return nil
}

// Hosts returns the targeted host ids in order.
func (m *Machine) Hosts() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

func (m *Machine) rollingOut() bool {
	return m.phase == PhaseRollout && !m.state.Terminal() && m.state != models.DeploymentCreated
}

// InstallAcked records that a host accepted the revision. With health checks
// off the host is healthy at this point.
func (m *Machine) InstallAcked(hostID string) {
	h, ok := m.hosts[hostID]
	if !ok || !m.rollingOut() {
		return
	}
	h.installed = true
	if !m.HealthChecked() && !h.status.Terminal() {
		h.status = models.HostSucceeded
	} else if h.status == models.HostPending {
		h.status = models.HostInstalled
	}
	m.advanceToHealthCheck()
}

// InstallFailed records a host that could not install the revision. It counts
// as a host failure.
func (m *Machine) InstallFailed(hostID, detail string) {
	h, ok := m.hosts[hostID]
	if !ok || !m.rollingOut() || h.status.Terminal() {
		return
	}
	h.status = models.HostFailed
	h.detail = "install failed: " + detail
}

func (m *Machine) advanceToHealthCheck() {
	if m.state != models.DeploymentInstalling {
		return
	}
	for _, id := range m.order {
		if !m.hosts[id].installed {
			return
		}
	}
	if m.HealthChecked() {
		m.state = models.DeploymentHealthChecking
	}
}

// Signal applies a host's bootstrap report. It returns false, leaving the
// machine untouched, for signals of another attempt, unknown hosts, hosts that
// already reached a terminal status, and anything after rollout ended.
func (m *Machine) Signal(sig models.HostSignal) bool {
	if sig.StackOrGroupID != m.id || !m.rollingOut() || !m.HealthChecked() {
		return false
	}
	h, ok := m.hosts[sig.ResourceID]
	if !ok || h.status.Terminal() {
		return false
	}
	code := sig.ExitCode
	h.exitCode = &code
	// A host can only bootstrap what it installed.
	h.installed = true
	if code == 0 {
		h.status = models.HostSucceeded
	} else {
		h.status = models.HostFailed
		h.detail = fmt.Sprintf("bootstrap exited %d", code)
	}
	m.advanceToHealthCheck()
	return true
}

// Timeout marks a host whose deadline passed without a signal. It returns
// false if the host already has a terminal status.
func (m *Machine) Timeout(hostID string) bool {
	h, ok := m.hosts[hostID]
	if !ok || !m.rollingOut() || h.status.Terminal() {
		return false
	}
	h.status = models.HostTimedOut
	h.detail = models.ErrHostTimeout.Error()
	return true
}

// Stop records an external stop. It is ignored once rollout has ended,
// including during a rollback.
func (m *Machine) Stop() bool {
	if !m.rollingOut() || m.stopped {
		return false
	}
	m.stopped = true
	return true
}

// Evaluate decides the next step. It decides on the first failure without
// waiting for the remaining hosts.
func (m *Machine) Evaluate() Decision {
	if !m.rollingOut() {
		return Wait
	}
	if m.stopped {
		if m.group.Rollback.OnStop {
			return m.rollbackOrFail("deployment stopped")
		}
		m.reason = "deployment stopped"
		return Fail
	}
	if failed := m.firstFailure(); failed != "" {
		reason := fmt.Sprintf("host %s %s", failed, m.hosts[failed].detail)
		if m.group.Rollback.OnFailure {
			return m.rollbackOrFail(reason)
		}
		m.reason = reason
		return Fail
	}
	for _, id := range m.order {
		if m.hosts[id].status != models.HostSucceeded {
			return Wait
		}
	}
	return Succeed
}

func (m *Machine) rollbackOrFail(reason string) Decision {
	if m.group.CurrentRevision == nil {
		m.reason = reason + "; no known-good revision to roll back to"
		return Fail
	}
	m.reason = reason
	return Rollback
}

func (m *Machine) firstFailure() string {
	for _, id := range m.order {
		s := m.hosts[id].status
		if s == models.HostFailed || s == models.HostTimedOut {
			return id
		}
	}
	return ""
}

// Succeed completes the deployment. Call it only after the group's revision
// advance has been persisted.
func (m *Machine) Succeed() error {
	if m.Evaluate() != Succeed {
		return fmt.Errorf("%w: succeed in %s", ErrInvalidTransition, m.state)
	}
	m.state = models.DeploymentSucceeded
	m.reason = ""
	return nil
}

// Fail ends the deployment. An empty reason keeps the one Evaluate recorded.
func (m *Machine) Fail(reason string) {
	if m.state.Terminal() {
		return
	}
	if reason != "" {
		m.reason = reason
	}
	m.state = models.DeploymentFailed
}

// StartRollback re-enters Installing for the rollback push and returns the
// revision every host must receive. Rollback installs are not health checked.
func (m *Machine) StartRollback() (models.ArtifactRef, error) {
	if m.Evaluate() != Rollback {
		return models.ArtifactRef{}, fmt.Errorf("%w: rollback in %s", ErrInvalidTransition, m.state)
	}
	target := *m.group.CurrentRevision
	m.rollbackTo = &target
	m.phase = PhaseRollback
	m.state = models.DeploymentInstalling
	m.rollbackPending = make(map[string]bool, len(m.order))
	for _, id := range m.order {
		m.rollbackPending[id] = true
	}
	return target, nil
}

// RollbackInstalled records one host's rollback install. A failed rollback
// install is noted but does not change the outcome. It returns true once every
// host has reported, at which point the caller calls RollbackComplete.
func (m *Machine) RollbackInstalled(hostID string, err error) bool {
	if m.phase != PhaseRollback || m.state.Terminal() {
		return false
	}
	if !m.rollbackPending[hostID] {
		return len(m.rollbackPending) == 0
	}
	delete(m.rollbackPending, hostID)
	if err != nil {
		m.rollbackErrors = append(m.rollbackErrors, fmt.Sprintf("%s: %v", hostID, err))
	}
	return len(m.rollbackPending) == 0
}

func (m *Machine) RollbackComplete() error {
	if m.phase != PhaseRollback || m.state != models.DeploymentInstalling {
		return fmt.Errorf("%w: rollback complete in %s/%s", ErrInvalidTransition, m.phase, m.state)
	}
	if len(m.rollbackPending) > 0 {
		return fmt.Errorf("%w: %d rollback installs outstanding", ErrInvalidTransition, len(m.rollbackPending))
	}
	m.state = models.DeploymentRolledBack
	if len(m.rollbackErrors) > 0 {
		sort.Strings(m.rollbackErrors)
		m.reason = fmt.Sprintf("%s; rollback install errors: %v", m.reason, m.rollbackErrors)
	}
	return nil
}

// Result snapshots the machine. Hosts still non-terminal are reported with
// their last status.
func (m *Machine) Result() models.DeploymentResult {
	res := models.DeploymentResult{
		DeploymentID: m.id,
		Group:        m.group.Name,
		State:        m.state,
		Revision:     m.revision,
		Reason:       m.reason,
	}
	if m.rollbackTo != nil {
		rb := *m.rollbackTo
		res.RolledBackTo = &rb
	}
	for _, id := range m.order {
		h := m.hosts[id]
		res.Hosts = append(res.Hosts, models.HostOutcome{
			HostID:   id,
			Status:   h.status,
			ExitCode: h.exitCode,
			Detail:   h.detail,
		})
	}
	return res
}

// HostStatus reports a single host's status.
func (m *Machine) HostStatus(hostID string) (models.HostStatus, bool) {
	h, ok := m.hosts[hostID]
	if !ok {
		return "", false
	}
	return h.status, true
}
