package models

import "time"

type HealthCheckMode string

const (
	// HealthCheckSignal waits for every host to report a bootstrap signal.
	HealthCheckSignal HealthCheckMode = "signal"
	// HealthCheckNone treats an acknowledged install as healthy.
	HealthCheckNone HealthCheckMode = "none"
)

type RollbackPolicy struct {
	OnFailure bool `yaml:"on_failure" json:"on_failure"`
	OnStop    bool `yaml:"on_stop" json:"on_stop"`
}

// DeploymentGroup is a fleet selection plus the policy applied when a
// deployment to it goes wrong. CurrentRevision only moves on a successful
// deployment.
type DeploymentGroup struct {
	Name             string            `yaml:"name" json:"name"`
	Selector         map[string]string `yaml:"selector" json:"selector"`
	Rollback         RollbackPolicy    `yaml:"rollback" json:"rollback"`
	HealthCheck      HealthCheckMode   `yaml:"health_check,omitempty" json:"health_check,omitempty"`
	SignalTimeout    time.Duration     `yaml:"signal_timeout,omitempty" json:"signal_timeout,omitempty"`
	CurrentRevision  *ArtifactRef      `yaml:"-" json:"current_revision,omitempty"`
	PreviousRevision *ArtifactRef      `yaml:"-" json:"previous_revision,omitempty"`
}

type ProvisionedHost struct {
	ID              string            `json:"id"`
	Tags            map[string]string `json:"tags"`
	AgentURL        string            `json:"agent_url"`
	BootstrapScript string            `json:"bootstrap_script,omitempty"`
	Region          string            `json:"region,omitempty"`
}

type HostStatus string

const (
	HostPending   HostStatus = "pending"
	HostInstalled HostStatus = "installed"
	HostSucceeded HostStatus = "succeeded"
	HostFailed    HostStatus = "failed"
	HostTimedOut  HostStatus = "timed_out"
)

// Terminal reports whether the status is one of the per-attempt terminal
// outcomes. A host reaches at most one of them.
func (s HostStatus) Terminal() bool {
	return s == HostSucceeded || s == HostFailed || s == HostTimedOut
}

// HostSignal is the wire shape a host sends once its bootstrap sequence ends.
// StackOrGroupID carries the deployment attempt id and ResourceID the host id.
type HostSignal struct {
	ExitCode       int    `json:"exitCode"`
	StackOrGroupID string `json:"stackOrGroupId"`
	ResourceID     string `json:"resourceId"`
	Region         string `json:"region"`
}

type DeploymentState string

const (
	DeploymentCreated        DeploymentState = "Created"
	DeploymentInstalling     DeploymentState = "Installing"
	DeploymentHealthChecking DeploymentState = "HealthChecking"
	DeploymentSucceeded      DeploymentState = "Succeeded"
	DeploymentRolledBack     DeploymentState = "RolledBack"
	DeploymentFailed         DeploymentState = "Failed"
)

func (s DeploymentState) Terminal() bool {
	return s == DeploymentSucceeded || s == DeploymentRolledBack || s == DeploymentFailed
}

type HostOutcome struct {
	HostID   string     `json:"host_id"`
	Status   HostStatus `json:"status"`
	ExitCode *int       `json:"exit_code,omitempty"`
	Detail   string     `json:"detail,omitempty"`
}

type DeploymentResult struct {
	DeploymentID string          `json:"deployment_id"`
	Group        string          `json:"group"`
	State        DeploymentState `json:"state"`
	Revision     ArtifactRef     `json:"revision"`
	RolledBackTo *ArtifactRef    `json:"rolled_back_to,omitempty"`
	Hosts        []HostOutcome   `json:"hosts"`
	Reason       string          `json:"reason,omitempty"`
}
