package handlers

import (
	"time"

	"github.com/surajsub/temporal-release-pipeline/policy"
	"github.com/surajsub/temporal-release-pipeline/records"
)

type SubmitResponse struct {
	ExecutionID    string          `json:"execution_id"`
	RunID          string          `json:"run_id"`
	Pipeline       string          `json:"pipeline"`
	TaskQueue      string          `json:"task_queue"`
	SubmissionTime string          `json:"submission_time"`
	Policies       []policy.Policy `json:"policies"`
}

type StatusResponse struct {
	Status         string            `json:"status"`
	TemporalOnline bool              `json:"temporal_online"`
	StartTime      *time.Time        `json:"start_time,omitempty"`
	CloseTime      *time.Time        `json:"close_time,omitempty"`
	Duration       string            `json:"duration,omitempty"`
	Execution      records.Execution `json:"execution"`
}

type SignalResponse struct {
	Status       string `json:"status"`
	DeploymentID string `json:"deployment_id"`
	HostID       string `json:"host_id,omitempty"`
}
