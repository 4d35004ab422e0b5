package models

type StageStatus string

const (
	StageNotStarted StageStatus = "NotStarted"
	StageRunning    StageStatus = "Running"
	StageSucceeded  StageStatus = "Succeeded"
	StageFailed     StageStatus = "Failed"
)

type StageResult struct {
	Name      string                 `json:"name"`
	Ordinal   int                    `json:"ordinal"`
	Status    StageStatus            `json:"status"`
	Error     string                 `json:"error,omitempty"`
	ErrorType string                 `json:"error_type,omitempty"`
	Artifacts map[string]ArtifactRef `json:"artifacts,omitempty"`
}

// PipelineResult is the outcome of one pipeline execution. Every stage has a
// terminal status; stages after the first failure are NotStarted.
type PipelineResult struct {
	ExecutionID   string            `json:"execution_id"`
	Pipeline      string            `json:"pipeline"`
	Status        StageStatus       `json:"status"`
	Stages        []StageResult     `json:"stages"`
	FinalArtifact *ArtifactRef      `json:"final_artifact,omitempty"`
	Deployment    *DeploymentResult `json:"deployment,omitempty"`
	Error         string            `json:"error,omitempty"`
}

func (r *PipelineResult) Stage(name string) *StageResult {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	return nil
}
