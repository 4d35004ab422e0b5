package db

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/datatypes"
)

type PipelineExecution struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	ExecutionID      string    `gorm:"uniqueIndex"`
	RunID            string
	Pipeline         string `gorm:"index"`
	TaskQueue        string
	Status           string
	Error            string
	DeploymentID     string
	DeploymentGroup  string
	DeploymentState  string
	DeploymentReason string
	Revision         datatypes.JSON
	RolledBackTo     datatypes.JSON
	Policies         datatypes.JSON
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Stages           []StageRecord       `gorm:"foreignKey:ExecutionID;references:ExecutionID"`
	Hosts            []HostOutcomeRecord `gorm:"foreignKey:ExecutionID;references:ExecutionID"`
}

type StageRecord struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	ExecutionID string    `gorm:"uniqueIndex:idx_stage_execution_name"`
	Name        string    `gorm:"uniqueIndex:idx_stage_execution_name"`
	Ordinal     int
	Status      string // NotStarted, Running, Succeeded, Failed
	Error       string
	ErrorType   string
	Slots       pq.StringArray `gorm:"type:text[]"`
	Artifacts   datatypes.JSON
	UpdatedAt   time.Time
}

type HostOutcomeRecord struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	ExecutionID  string    `gorm:"index"`
	DeploymentID string    `gorm:"uniqueIndex:idx_host_outcome"`
	HostID       string    `gorm:"uniqueIndex:idx_host_outcome"`
	Status       string
	ExitCode     *int
	Detail       string
	UpdatedAt    time.Time
}

type DeploymentGroupRecord struct {
	Name                  string `gorm:"primaryKey"`
	Selector              datatypes.JSON
	RollbackOnFailure     bool
	RollbackOnStop        bool
	HealthCheck           string
	SignalTimeout         time.Duration
	CurrentRevisionID     *string
	CurrentRevisionStage  *string
	PreviousRevisionID    *string
	PreviousRevisionStage *string
	UpdatedAt             time.Time
}

type HostRecord struct {
	ID              string `gorm:"primaryKey"`
	Tags            datatypes.JSON
	AgentURL        string
	BootstrapScript string
	Region          string
	UpdatedAt       time.Time
}

// ArtifactBlob holds zstd-compressed CBOR file sets.
type ArtifactBlob struct {
	StageID   string `gorm:"primaryKey"`
	ID        string `gorm:"primaryKey"`
	Content   []byte `gorm:"type:bytea"`
	Size      int
	CreatedAt time.Time
}

type ArtifactVersion struct {
	StageID     string `gorm:"primaryKey"`
	Sequence    int64  `gorm:"primaryKey;autoIncrement:false"`
	ArtifactID  string
	ExecutionID string `gorm:"index"`
	PublishedAt time.Time
}
