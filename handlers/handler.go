package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"github.com/surajsub/temporal-release-pipeline/artifacts"
	"github.com/surajsub/temporal-release-pipeline/fleet"
	"github.com/surajsub/temporal-release-pipeline/models"
	"github.com/surajsub/temporal-release-pipeline/policy"
	"github.com/surajsub/temporal-release-pipeline/records"
	"github.com/surajsub/temporal-release-pipeline/workflows"
)

// Handler serves the pipeline API: run submission and status, the host
// signal ingress, deployment stop and artifact download for host agents.
type Handler struct {
	Recorder      records.Recorder
	Groups        fleet.GroupRepository
	Hosts         fleet.HostRegistry
	Store         artifacts.Store
	TaskQueue     func(pipeline string) string
	ArtifactStore string
	SignalTimeout time.Duration
	Logger        *logrus.Logger
}

func errorJSON(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]string{"error": msg})
}

func mediaType(header string) string {
	mt, _, _ := strings.Cut(header, ";")
	return strings.TrimSpace(strings.ToLower(mt))
}

// SubmitPipeline validates a definition, registers its deployment groups and
// starts a PipelineWorkflow. Definitions whose composed policies conflict are
// rejected before anything runs.
func (h *Handler) SubmitPipeline(c echo.Context, temporalClient client.Client) error {
	contentType := mediaType(c.Request().Header.Get("Content-Type"))
	switch contentType {
	case "application/json", "application/x-yaml", "text/yaml", "application/yaml":
	default:
		h.Logger.Warnf("Unsupported Content-Type: %s", contentType)
		return errorJSON(c, http.StatusUnsupportedMediaType, "unsupported content type")
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "cannot read body")
	}

	def, err := models.ParseDefinition(body, contentType)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	if _, err := workflows.BuildGraph(def); err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	policies, err := policy.Compose(def.Actions(), policy.FromDefinition(def, h.ArtifactStore))
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	for _, g := range def.Groups {
		if err := h.Groups.Put(ctx, g); err != nil {
			h.Logger.Errorf("Failed to register group %s: %v", g.Name, err)
			return err
		}
	}

	executionID := def.Name + "-" + uuid.NewString()
	taskQueue := h.TaskQueue(def.Name)
	we, err := temporalClient.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        executionID,
		TaskQueue: taskQueue,
	}, workflows.PipelineWorkflow, workflows.PipelineInput{
		ExecutionID:   executionID,
		Definition:    def,
		ArtifactStore: h.ArtifactStore,
		SignalTimeout: h.SignalTimeout,
	})
	if err != nil {
		h.Logger.Errorf("Failed to start workflow: %v", err)
		return errorJSON(c, http.StatusInternalServerError, err.Error())
	}
	h.Logger.Infof("Pipeline started. WorkflowID: %s RunID: %s", we.GetID(), we.GetRunID())

	if err := h.Recorder.CreateExecution(ctx, records.Execution{
		ExecutionID: executionID,
		RunID:       we.GetRunID(),
		Pipeline:    def.Name,
		TaskQueue:   taskQueue,
		Policies:    policies,
	}); err != nil {
		h.Logger.Errorf("Failed to record execution %s: %v", executionID, err)
		return err
	}

	return c.JSON(http.StatusOK, SubmitResponse{
		ExecutionID:    executionID,
		RunID:          we.GetRunID(),
		Pipeline:       def.Name,
		TaskQueue:      taskQueue,
		SubmissionTime: time.Now().Format(time.RFC3339),
		Policies:       policies,
	})
}

// GetPipelineStatus merges the recorded stages with Temporal's view of the
// execution. The record alone is returned when Temporal cannot be reached.
func (h *Handler) GetPipelineStatus(c echo.Context, temporalClient client.Client) error {
	executionID := c.Param("execution_id")
	exec, err := h.Recorder.GetExecution(c.Request().Context(), executionID)
	if errors.Is(err, models.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "execution not found")
	}
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()
	resp, err := temporalClient.DescribeWorkflowExecution(ctx, executionID, exec.RunID)
	if err != nil {
		h.Logger.Warnf("Error describing workflow [%s]: %v", executionID, err)
		return c.JSON(http.StatusOK, StatusResponse{
			Status:         "Unknown (Temporal Unavailable)",
			TemporalOnline: false,
			Execution:      exec,
		})
	}

	info := resp.GetWorkflowExecutionInfo()
	startTime := info.GetStartTime().AsTime()
	out := StatusResponse{
		Status:         info.GetStatus().String(),
		TemporalOnline: true,
		StartTime:      &startTime,
		Execution:      exec,
	}
	if info.GetStatus() == enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING {
		out.Duration = time.Since(startTime).String()
	} else if info.GetCloseTime() != nil {
		closeTime := info.GetCloseTime().AsTime()
		out.CloseTime = &closeTime
		out.Duration = closeTime.Sub(startTime).String()
	}
	return c.JSON(http.StatusOK, out)
}

// SignalHost forwards a host's bootstrap report to its deployment. A signal
// for a deployment that has already finished is acknowledged and dropped.
func (h *Handler) SignalHost(c echo.Context, temporalClient client.Client) error {
	var sig models.HostSignal
	if err := c.Bind(&sig); err != nil {
		return errorJSON(c, http.StatusBadRequest, "Invalid signal payload")
	}
	if sig.StackOrGroupID == "" || sig.ResourceID == "" {
		return errorJSON(c, http.StatusBadRequest, "stackOrGroupId and resourceId are required")
	}

	err := temporalClient.SignalWorkflow(c.Request().Context(), sig.StackOrGroupID, "", workflows.HostSignalName, sig)
	var notFound *serviceerror.NotFound
	switch {
	case errors.As(err, &notFound):
		h.Logger.Infof("Ignoring late signal from host %s for deployment %s", sig.ResourceID, sig.StackOrGroupID)
		return c.JSON(http.StatusAccepted, SignalResponse{Status: "ignored", DeploymentID: sig.StackOrGroupID, HostID: sig.ResourceID})
	case err != nil:
		h.Logger.Errorf("Failed to signal workflow: %v", err)
		return errorJSON(c, http.StatusInternalServerError, "Failed to send signal")
	}
	return c.JSON(http.StatusAccepted, SignalResponse{Status: "accepted", DeploymentID: sig.StackOrGroupID, HostID: sig.ResourceID})
}

func (h *Handler) StopDeployment(c echo.Context, temporalClient client.Client) error {
	deploymentID := c.Param("deployment_id")
	var req workflows.StopRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return errorJSON(c, http.StatusBadRequest, "Invalid stop payload")
		}
	}

	err := temporalClient.SignalWorkflow(c.Request().Context(), deploymentID, "", workflows.StopSignalName, req)
	var notFound *serviceerror.NotFound
	switch {
	case errors.As(err, &notFound):
		return errorJSON(c, http.StatusNotFound, "deployment not running")
	case err != nil:
		h.Logger.Errorf("Failed to stop deployment %s: %v", deploymentID, err)
		return errorJSON(c, http.StatusInternalServerError, "Failed to send signal")
	}
	return c.JSON(http.StatusAccepted, SignalResponse{Status: "stop requested", DeploymentID: deploymentID})
}

// GetArtifact serves an artifact as CBOR for host agents to install. Layout
// query parameters narrow it to the files a deployment consumes.
func (h *Handler) GetArtifact(c echo.Context) error {
	ref := models.ArtifactRef{StageID: c.Param("stage"), ID: c.Param("id")}
	files, err := h.Store.Fetch(c.Request().Context(), ref)
	if errors.Is(err, artifacts.ErrArtifactNotFound) {
		return errorJSON(c, http.StatusNotFound, "artifact not found")
	}
	if err != nil {
		return err
	}
	if layout := c.QueryParams()["layout"]; len(layout) > 0 {
		files, err = artifacts.Layout{Patterns: layout}.Select(files)
		if errors.Is(err, artifacts.ErrLayoutViolation) {
			return errorJSON(c, http.StatusUnprocessableEntity, err.Error())
		}
		if err != nil {
			return err
		}
	}
	data, err := artifacts.EncodeFiles(files)
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, "application/cbor", data)
}

func (h *Handler) RegisterHost(c echo.Context) error {
	var host models.ProvisionedHost
	if err := c.Bind(&host); err != nil {
		return errorJSON(c, http.StatusBadRequest, "Invalid host payload")
	}
	if host.ID == "" || host.AgentURL == "" {
		return errorJSON(c, http.StatusBadRequest, "id and agent_url are required")
	}
	if err := h.Hosts.Register(c.Request().Context(), host); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, host)
}

func (h *Handler) GetGroup(c echo.Context) error {
	g, err := h.Groups.Get(c.Request().Context(), c.Param("name"))
	if errors.Is(err, models.ErrNotFound) {
		return errorJSON(c, http.StatusNotFound, "group not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, g)
}
