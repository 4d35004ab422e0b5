package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	workflowpb "go.temporal.io/api/workflow/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/surajsub/temporal-release-pipeline/artifacts"
	"github.com/surajsub/temporal-release-pipeline/fleet"
	"github.com/surajsub/temporal-release-pipeline/models"
	"github.com/surajsub/temporal-release-pipeline/records"
	"github.com/surajsub/temporal-release-pipeline/workflows"
)

type sentSignal struct {
	workflowID string
	name       string
	arg        any
}

// fakeClient implements the client calls the handlers make. Anything else
// panics through the nil embedded interface.
type fakeClient struct {
	client.Client

	started     []client.StartWorkflowOptions
	inputs      []any
	signals     []sentSignal
	signalErr   error
	describe    *workflowservice.DescribeWorkflowExecutionResponse
	describeErr error
}

type fakeRun struct {
	client.WorkflowRun
	id, runID string
}

func (r fakeRun) GetID() string    { return r.id }
func (r fakeRun) GetRunID() string { return r.runID }

func (f *fakeClient) ExecuteWorkflow(_ context.Context, opts client.StartWorkflowOptions, _ any, args ...any) (client.WorkflowRun, error) {
	f.started = append(f.started, opts)
	f.inputs = append(f.inputs, args...)
	return fakeRun{id: opts.ID, runID: "run-1"}, nil
}

func (f *fakeClient) SignalWorkflow(_ context.Context, workflowID, _ string, name string, arg any) error {
	f.signals = append(f.signals, sentSignal{workflowID: workflowID, name: name, arg: arg})
	return f.signalErr
}

func (f *fakeClient) DescribeWorkflowExecution(context.Context, string, string) (*workflowservice.DescribeWorkflowExecutionResponse, error) {
	return f.describe, f.describeErr
}

type fixture struct {
	e        *echo.Echo
	tc       *fakeClient
	handler  *Handler
	recorder *records.MemoryRecorder
	groups   *fleet.MemoryGroupRepository
	hosts    *fleet.MemoryHostRegistry
	store    *artifacts.MemoryStore
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	f := &fixture{
		e:        echo.New(),
		tc:       &fakeClient{},
		recorder: records.NewMemoryRecorder(),
		groups:   fleet.NewMemoryGroupRepository(),
		hosts:    fleet.NewMemoryHostRegistry(),
		store:    artifacts.NewMemoryStore(),
	}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	f.handler = &Handler{
		Recorder:      f.recorder,
		Groups:        f.groups,
		Hosts:         f.hosts,
		Store:         f.store,
		TaskQueue:     func(string) string { return "release-pipeline" },
		ArtifactStore: "releases",
		SignalTimeout: time.Minute,
		Logger:        log,
	}
	f.e.HTTPErrorHandler = CustomHTTPErrorHandler
	RegisterRoutes(f.e, func() client.Client {
		if !online {
			return nil
		}
		return f.tc
	}, f.handler)
	return f
}

func (f *fixture) do(method, path, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

const definitionYAML = `
name: web
deployment_groups:
  - name: web
    selector: {app: web}
    rollback: {on_failure: true}
stages:
  - name: Source
    ordinal: 1
    actions:
      - name: checkout
        kind: source-checkout
        outputs: [source]
        source: {owner: acme, repository: web, branch: main}
  - name: Build
    ordinal: 2
    actions:
      - name: compile
        kind: build-command
        inputs: [source]
        outputs: [build]
        build:
          commands: ["make"]
  - name: Deploy
    ordinal: 3
    actions:
      - name: release
        kind: deploy
        inputs: [build]
        deploy: {group: web}
`

func TestSubmitPipeline(t *testing.T) {
	f := newFixture(t, true)

	rec := f.do(http.MethodPost, "/v1/pipelines", "application/x-yaml", definitionYAML)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.ExecutionID, "web-"))
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, "release-pipeline", resp.TaskQueue)

	require.Len(t, f.tc.started, 1)
	assert.Equal(t, resp.ExecutionID, f.tc.started[0].ID)
	input, ok := f.tc.inputs[0].(workflows.PipelineInput)
	require.True(t, ok)
	assert.Equal(t, "releases", input.ArtifactStore)
	assert.Equal(t, time.Minute, input.SignalTimeout)
	assert.Len(t, input.Definition.Stages, 3)

	group, err := f.groups.Get(context.Background(), "web")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"app": "web"}, group.Selector)

	require.NotEmpty(t, resp.Policies)
	var names []string
	for _, p := range resp.Policies {
		names = append(names, p.Principal.String())
	}
	assert.Contains(t, names, "action:web/compile")
	assert.Contains(t, names, "action:web/release")

	exec, err := f.recorder.GetExecution(context.Background(), resp.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "run-1", exec.RunID)
	assert.Equal(t, resp.Policies, exec.Policies)
}

func TestSubmitPipelineRejects(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        int
	}{
		{"unsupported content type", "text/plain", definitionYAML, http.StatusUnsupportedMediaType},
		{"malformed yaml", "application/x-yaml", "name: [", http.StatusBadRequest},
		{"consumer before producer", "application/x-yaml", strings.Replace(definitionYAML, "ordinal: 1", "ordinal: 9", 1), http.StatusBadRequest},
		{"wildcard grant", "application/x-yaml", definitionYAML + `
grants:
  - effect: Allow
    principal: role:ops
    actions: ["*"]
    resources: ["*"]
`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			rec := f.do(http.MethodPost, "/v1/pipelines", tt.contentType, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Empty(t, f.tc.started)
		})
	}
}

func TestTemporalOffline(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(http.MethodPost, "/v1/pipelines", "application/x-yaml", definitionYAML)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetPipelineStatus(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, f.recorder.CreateExecution(ctx, records.Execution{ExecutionID: "web-1", RunID: "run-1", Pipeline: "web"}))

	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f.tc.describe = &workflowservice.DescribeWorkflowExecutionResponse{
		WorkflowExecutionInfo: &workflowpb.WorkflowExecutionInfo{
			Status:    enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED,
			StartTime: timestamppb.New(start),
			CloseTime: timestamppb.New(start.Add(90 * time.Second)),
		},
	}

	rec := f.do(http.MethodGet, "/v1/pipelines/web-1", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED.String(), resp.Status)
	assert.True(t, resp.TemporalOnline)
	assert.Equal(t, "1m30s", resp.Duration)
	assert.Equal(t, "web", resp.Execution.Pipeline)
}

func TestGetPipelineStatusTemporalUnavailable(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.recorder.CreateExecution(context.Background(), records.Execution{ExecutionID: "web-1", Pipeline: "web"}))
	f.tc.describeErr = errors.New("connection refused")

	rec := f.do(http.MethodGet, "/v1/pipelines/web-1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.TemporalOnline)
	assert.Equal(t, "Unknown (Temporal Unavailable)", resp.Status)
}

func TestGetPipelineStatusNotFound(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(http.MethodGet, "/v1/pipelines/missing", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSignalHost(t *testing.T) {
	f := newFixture(t, true)
	body := `{"exitCode":0,"stackOrGroupId":"web-1-release","resourceId":"i-1","region":"us-east-1"}`

	rec := f.do(http.MethodPost, "/v1/signals", "application/json", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Len(t, f.tc.signals, 1)
	got := f.tc.signals[0]
	assert.Equal(t, "web-1-release", got.workflowID)
	assert.Equal(t, workflows.HostSignalName, got.name)
	assert.Equal(t, models.HostSignal{ExitCode: 0, StackOrGroupID: "web-1-release", ResourceID: "i-1", Region: "us-east-1"}, got.arg)
}

func TestSignalHostLateSignalIgnored(t *testing.T) {
	f := newFixture(t, true)
	f.tc.signalErr = serviceerror.NewNotFound("workflow execution already completed")

	rec := f.do(http.MethodPost, "/v1/signals", "application/json", `{"exitCode":1,"stackOrGroupId":"web-1-release","resourceId":"i-1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp SignalResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ignored", resp.Status)
}

func TestSignalHostValidation(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(http.MethodPost, "/v1/signals", "application/json", `{"exitCode":0,"resourceId":"i-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.tc.signals)
}

func TestStopDeployment(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(http.MethodPost, "/v1/deployments/web-1-release/stop", "application/json", `{"reason":"bad canary"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, f.tc.signals, 1)
	assert.Equal(t, workflows.StopSignalName, f.tc.signals[0].name)
	assert.Equal(t, workflows.StopRequest{Reason: "bad canary"}, f.tc.signals[0].arg)

	f.tc.signalErr = serviceerror.NewNotFound("not running")
	rec = f.do(http.MethodPost, "/v1/deployments/web-2-release/stop", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetArtifact(t *testing.T) {
	f := newFixture(t, true)
	files := artifacts.Files{"appspec.yml": []byte("version: 0.0\n")}
	pub, err := f.store.Publish(context.Background(), "web-1", "Build", files)
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/v1/artifacts/Build/"+pub.Ref.ID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/cbor", rec.Header().Get(echo.HeaderContentType))
	got, err := artifacts.DecodeFiles(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, files, got)

	rec = f.do(http.MethodGet, "/v1/artifacts/Build/nope", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetArtifactAppliesLayout(t *testing.T) {
	f := newFixture(t, false)
	pub, err := f.store.Publish(context.Background(), "web-1", "Build", artifacts.Files{
		"appspec.yml":      []byte("version: 0.0\n"),
		"scripts/start.sh": []byte("#!/bin/sh\n"),
		"README.md":        []byte("not deployed"),
	})
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/v1/artifacts/Build/"+pub.Ref.ID+"?layout=appspec.yml&layout=scripts%2F%2A", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got, err := artifacts.DecodeFiles(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.NotContains(t, got, "README.md")

	rec = f.do(http.MethodGet, "/v1/artifacts/Build/"+pub.Ref.ID+"?layout=src%2F%2A%2A%2F%2A", "", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRegisterHostAndGetGroup(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(http.MethodPost, "/v1/hosts", "application/json", `{"id":"i-1","tags":{"app":"web"},"agent_url":"http://10.0.0.1:9000"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	hosts, err := f.hosts.List(context.Background())
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, "web", hosts[0].Tags["app"])

	rec = f.do(http.MethodPost, "/v1/hosts", "application/json", `{"id":"i-2"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.NoError(t, f.groups.Put(context.Background(), models.DeploymentGroup{Name: "web", Selector: map[string]string{"app": "web"}}))
	rec = f.do(http.MethodGet, "/v1/groups/web", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var g models.DeploymentGroup
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &g))
	assert.Equal(t, "web", g.Name)

	rec = f.do(http.MethodGet, "/v1/groups/api", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
