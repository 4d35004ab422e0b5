package workflows

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"testing"

	"github.com/google/go-github/github"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/testsuite"

	"github.com/surajsub/temporal-release-pipeline/activities"
	"github.com/surajsub/temporal-release-pipeline/models"
	"github.com/surajsub/temporal-release-pipeline/policy"
)

func fakeGitHub(t *testing.T) *github.Client {
	t.Helper()
	blobs := map[string]string{
		"b1": "version: 0.0\n",
		"b2": "#!/bin/sh\necho start\n",
		"b3": "<html></html>\n",
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/web/branches/main", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name":"main","commit":{"sha":"abc123"}}`)
	})
	mux.HandleFunc("/repos/acme/web/git/trees/abc123", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"sha":"abc123","tree":[
			{"path":"appspec.yml","mode":"100644","type":"blob","sha":"b1"},
			{"path":"scripts/start.sh","mode":"100755","type":"blob","sha":"b2"},
			{"path":"src/index.html","mode":"100644","type":"blob","sha":"b3"}
		]}`)
	})
	mux.HandleFunc("/repos/acme/web/git/blobs/", func(w http.ResponseWriter, r *http.Request) {
		body, ok := blobs[path.Base(r.URL.Path)]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := github.NewClient(nil)
	base, _ := url.Parse(srv.URL + "/")
	client.BaseURL = base
	return client
}

func releaseDefinition(buildCommands ...string) models.PipelineDefinition {
	return models.PipelineDefinition{
		Name: "web",
		Stages: []models.Stage{
			{Name: "Deploy", Ordinal: 3, Actions: []models.Action{{
				Name:   "release",
				Kind:   models.ActionDeploy,
				Inputs: []string{"build"},
				Deploy: &models.DeploySpec{Group: "web"},
			}}},
			{Name: "Source", Ordinal: 1, Actions: []models.Action{{
				Name:    "checkout",
				Kind:    models.ActionSourceCheckout,
				Outputs: []string{"source"},
				Source:  &models.SourceSpec{Owner: "acme", Repository: "web", Branch: "main"},
			}}},
			{Name: "Build", Ordinal: 2, Actions: []models.Action{{
				Name:    "compile",
				Kind:    models.ActionBuildCommand,
				Inputs:  []string{"source"},
				Outputs: []string{"build"},
				Build: &models.BuildSpec{
					Commands:      buildCommands,
					BaseDirectory: "out",
				},
			}}},
		},
	}
}

var goodBuild = []string{
	"mkdir -p out",
	"cp -R appspec.yml scripts src out/",
	"echo ${source.revision} > out/src/REVISION",
}

type PipelineWorkflowTestSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite

	env       *testsuite.TestWorkflowEnvironment
	acts      *activities.Activities
	installer *fakeInstaller
}

func TestPipelineWorkflow(t *testing.T) {
	suite.Run(t, new(PipelineWorkflowTestSuite))
}

func (s *PipelineWorkflowTestSuite) SetupTest() {
	s.env = s.NewTestWorkflowEnvironment()
	s.acts, s.installer = newTestActivities(s.T())
	s.acts.Executors.GitHub = fakeGitHub(s.T())
	s.env.RegisterWorkflow(PipelineWorkflow)
	s.env.RegisterWorkflow(DeploymentWorkflow)
	s.env.RegisterActivity(s.acts)

	s.Require().NoError(s.acts.Groups.Put(context.Background(), models.DeploymentGroup{
		Name:        "web",
		Selector:    map[string]string{"app": "web"},
		HealthCheck: models.HealthCheckNone,
		Rollback:    models.RollbackPolicy{OnFailure: true},
	}))
}

func (s *PipelineWorkflowTestSuite) run(def models.PipelineDefinition) models.PipelineResult {
	s.env.ExecuteWorkflow(PipelineWorkflow, PipelineInput{
		ExecutionID:   "exec-1",
		Definition:    def,
		ArtifactStore: "releases",
	})
	s.True(s.env.IsWorkflowCompleted())
	s.NoError(s.env.GetWorkflowError())
	var res models.PipelineResult
	s.NoError(s.env.GetWorkflowResult(&res))
	return res
}

func stageNames(res models.PipelineResult) []string {
	var out []string
	for _, st := range res.Stages {
		out = append(out, st.Name)
	}
	return out
}

func (s *PipelineWorkflowTestSuite) Test_SourceBuildDeploySucceeds() {
	res := s.run(releaseDefinition(goodBuild...))

	s.Equal(models.StageSucceeded, res.Status)
	s.Equal([]string{"Source", "Build", "Deploy"}, stageNames(res))
	for _, st := range res.Stages {
		s.Equal(models.StageSucceeded, st.Status, st.Name)
	}

	build := res.Stage("Build").Artifacts["build"]
	s.Require().NotNil(res.FinalArtifact)
	s.Equal(build, *res.FinalArtifact)
	s.Require().NotNil(res.Deployment)
	s.Equal(models.DeploymentSucceeded, res.Deployment.State)
	s.Equal(DeploymentID("exec-1", "release"), res.Deployment.DeploymentID)
	s.Len(res.Deployment.Hosts, 3)

	files, err := s.acts.Store.Fetch(context.Background(), build)
	s.Require().NoError(err)
	s.Equal("abc123\n", string(files["src/REVISION"]))
	s.Contains(files, "scripts/start.sh")

	g, err := s.acts.Groups.Get(context.Background(), "web")
	s.Require().NoError(err)
	s.Equal(build, *g.CurrentRevision)

	exec, err := s.acts.Recorder.GetExecution(context.Background(), "exec-1")
	s.Require().NoError(err)
	s.Equal(models.StageSucceeded, exec.Status)
	s.Len(exec.Stages, 3)
	s.Require().NotNil(exec.Deployment)

	s.Require().NotEmpty(exec.Policies)
	principals := make(map[policy.Principal]bool)
	for _, p := range exec.Policies {
		principals[p.Principal] = true
	}
	s.True(principals[policy.Principal{Kind: policy.KindAction, Name: "web/compile"}])
	s.True(principals[policy.Principal{Kind: policy.KindAction, Name: "web/release"}])
}

func (s *PipelineWorkflowTestSuite) Test_BuildSecondCommandFails() {
	res := s.run(releaseDefinition("mkdir -p out", "exit 1", "touch out/never"))

	s.Equal(models.StageFailed, res.Status)
	s.Equal(models.StageSucceeded, res.Stage("Source").Status)
	s.NotEmpty(res.Stage("Source").Artifacts)

	build := res.Stage("Build")
	s.Equal(models.StageFailed, build.Status)
	s.Equal(models.ErrTypeActionFailure, build.ErrorType)
	s.Empty(build.Artifacts)

	s.Equal(models.StageNotStarted, res.Stage("Deploy").Status)
	s.Nil(res.Deployment)
	s.Nil(res.FinalArtifact)
	s.Zero(s.installer.count())
}

func (s *PipelineWorkflowTestSuite) Test_DeploymentRollbackFailsStage() {
	ctx := context.Background()
	known, err := s.acts.Store.Publish(ctx, "exec-0", "Build", validLayout)
	s.Require().NoError(err)
	s.Require().NoError(s.acts.Groups.AdvanceRevision(ctx, "web", nil, known.Ref))
	s.installer.failing["i-2"] = true

	res := s.run(releaseDefinition(goodBuild...))

	s.Equal(models.StageFailed, res.Status)
	s.Equal(models.StageSucceeded, res.Stage("Build").Status)
	deploy := res.Stage("Deploy")
	s.Equal(models.StageFailed, deploy.Status)
	s.Equal("DeploymentRolledBack", deploy.ErrorType)
	s.Require().NotNil(res.Deployment)
	s.Equal(models.DeploymentRolledBack, res.Deployment.State)
	s.Nil(res.FinalArtifact)

	g, err := s.acts.Groups.Get(ctx, "web")
	s.Require().NoError(err)
	s.Equal(known.Ref, *g.CurrentRevision)
}

func (s *PipelineWorkflowTestSuite) Test_DeploymentErrorRecordsFailedResult() {
	res := s.run(releaseDefinition("mkdir -p out", "cp -R src out/"))

	s.Equal(models.StageFailed, res.Status)
	s.Equal(models.StageSucceeded, res.Stage("Build").Status)
	deploy := res.Stage("Deploy")
	s.Equal(models.StageFailed, deploy.Status)
	s.Equal(models.ErrTypeLayoutViolation, deploy.ErrorType)

	s.Require().NotNil(res.Deployment)
	s.Equal(models.DeploymentFailed, res.Deployment.State)
	s.Equal(DeploymentID("exec-1", "release"), res.Deployment.DeploymentID)
	s.Equal(res.Stage("Build").Artifacts["build"], res.Deployment.Revision)
	s.NotEmpty(res.Deployment.Reason)
	s.Zero(s.installer.count())

	exec, err := s.acts.Recorder.GetExecution(context.Background(), "exec-1")
	s.Require().NoError(err)
	s.Require().NotNil(exec.Deployment)
	s.Equal(models.DeploymentFailed, exec.Deployment.State)
}

func (s *PipelineWorkflowTestSuite) Test_PolicyConflictRejectedBeforeStages() {
	def := releaseDefinition(goodBuild...)
	def.Grants = []models.Grant{{
		Effect:    string(policy.Deny),
		Principal: "action:web/compile",
		Actions:   []string{"s3:PutObject"},
		Resources: []string{policy.ArtifactResource("releases")},
	}}

	s.env.ExecuteWorkflow(PipelineWorkflow, PipelineInput{ExecutionID: "exec-1", Definition: def, ArtifactStore: "releases"})

	s.True(s.env.IsWorkflowCompleted())
	err := s.env.GetWorkflowError()
	s.Require().Error(err)
	s.Equal(models.ErrTypePolicyComposeConflict, errorType(err))
	s.Zero(s.installer.count())

	exec, err := s.acts.Recorder.GetExecution(context.Background(), "exec-1")
	s.Require().NoError(err)
	s.Equal(models.StageFailed, exec.Status)
}

func (s *PipelineWorkflowTestSuite) Test_InvalidGraphRejected() {
	def := releaseDefinition(goodBuild...)
	def.Stages[0].Ordinal = 0

	s.env.ExecuteWorkflow(PipelineWorkflow, PipelineInput{ExecutionID: "exec-1", Definition: def, ArtifactStore: "releases"})

	s.True(s.env.IsWorkflowCompleted())
	err := s.env.GetWorkflowError()
	s.Require().Error(err)
	s.Equal(models.ErrTypeInvalidDefinition, errorType(err))
}
