package executors

import (
	"context"
	"fmt"

	"github.com/google/go-github/github"
	"github.com/sirupsen/logrus"

	"github.com/surajsub/temporal-release-pipeline/artifacts"
	"github.com/surajsub/temporal-release-pipeline/models"
	"github.com/surajsub/temporal-release-pipeline/utils"
)

// SourceExecutor checks out the head of a branch through the GitHub API.
// The tree is written into the workspace and every output slot receives it.
// The commit SHA is exported as the "revision" variable.
type SourceExecutor struct {
	GitHub *github.Client
	Logger *logrus.Logger
}

func (s *SourceExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	spec := req.Action.Source
	if spec == nil {
		return Result{}, fmt.Errorf("%w: action %s has no source", models.ErrInvalidDefinition, req.Action.Name)
	}
	client := s.GitHub
	if client == nil {
		client = github.NewClient(nil)
	}
	s.Logger.Infof("Checking out %s/%s@%s for action %s", spec.Owner, spec.Repository, spec.Branch, req.Action.Name)

	branch, _, err := client.Repositories.GetBranch(ctx, spec.Owner, spec.Repository, spec.Branch)
	if err != nil {
		return Result{}, fmt.Errorf("%w: resolve branch %s: %v", models.ErrActionFailure, spec.Branch, err)
	}
	sha := branch.GetCommit().GetSHA()
	if sha == "" {
		return Result{}, fmt.Errorf("%w: branch %s has no head commit", models.ErrActionFailure, spec.Branch)
	}

	tree, _, err := client.Git.GetTree(ctx, spec.Owner, spec.Repository, sha, true)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read tree %s: %v", models.ErrActionFailure, sha, err)
	}

	files := make(artifacts.Files)
	for _, entry := range tree.Entries {
		// Submodules are commits and symlinks have mode 120000; neither is
		// checked out.
		if entry.GetType() != "blob" || entry.GetMode() == "120000" {
			continue
		}
		data, _, err := client.Git.GetBlobRaw(ctx, spec.Owner, spec.Repository, entry.GetSHA())
		if err != nil {
			return Result{}, fmt.Errorf("%w: read %s: %v", models.ErrActionFailure, entry.GetPath(), err)
		}
		files[entry.GetPath()] = data
	}
	if req.Workspace != "" {
		if err := utils.WriteFiles(req.Workspace, files); err != nil {
			return Result{}, err
		}
	}
	s.Logger.Infof("Checked out %d files at revision %s", len(files), sha)

	return Result{
		Outputs: sameFiles(req.Action.Outputs, files),
		Variables: map[string]string{
			"revision": sha,
			"branch":   spec.Branch,
		},
	}, nil
}
