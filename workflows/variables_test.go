package workflows

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/surajsub/temporal-release-pipeline/models"
)

func TestReplaceVariables(t *testing.T) {
	vars := map[string]string{"source.revision": "abc123", "build.tag": "v1"}

	assert.Equal(t, "TAG=abc123", replaceVariables("TAG=${source.revision}", vars))
	assert.Equal(t, "abc123-v1", replaceVariables("${source.revision}-${build.tag}", vars))
	assert.Equal(t, "${source.branch}", replaceVariables("${source.branch}", vars))
	assert.Equal(t, "$HOME ${HOME}", replaceVariables("$HOME ${HOME}", vars))
}

func TestResolveActionCopies(t *testing.T) {
	action := models.Action{
		Name: "compile",
		Kind: models.ActionBuildCommand,
		Build: &models.BuildSpec{
			PreBuild: []string{"echo ${source.revision}"},
			Commands: []string{"docker build -t app:${source.revision} ."},
			Env:      map[string]string{"TAG": "${source.revision}"},
		},
	}
	vars := map[string]string{"source.revision": "abc123"}

	got := resolveAction(action, vars)

	assert.Equal(t, []string{"echo abc123"}, got.Build.PreBuild)
	assert.Equal(t, []string{"docker build -t app:abc123 ."}, got.Build.Commands)
	assert.Equal(t, "abc123", got.Build.Env["TAG"])
	assert.Equal(t, "docker build -t app:${source.revision} .", action.Build.Commands[0])
	assert.Equal(t, "${source.revision}", action.Build.Env["TAG"])
}

func TestExportVariables(t *testing.T) {
	dst := map[string]string{}
	exportVariables(dst, models.Action{Name: "checkout", Outputs: []string{"source"}}, map[string]string{"revision": "abc123"})

	assert.Equal(t, "abc123", dst["source.revision"])
	assert.Equal(t, "abc123", dst["checkout.revision"])
}
