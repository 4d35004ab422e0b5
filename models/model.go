package models

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

type ActionKind string

const (
	ActionSourceCheckout ActionKind = "source-checkout"
	ActionBuildCommand   ActionKind = "build-command"
	ActionDeploy         ActionKind = "deploy"
)

// PipelineDefinition is the submitted description of a pipeline. Stages are
// ordered by Ordinal, not by their position in the list.
type PipelineDefinition struct {
	Name        string            `yaml:"name" json:"name"`
	Stages      []Stage           `yaml:"stages" json:"stages"`
	Groups      []DeploymentGroup `yaml:"deployment_groups,omitempty" json:"deployment_groups,omitempty"`
	ArtifactKey *EncryptionKey    `yaml:"artifact_key,omitempty" json:"artifact_key,omitempty"`
	HostRole    string            `yaml:"host_role,omitempty" json:"host_role,omitempty"`
	Grants      []Grant           `yaml:"grants,omitempty" json:"grants,omitempty"`
}

type Stage struct {
	Name    string   `yaml:"name" json:"name"`
	Ordinal int      `yaml:"ordinal" json:"ordinal"`
	Actions []Action `yaml:"actions" json:"actions"`
}

type Action struct {
	Name    string      `yaml:"name" json:"name"`
	Kind    ActionKind  `yaml:"kind" json:"kind"`
	Inputs  []string    `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs []string    `yaml:"outputs,omitempty" json:"outputs,omitempty"`
	Source  *SourceSpec `yaml:"source,omitempty" json:"source,omitempty"`
	Build   *BuildSpec  `yaml:"build,omitempty" json:"build,omitempty"`
	Deploy  *DeploySpec `yaml:"deploy,omitempty" json:"deploy,omitempty"`
}

type SourceSpec struct {
	Owner      string `yaml:"owner" json:"owner"`
	Repository string `yaml:"repository" json:"repository"`
	Branch     string `yaml:"branch" json:"branch"`
}

// BuildSpec splits build commands into a pre-build phase (environment setup,
// credential) and the main phase. Both run sequentially in one workspace.
type BuildSpec struct {
	PreBuild      []string          `yaml:"pre_build,omitempty" json:"pre_build,omitempty"`
	Commands      []string          `yaml:"commands" json:"commands"`
	ArtifactFiles []string          `yaml:"artifact_files,omitempty" json:"artifact_files,omitempty"`
	BaseDirectory string            `yaml:"base_directory,omitempty" json:"base_directory,omitempty"`
	Env           map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Credential    *CredentialSpec   `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// CredentialSpec asks for a transient token during pre-build, exported to the
// build commands as EnvVar.
type CredentialSpec struct {
	Domain string `yaml:"domain" json:"domain"`
	EnvVar string `yaml:"env_var" json:"env_var"`
}

type DeploySpec struct {
	Group  string   `yaml:"group" json:"group"`
	Layout []string `yaml:"layout,omitempty" json:"layout,omitempty"`
}

type EncryptionKey struct {
	ID string `yaml:"id" json:"id"`
}

// Grant is an explicit statement added to the composed policy set.
type Grant struct {
	Effect    string   `yaml:"effect" json:"effect"`
	Principal string   `yaml:"principal" json:"principal"`
	Actions   []string `yaml:"actions" json:"actions"`
	Resources []string `yaml:"resources" json:"resources"`
}

// DefaultLayout is the artifact layout a Deploy stage consumes when the
// action does not name its own.
var DefaultLayout = []string{"scripts/*", "appspec.yml", "src/**/*"}

func (d *PipelineDefinition) Group(name string) (DeploymentGroup, bool) {
	for _, g := range d.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return DeploymentGroup{}, false
}

// Actions returns every action of the pipeline in stage declaration order.
func (d *PipelineDefinition) Actions() []Action {
	var out []Action
	for _, s := range d.Stages {
		out = append(out, s.Actions...)
	}
	return out
}

// ParseDefinition decodes a pipeline definition submitted as JSON or YAML.
func ParseDefinition(data []byte, contentType string) (PipelineDefinition, error) {
	var def PipelineDefinition
	var err error
	switch contentType {
	case "application/json":
		err = json.Unmarshal(data, &def)
	case "application/x-yaml", "text/yaml", "application/yaml", "":
		err = yaml.Unmarshal(data, &def)
	default:
		return def, fmt.Errorf("%w: unsupported content type %q", ErrInvalidDefinition, contentType)
	}
	if err != nil {
		return def, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if def.Name == "" {
		return def, fmt.Errorf("%w: pipeline name is required", ErrInvalidDefinition)
	}
	return def, nil
}
