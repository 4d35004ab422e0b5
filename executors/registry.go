package executors

import (
	"fmt"

	"github.com/surajsub/temporal-release-pipeline/models"
)

type ExecutorConstructor func(deps Deps) Executor

// Registry to store executor constructors by action kind
var registry = make(map[models.ActionKind]ExecutorConstructor)

// RegisterExecutor registers the executor for an action kind
func RegisterExecutor(kind models.ActionKind, constructor ExecutorConstructor) {
	if _, exists := registry[kind]; exists {
		panic(fmt.Sprintf("Executor %s is already registered", kind))
	}
	registry[kind] = constructor
}

// GetExecutor retrieves an executor from the registry
func GetExecutor(kind models.ActionKind, deps Deps) (Executor, error) {
	constructor, exists := registry[kind]
	if !exists {
		return nil, fmt.Errorf("executor %s not found", kind)
	}
	return constructor(deps), nil
}

// Deploy actions run as a child workflow and have no executor.
func init() {
	RegisterExecutor(models.ActionSourceCheckout, func(deps Deps) Executor {
		return &SourceExecutor{GitHub: deps.GitHub, Logger: deps.Logger}
	})
	RegisterExecutor(models.ActionBuildCommand, func(deps Deps) Executor {
		return &BuildExecutor{Tokens: deps.Tokens, Logger: deps.Logger}
	})
}
