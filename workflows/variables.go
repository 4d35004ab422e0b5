package workflows

import (
	"regexp"
	"strings"

	"github.com/surajsub/temporal-release-pipeline/models"
)

// Placeholders take the form ${slot.key}.
var variableRegex = regexp.MustCompile(`\$\{([a-zA-Z0-9_-]+)\.([a-zA-Z0-9_-]+)\}`)

// replaceVariables substitutes ${slot.key} placeholders. Unknown placeholders
// are left untouched so the shell reports them.
func replaceVariables(input string, vars map[string]string) string {
	if !strings.Contains(input, "${") {
		return input
	}
	return variableRegex.ReplaceAllStringFunc(input, func(placeholder string) string {
		m := variableRegex.FindStringSubmatch(placeholder)
		if value, ok := vars[m[1]+"."+m[2]]; ok {
			return value
		}
		return placeholder
	})
}

// resolveAction returns a copy of a with placeholders in its build commands
// and environment resolved.
func resolveAction(a models.Action, vars map[string]string) models.Action {
	if a.Build == nil {
		return a
	}
	b := *a.Build
	b.PreBuild = resolveAll(b.PreBuild, vars)
	b.Commands = resolveAll(b.Commands, vars)
	if len(b.Env) > 0 {
		env := make(map[string]string, len(b.Env))
		for k, v := range b.Env {
			env[k] = replaceVariables(v, vars)
		}
		b.Env = env
	}
	a.Build = &b
	return a
}

func resolveAll(in []string, vars map[string]string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = replaceVariables(s, vars)
	}
	return out
}

// exportVariables files an action's variables under each of its output slots
// and under the action name, so both ${source.revision} and
// ${checkout.revision} resolve.
func exportVariables(dst map[string]string, a models.Action, vars map[string]string) {
	for k, v := range vars {
		dst[a.Name+"."+k] = v
		for _, slot := range a.Outputs {
			dst[slot+"."+k] = v
		}
	}
}
