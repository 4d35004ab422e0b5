package policy

import (
	"fmt"
	"sort"

	"github.com/surajsub/temporal-release-pipeline/models"
)

type grantKey struct {
	principal Principal
	resource  string
}

type grant struct {
	effect  Effect
	actions map[string]struct{}
}

// composer accumulates grants keyed by principal and resource. Grants for an
// existing key merge their actions; a differing effect is a conflict.
type composer struct {
	grants map[grantKey]*grant
	err    error
}

func (c *composer) add(p Principal, effect Effect, resource string, actions ...string) {
	if c.err != nil {
		return
	}
	k := grantKey{principal: p, resource: resource}
	g, ok := c.grants[k]
	if !ok {
		g = &grant{effect: effect, actions: make(map[string]struct{})}
		c.grants[k] = g
	} else if g.effect != effect {
		c.err = fmt.Errorf("%w: %s on %s is both %s and %s", ErrPolicyComposeConflict, p, resource, g.effect, effect)
		return
	}
	for _, a := range actions {
		g.actions[a] = struct{}{}
	}
}

// Compose returns the minimal policy set for actions. It runs in two phases:
// first every action declares the grants its own kind needs, then the
// cross references between actions, the artifact key and the host role are
// wired. A nil Key skips every key grant.
func Compose(actions []models.Action, opts Options) ([]Policy, error) {
	if opts.ArtifactStore == "" {
		return nil, fmt.Errorf("%w: artifact store is required", ErrInvalidStatement)
	}
	c := &composer{grants: make(map[grantKey]*grant)}
	store := ArtifactResource(opts.ArtifactStore)

	var writers, readers []Principal
	deploys := false

	// Declare.
	for _, a := range actions {
		p := Principal{Kind: KindAction, Name: actionName(opts.Pipeline, a.Name)}
		switch a.Kind {
		case models.ActionSourceCheckout:
			if a.Source == nil {
				return nil, fmt.Errorf("%w: action %s has no source", models.ErrInvalidDefinition, a.Name)
			}
			c.add(p, Allow, RepositoryResource(a.Source.Owner, a.Source.Repository), "codecommit:GitPull")
			c.add(p, Allow, store, "s3:PutObject")
			writers = append(writers, p)
		case models.ActionBuildCommand:
			c.add(p, Allow, store, "s3:GetObject", "s3:PutObject")
			if a.Build != nil && a.Build.Credential != nil {
				c.add(p, Allow, DomainResource(a.Build.Credential.Domain), "codeartifact:GetAuthorizationToken")
				c.add(p, Allow, "bearer-token", "sts:GetServiceBearerToken")
			}
			writers = append(writers, p)
			readers = append(readers, p)
		case models.ActionDeploy:
			if a.Deploy == nil {
				return nil, fmt.Errorf("%w: action %s has no deploy target", models.ErrInvalidDefinition, a.Name)
			}
			c.add(p, Allow, GroupResource(a.Deploy.Group), "codedeploy:CreateDeployment", "codedeploy:GetDeployment")
			c.add(p, Allow, store, "s3:GetObject")
			readers = append(readers, p)
			deploys = true
		default:
			return nil, fmt.Errorf("%w: action %s has unknown kind %q", models.ErrInvalidDefinition, a.Name, a.Kind)
		}
	}

	// Wire.
	if deploys && opts.HostRole != "" {
		host := Principal{Kind: KindRole, Name: opts.HostRole}
		c.add(host, Allow, store, "s3:GetObject")
		readers = append(readers, host)
	}
	if opts.Key != nil {
		key := KeyResource(opts.Key.ID)
		for _, p := range writers {
			c.add(p, Allow, key, "kms:GenerateDataKey", "kms:DescribeKey")
		}
		for _, p := range readers {
			c.add(p, Allow, key, "kms:Decrypt", "kms:DescribeKey")
		}
	}
	for _, st := range opts.Extra {
		if err := validate(st); err != nil {
			return nil, err
		}
		if len(st.Principals) == 0 {
			return nil, fmt.Errorf("%w: extra statement has no principal", ErrInvalidStatement)
		}
		for _, p := range st.Principals {
			for _, r := range st.Resources {
				c.add(p, st.Effect, r, st.Actions...)
			}
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.policies(), nil
}

func (c *composer) policies() []Policy {
	byPrincipal := make(map[Principal][]Statement)
	for k, g := range c.grants {
		byPrincipal[k.principal] = append(byPrincipal[k.principal], Statement{
			Effect:    g.effect,
			Actions:   sortedKeys(g.actions),
			Resources: []string{k.resource},
		})
	}

	out := make([]Policy, 0, len(byPrincipal))
	for p, statements := range byPrincipal {
		sort.Slice(statements, func(i, j int) bool {
			return statements[i].Resources[0] < statements[j].Resources[0]
		})
		out = append(out, Policy{Principal: p, Statements: statements})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Principal.Kind != out[j].Principal.Kind {
			return out[i].Principal.Kind < out[j].Principal.Kind
		}
		return out[i].Principal.Name < out[j].Principal.Name
	})
	return out
}

func actionName(pipeline, action string) string {
	if pipeline == "" {
		return action
	}
	return pipeline + "/" + action
}
