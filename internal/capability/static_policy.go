package capability

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/arbiter/model"
)

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// defaultRoleGrants is the built-in policy used when no policy file is
// configured. Requesters start and watch their workflows, approvers
// resolve steps, operators apply recovery actions, admins hold everything.
func defaultRoleGrants() map[string][]string {
	return map[string][]string{
		"requester": {CapInstanceStart, CapInstanceRead, CapActionCancel},
		"approver":  {CapInstanceResolve, CapInstanceRead},
		"operator":  {CapInstanceRead, "workflow:action:*"},
		"admin":     {"workflow:*"},
	}
}

// StaticPolicyEvaluator resolves capabilities from a YAML file mapping
// roles to capability strings, or from the built-in grants.
type StaticPolicyEvaluator struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicyEvaluator creates an evaluator. With an empty path the
// built-in role grants are used and Sync is a no-op.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{
		path:   path,
		policy: policyFile{Roles: defaultRoleGrants()},
	}
	if path != "" {
		if err := e.Sync(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// ResolveCapabilities returns the union of capabilities for all roles in
// the request context.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, role := range rctx.Roles {
		for _, cap := range e.policy.Roles[role] {
			caps[cap] = true
		}
	}
	return caps, nil
}

// Sync reloads the policy file from disk.
func (e *StaticPolicyEvaluator) Sync() error {
	if e.path == "" {
		return nil
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}

	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()

	return nil
}
