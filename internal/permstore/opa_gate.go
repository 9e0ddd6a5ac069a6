// Adapted from the teacher's internal/policy/opa/opa_engine.go: an OPA/Rego
// evaluator, repointed at gating RegisterInstance's requested capability map
// instead of aura's generic policy.Evaluator interface. Enabled by
// config's enablePermissionsHandler per spec.md §6.
package permstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/edgefleet/iamfleet/internal/iampb"
)

// OPAGate evaluates a Rego module's `data.iamfleet.allow` rule over the
// requested instance + capability map before RegisterInstance commits.
type OPAGate struct {
	query rego.PreparedEvalQuery
}

// NewOPAGate compiles module (expected to define package iamfleet and rule
// allow) once at construction.
func NewOPAGate(ctx context.Context, module string) (*OPAGate, error) {
	r := rego.New(
		rego.Module("permissions.rego", module),
		rego.Query("data.iamfleet.allow"),
	)
	pq, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile permissions policy: %w", err)
	}
	return &OPAGate{query: pq}, nil
}

func (g *OPAGate) Allow(ctx context.Context, instance iampb.InstanceIdentity, permissions map[string]map[string]string) (bool, string, error) {
	input := map[string]any{
		"instance":    instance,
		"permissions": permissions,
	}
	b, _ := json.Marshal(input)
	var decoded any
	_ = json.Unmarshal(b, &decoded)

	res, err := g.query.Eval(ctx, rego.EvalInput(decoded))
	if err != nil {
		return false, "", err
	}
	allow := false
	if len(res) > 0 && len(res[0].Expressions) > 0 {
		if b, ok := res[0].Expressions[0].Value.(bool); ok {
			allow = b
		}
	}
	reason := "opa: allow"
	if !allow {
		reason = "opa: deny"
	}
	return allow, reason, nil
}
