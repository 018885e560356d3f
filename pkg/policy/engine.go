package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// Engine evaluates admission policies. It is safe for concurrent use.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	now      func() time.Time
}

// compiledPolicy is a policy with its deny query prepared.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates an engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		now:      time.Now,
	}

	builtins := BuiltinPolicies()
	for i := range builtins {
		cp, err := compile(context.Background(), &builtins[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}
	e.logger.Debug().Int("count", len(builtins)).Msg("built-in policies loaded")

	return e, nil
}

// Evaluate runs every enabled policy against in. Policies that fail to
// evaluate are logged and reported as warnings; they never admit or deny.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*Result, error) {
	start := e.now()
	e.mu.RLock()
	policies := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			policies = append(policies, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(policies, func(i, j int) bool { return policies[i].policy.Name < policies[j].policy.Name })

	result := &Result{Allowed: true}
	for _, cp := range policies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.Evaluated = append(result.Evaluated, cp.policy.Name)

		violations, err := cp.eval(ctx, in)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", cp.policy.Name).Msg("policy evaluation failed")
			result.Warnings = append(result.Warnings, Violation{
				Policy:   cp.policy.Name,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityWarning,
			})
			continue
		}
		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.Duration = e.now().Sub(start)
	e.logger.Debug().
		Str("account_id", in.Order.AccountID).
		Str("resource_type", in.Order.ResourceType).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("admission policies evaluated")
	return result, nil
}

// Load compiles policies and adds them, replacing policies of the same name.
// Nothing is added when any policy fails to compile.
func (e *Engine) Load(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := compile(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[policies[i].Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range compiled {
		e.policies[name] = cp
	}
	e.logger.Info().Int("count", len(compiled)).Msg("policies loaded")
	return nil
}

// Replace swaps every non-built-in policy for policies. It is the reload
// callback of Loader.Watch.
func (e *Engine) Replace(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := compile(ctx, &policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[policies[i].Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if cp.policy.Builtin {
			if _, shadowed := compiled[name]; !shadowed {
				compiled[name] = cp
			}
		}
	}
	e.policies = compiled
	return nil
}

// LoadPaths loads .rego and .json policies from files and directories.
func (e *Engine) LoadPaths(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	return e.Load(ctx, policies)
}

// Get returns a policy by name.
func (e *Engine) Get(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// List returns all loaded policies sorted by name.
func (e *Engine) List() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
	return policies
}

// SetEnabled enables or disables a policy by name.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	p.Enabled = enabled
	cp.policy = &p
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("policy toggled")
	return nil
}

// compile parses the module and prepares its deny query.
func compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	pkg := strings.TrimPrefix(module.Package.Path.String(), "data.")

	query, err := rego.New(
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
		rego.Module(p.Name, p.Rego),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	if p.LoadedAt.IsZero() {
		p.LoadedAt = time.Now()
	}
	return &compiledPolicy{policy: p, query: query}, nil
}

func (cp *compiledPolicy) eval(ctx context.Context, in Input) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, r := range rs {
		for _, expr := range r.Expressions {
			set, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range set {
				violations = append(violations, cp.violation(d))
			}
		}
	}
	sort.Slice(violations, func(i, j int) bool { return violations[i].Message < violations[j].Message })
	return violations, nil
}

// violation reads a deny entry. Entries are either a message string or an
// object with message, severity and optional details.
func (cp *compiledPolicy) violation(d interface{}) Violation {
	v := Violation{Policy: cp.policy.Name, Severity: cp.policy.Severity}
	switch val := d.(type) {
	case string:
		v.Message = val
	case map[string]interface{}:
		if msg, ok := val["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := val["severity"].(string); ok && sev != "" {
			v.Severity = Severity(sev)
		}
		if details, ok := val["details"].(map[string]interface{}); ok {
			v.Details = details
		}
	default:
		v.Message = fmt.Sprintf("%v", d)
	}
	return v
}
