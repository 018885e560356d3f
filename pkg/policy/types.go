package policy

import (
	"time"

	"github.com/openfroyo/broker/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are reported but do not block.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the order.
	SeverityError Severity = "error"

	// SeverityCritical blocks the order.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of s reject the order.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one Rego module with its metadata.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	Description string `json:"description"`

	// Rego contains the policy module source.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that carry none.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the broker.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string                 `json:"policy"`
	Message  string                 `json:"message"`
	Severity Severity               `json:"severity"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// Result is the outcome of evaluating every enabled policy against one order.
type Result struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations are the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings are the non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// Evaluated lists the policies that ran.
	Evaluated []string `json:"evaluated"`

	Duration time.Duration `json:"duration"`
}

// Messages joins the blocking violation messages.
func (r *Result) Messages() []string {
	msgs := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		msgs = append(msgs, v.Policy+": "+v.Message)
	}
	return msgs
}

// Input is the document policies see as `input`.
type Input struct {
	Order   OrderInput `json:"order"`
	Context Context    `json:"context"`
}

// OrderInput describes the order under admission.
type OrderInput struct {
	Type         engine.OrderType       `json:"type"`
	ResourceType string                 `json:"resource_type"`
	Backend      string                 `json:"backend"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	AccountID    string                 `json:"account_id"`
	ProjectID    string                 `json:"project_id,omitempty"`
	Attributes   map[string]interface{} `json:"attributes"`
	Allocation   map[string]float64     `json:"allocation,omitempty"`

	// EndDate is RFC 3339, empty when the resource does not expire.
	EndDate   string `json:"end_date,omitempty"`
	CreatedBy string `json:"created_by"`
}

// Context carries evaluation metadata.
type Context struct {
	// Now is the evaluation time in RFC 3339.
	Now string `json:"now"`

	// NowNS is Now in nanoseconds since the epoch, for time.* builtins.
	NowNS int64 `json:"now_ns"`
}

// NewInput builds the policy input for an order.
func NewInput(order OrderInput, now time.Time) Input {
	return Input{
		Order:   order,
		Context: Context{Now: now.UTC().Format(time.RFC3339), NowNS: now.UnixNano()},
	}
}

// AllocationInput converts an allocation for OrderInput.
func AllocationInput(a engine.Allocation) map[string]float64 {
	if len(a) == 0 {
		return nil
	}
	out := make(map[string]float64, len(a))
	for dim, v := range a {
		out[string(dim)] = v
	}
	return out
}
