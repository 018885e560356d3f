package policy

// BuiltinPolicies returns the admission policies shipped with the broker.
func BuiltinPolicies() []Policy {
	return []Policy{
		orderShapePolicy(),
		endDatePolicy(),
		allocationLimitsPolicy(),
	}
}

// orderShapePolicy rejects malformed account and project identifiers.
func orderShapePolicy() Policy {
	return Policy{
		Name:        "order-shape",
		Description: "Account and project identifiers are well formed and the submitter is known",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package broker.admission.shape

import rego.v1

id_pattern := ` + "`^[A-Za-z0-9][A-Za-z0-9_.-]{0,62}$`" + `

deny contains v if {
	not regex.match(id_pattern, input.order.account_id)
	v := {
		"message": sprintf("account id %q is malformed", [input.order.account_id]),
		"severity": "error",
	}
}

deny contains v if {
	input.order.project_id
	not regex.match(id_pattern, input.order.project_id)
	v := {
		"message": sprintf("project id %q is malformed", [input.order.project_id]),
		"severity": "error",
	}
}

deny contains v if {
	input.order.created_by == ""
	v := {"message": "order has no submitter", "severity": "error"}
}
`,
	}
}

// endDatePolicy rejects end dates in the past and warns about far-future ones.
func endDatePolicy() Policy {
	return Policy{
		Name:        "end-date",
		Description: "End dates lie in the future and within three years",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package broker.admission.enddate

import rego.v1

max_horizon_ns := ((3 * 365) * 86400) * 1000000000

deny contains v if {
	input.order.end_date
	end := time.parse_rfc3339_ns(input.order.end_date)
	end <= input.context.now_ns
	v := {
		"message": sprintf("end date %s is not in the future", [input.order.end_date]),
		"severity": "error",
	}
}

deny contains v if {
	input.order.end_date
	end := time.parse_rfc3339_ns(input.order.end_date)
	end - input.context.now_ns > max_horizon_ns
	v := {
		"message": sprintf("end date %s is more than three years away", [input.order.end_date]),
		"severity": "warning",
	}
}
`,
	}
}

// allocationLimitsPolicy caps what a single order may reserve.
func allocationLimitsPolicy() Policy {
	return Policy{
		Name:        "allocation-limits",
		Description: "Allocations are non-negative and within the per-order maximum",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package broker.admission.allocation

import rego.v1

max_per_order := {
	"instances": 64,
	"cores": 1024,
	"ram_gb": 8192,
	"pods": 2000,
}

deny contains v if {
	some dim, q in input.order.allocation
	q < 0
	v := {
		"message": sprintf("%s allocation must not be negative", [dim]),
		"severity": "error",
	}
}

deny contains v if {
	some dim, q in input.order.allocation
	limit := max_per_order[dim]
	q > limit
	v := {
		"message": sprintf("%s allocation %v exceeds the per-order maximum of %v", [dim, q, limit]),
		"severity": "error",
		"details": {"dimension": dim, "requested": q, "maximum": limit},
	}
}
`,
	}
}
