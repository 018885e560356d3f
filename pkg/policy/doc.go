// Package policy evaluates order admission policies written in Rego.
//
// Every order passes through Engine.Evaluate before any record is written.
// A policy module contributes violations through a `deny` set rule:
//
//	package broker.admission.gpu
//
//	import rego.v1
//
//	deny contains v if {
//		input.order.attributes.gpus > 4
//		v := {"message": "at most 4 GPUs per order", "severity": "error"}
//	}
//
// Violations of severity error or critical block the order; info and
// warning violations are returned as warnings. Built-in policies cover
// request shape and sanity limits; operators add their own from files, and
// Loader.Watch reloads them when the files change.
//
// The evaluation input is Input: the order under admission (type, resource
// type, routed backend, account, project, attributes, allocation, end date,
// submitter) and a context block with the evaluation time.
package policy
