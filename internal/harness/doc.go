// Package harness runs YAML scenarios against a fresh workspace.
//
// A scenario seeds the core model plus its setup transactions, opens live
// queries, applies its steps one transaction at a time and then checks
// assertions against the store and the live windows. Every applied step and
// every live-query notification is recorded in a trace, which golden tests
// compare byte for byte.
//
// # Scenario Format
//
//	name: live_window
//	description: "What this scenario validates"
//	setup:
//	  - kind: class
//	    object: task:class:Task
//	    extends: core:class:Doc
//	    domain: task
//	subscriptions:
//	  - name: top
//	    class: task:class:Task
//	    sort: [{field: rank, order: desc}]
//	    limit: 2
//	steps:
//	  - tx: {kind: create, class: task:class:Task, space: sp1, object: a, attributes: {rank: 5}}
//	  - tx: {kind: create, class: nope:class:Nope, space: sp1}
//	    expect_error: SCHEMA
//	assertions:
//	  - type: window
//	    subscription: top
//	    ids: [a]
//	    total: 1
//	  - type: find_count
//	    class: task:class:Task
//	    count: 1
//
// Setup entries and step transactions use the fixture format and are
// validated against the same schema.
//
// # Determinism
//
// Object and transaction ids come from a sequential generator and
// timestamps from a logical clock, so running a scenario twice yields
// identical traces.
package harness
