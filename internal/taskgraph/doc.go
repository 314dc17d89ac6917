// Package taskgraph holds the dependency graph of implementation tasks and
// the executor that works through it.
//
// A task moves pending -> ready once every dependency is done, then
// ready -> in_progress when a worker picks it up. A reviewed artifact
// either finishes the task or costs one attempt:
//
//	pending -> ready -> in_progress -> done
//	                        |
//	                        +-> failed -> ready        (attempts left)
//	                                   -> escalated    (budget spent)
//
// done and escalated are terminal. Aborting sends in_progress tasks back
// to pending without charging an attempt.
package taskgraph
