// Package orchestrator drives a project through the delivery pipeline.
//
// # Overview
//
// A project moves through sixteen phases in a fixed order. Agent phases
// produce an artifact; gate phases send the artifact under review to a
// voting gate; Development decomposes the architecture into a task graph
// and runs it:
//
//	Ideation → Prioritization → Requirements → [requirements_approval] →
//	Design → Architecture → [architecture_approval] → Development →
//	[code_review] → Simplification → Testing → [test_coverage] →
//	Documentation → [release_readiness] → Deployment → Complete
//
// # Gates
//
// Gates cannot be skipped. A rejected artifact goes back to the gate's
// revision role together with the aggregated reviewer feedback, and the
// revision is evaluated again. When the rework budget is spent the project
// stops in Blocked and waits for a human.
//
// Every evaluation, including each task review during Development,
// produces one GateDecision and one DecisionTrace. A trace the context
// graph cannot store is kept on the project and retried on the next
// advance.
//
// # Concurrency
//
// Advances of one project are serialised. Abort cancels the running
// advance; tasks in flight go back to pending and the project can be
// resumed later.
package orchestrator
