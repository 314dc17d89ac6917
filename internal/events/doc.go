// Package events publishes pipeline events (phase changes, gate decisions,
// task transitions, recorded traces) to NATS so dashboards and other
// processes can follow a run.
//
// Subjects are <prefix>.<project_id>.<type>, for example
// conclave.checkout-1.gate.decided. Payloads are JSON-encoded Events.
package events
