// Package triage is the business boundary for Warden's event triage
// pipeline. It defines the Service (per-event orchestration, idempotent
// redelivery handling), the Store interface (persistence), and the
// persisted record model. Scoring, severity resolution, priority
// fusion, and remediation live in their own packages and are injected.
package triage
