// Package workflow provides the per-message workflow engine for Herald.
// It defines the Engine (admission, per-record serialization, timeout and
// approval coordination), the collaborator contracts it drives (scorer,
// drafter, approval channel, sink, store, admitter), and the domain models.
package workflow
