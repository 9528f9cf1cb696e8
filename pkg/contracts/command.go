// Package contracts defines the immutable data contracts shared across the
// guarded execution pipeline: candidate commands, sanitization findings,
// classification results, approval plans, and audit events.
//
// Everything here is JSON-tagged and serialized canonically (RFC 8785) before
// hashing, so field additions are backward compatible but field renames are
// breaking changes to the audit chain.
package contracts

import (
	"fmt"
	"strings"
	"time"
)

// Verb is the structured operation verb of a candidate command.
// kubectl verbs are treated as opaque identifiers; the pipeline only
// interprets them through the classifier's tier table.
type Verb string

// Known verbs. The set is open: unknown verbs classify as DANGEROUS
// (fail-closed) rather than being rejected at the contract level.
const (
	VerbGet      Verb = "get"
	VerbList     Verb = "list"
	VerbDescribe Verb = "describe"
	VerbLogs     Verb = "logs"
	VerbTop      Verb = "top"
	VerbCreate   Verb = "create"
	VerbApply    Verb = "apply"
	VerbPatch    Verb = "patch"
	VerbScale    Verb = "scale"
	VerbLabel    Verb = "label"
	VerbAnnotate Verb = "annotate"
	VerbExpose   Verb = "expose"
	VerbRollout  Verb = "rollout"
	VerbCordon   Verb = "cordon"
	VerbUncordon Verb = "uncordon"
	VerbDrain    Verb = "drain"
	VerbDelete   Verb = "delete"
)

// Operation is the structured form of a cluster-mutating (or reading)
// command produced by the translation collaborator. Flags are opaque
// key/value pairs; the sanitizer validates their shape, the classifier
// interprets a handful of known ones (--all, --force, --cascade).
type Operation struct {
	Verb      Verb              `json:"verb"`
	Resource  string            `json:"resource"`
	Namespace string            `json:"namespace,omitempty"`
	Name      string            `json:"name,omitempty"`
	Selector  string            `json:"selector,omitempty"`
	Flags     map[string]string `json:"flags,omitempty"`
}

// Describe returns a human-readable rendering of the operation, used in
// approval prompts and audit rationales.
func (op Operation) Describe() string {
	var b strings.Builder
	b.WriteString(string(op.Verb))
	b.WriteByte(' ')
	b.WriteString(op.Resource)
	if op.Name != "" {
		b.WriteByte(' ')
		b.WriteString(op.Name)
	}
	if op.Selector != "" {
		b.WriteString(" -l ")
		b.WriteString(op.Selector)
	}
	if op.Namespace != "" {
		b.WriteString(" -n ")
		b.WriteString(op.Namespace)
	}
	return b.String()
}

// IsReadOnly reports whether the verb never mutates cluster state.
func (op Operation) IsReadOnly() bool {
	switch op.Verb {
	case VerbGet, VerbList, VerbDescribe, VerbLogs, VerbTop:
		return true
	}
	return false
}

// Validate checks structural completeness. It does NOT make any trust
// decision; that is the sanitizer's and classifier's job.
func (op Operation) Validate() error {
	if op.Verb == "" {
		return fmt.Errorf("operation: %w", ErrMissingField("verb"))
	}
	if op.Resource == "" && op.Verb != VerbDrain && op.Verb != VerbCordon && op.Verb != VerbUncordon {
		return fmt.Errorf("operation: %w", ErrMissingField("resource"))
	}
	return nil
}

// CandidateCommand is the unit of work entering the pipeline. It is produced
// by the external translation collaborator and never modified afterward; the
// sanitizer emits a separate CleanedCommand.
type CandidateCommand struct {
	ID        string    `json:"id"`
	RawText   string    `json:"raw_text"`
	Operation Operation `json:"operation"`
	SessionID string    `json:"session_id"`
	ActorID   string    `json:"actor_id"`
	ClusterID string    `json:"cluster_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks that the command carries everything the pipeline needs.
func (c *CandidateCommand) Validate() error {
	if c.SessionID == "" {
		return fmt.Errorf("candidate command: %w", ErrMissingField("session_id"))
	}
	if c.ActorID == "" {
		return fmt.Errorf("candidate command: %w", ErrMissingField("actor_id"))
	}
	return c.Operation.Validate()
}

// CleanedCommand is the sanitizer's output for a non-rejected request:
// the original candidate plus the normalized text the detectors agreed on.
// Findings that did not block travel alongside it as classifier amplifiers.
type CleanedCommand struct {
	Candidate      CandidateCommand `json:"candidate"`
	NormalizedText string           `json:"normalized_text"`
	SanitizedAt    time.Time        `json:"sanitized_at"`
}
