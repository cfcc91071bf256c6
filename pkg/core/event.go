package core

import "time"

// EventKind is the closed set of semantic event kinds. Keeping this closed
// lets the state machine's transition table stay exhaustive.
type EventKind string

const (
	EventModified EventKind = "modified"
	EventAccessed EventKind = "accessed"
	EventDeleted  EventKind = "deleted"
	EventRenamed  EventKind = "renamed"
	EventMissing  EventKind = "missing"
	EventRestored EventKind = "restored"
)

// Triggers reports whether an event of this kind moves a token to triggered.
func (k EventKind) Triggers() bool {
	switch k {
	case EventModified, EventAccessed, EventDeleted, EventRenamed:
		return true
	}
	return false
}

// Urgent reports whether the kind must bypass debouncing. Deletion is
// higher-priority information that must not be delayed or absorbed into
// a pending burst.
func (k EventKind) Urgent() bool {
	return k == EventDeleted
}

// Event is an immutable record of something observed about a token.
// Events are append-only; the daemon never mutates or deletes them.
type Event struct {
	ID         string
	TokenID    int64
	Kind       EventKind
	OccurredAt time.Time
	// RawCount is the number of raw filesystem notifications folded into
	// this single semantic event.
	RawCount int
	Details  string
}

// RawKind classifies a raw filesystem notification before noise control.
type RawKind string

const (
	RawCreate RawKind = "create"
	RawModify RawKind = "modify"
	RawDelete RawKind = "delete"
	RawRename RawKind = "rename"
	RawAttrib RawKind = "attrib"
)

// Semantic maps a raw notification kind to the semantic event kind it
// contributes to. Creation folds into modified: a token being rewritten via
// an atomic save shows up as rename/create churn, and re-creation of a
// tracked path is a touch either way.
func (k RawKind) Semantic() EventKind {
	switch k {
	case RawDelete:
		return EventDeleted
	case RawRename:
		return EventRenamed
	case RawAttrib:
		return EventAccessed
	default:
		return EventModified
	}
}

// RawNotification is a single untreated filesystem notification tagged with
// the path it concerns. Produced by the watcher, consumed once.
type RawNotification struct {
	Path string
	Kind RawKind
	At   time.Time
}
