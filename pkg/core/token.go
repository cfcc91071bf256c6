// Package core holds the WardScry domain: tokens, events, statuses and the
// contracts the daemon requires from its collaborators.
package core

import "time"

// Status is the daemon's current belief about a token's state.
// A token holds exactly one status at any time.
type Status string

const (
	// StatusOK means the token exists on disk and nothing has touched it.
	StatusOK Status = "ok"
	// StatusTriggered means something interacted with the token. The daemon
	// never clears this on its own; only the store side (GUI) resets it.
	StatusTriggered Status = "triggered"
	// StatusMissing means an existence check found the path absent.
	StatusMissing Status = "missing"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOK, StatusTriggered, StatusMissing:
		return true
	}
	return false
}

// Sensitivity is the ordered category assigned to a token at creation.
type Sensitivity string

const (
	SensitivityLow      Sensitivity = "low"
	SensitivityMedium   Sensitivity = "medium"
	SensitivityHigh     Sensitivity = "high"
	SensitivityCritical Sensitivity = "critical"
)

// Valid reports whether s is a known sensitivity.
func (s Sensitivity) Valid() bool {
	switch s {
	case SensitivityLow, SensitivityMedium, SensitivityHigh, SensitivityCritical:
		return true
	}
	return false
}

// SeverityScore maps a sensitivity to the numeric severity carried in
// emitted SIEM records. Unknown values score as low.
func (s Sensitivity) SeverityScore() int {
	switch s {
	case SensitivityMedium:
		return 7
	case SensitivityHigh:
		return 12
	case SensitivityCritical:
		return 15
	default:
		return 3
	}
}

// Token is a decoy filesystem object under watch.
//
// Tokens are created and edited externally; the daemon only reads them,
// except for Status, LastSeenAt and LastEventAt, which the daemon is the
// sole writer of.
type Token struct {
	ID          int64
	Name        string
	Path        string
	Template    string
	Sensitivity Sensitivity
	Status      Status
	CreatedAt   time.Time
	LastSeenAt  *time.Time
	LastEventAt *time.Time
}
