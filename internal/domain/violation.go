package domain

import "time"

// ViolationKind enumerates integrity events and audit markers.
type ViolationKind string

const (
	ViolationTabSwitch        ViolationKind = "tab-switch"
	ViolationFocusLoss        ViolationKind = "focus-loss"
	ViolationBlockedShortcut  ViolationKind = "blocked-shortcut"
	ViolationRightClick       ViolationKind = "right-click"
	ViolationCopyPaste        ViolationKind = "copy-paste"
	ViolationFullscreenExit   ViolationKind = "fullscreen-exit"
	ViolationFullscreenDenied ViolationKind = "fullscreen-denied"
	ViolationLongAbsence      ViolationKind = "long-absence"

	// Audit markers. Logged, never counted.
	ViolationSessionStart   ViolationKind = "session-start"
	ViolationManualEnd      ViolationKind = "manual-end"
	ViolationTimeUp         ViolationKind = "time-up"
	ViolationAutoEject      ViolationKind = "auto-eject"
	ViolationSubmission     ViolationKind = "submission"
	ViolationSubmissionFail ViolationKind = "submission-error"
)

var violationKinds = map[ViolationKind]bool{
	ViolationTabSwitch:        true,
	ViolationFocusLoss:        true,
	ViolationBlockedShortcut:  true,
	ViolationRightClick:       true,
	ViolationCopyPaste:        true,
	ViolationFullscreenExit:   true,
	ViolationFullscreenDenied: true,
	ViolationLongAbsence:      true,
	ViolationSessionStart:     false,
	ViolationManualEnd:        false,
	ViolationTimeUp:           false,
	ViolationAutoEject:        false,
	ViolationSubmission:       false,
	ViolationSubmissionFail:   false,
}

// ParseViolationKind recognizes any known kind, audit markers included.
func ParseViolationKind(s string) (ViolationKind, bool) {
	k := ViolationKind(s)
	_, ok := violationKinds[k]
	return k, ok
}

// ParseReportedViolationKind validates a kind a client may report. Audit
// markers are engine-owned and rejected.
func ParseReportedViolationKind(s string) (ViolationKind, bool) {
	k, ok := ParseViolationKind(s)
	return k, ok && k.IsPenalty()
}

// IsPenalty reports whether the kind counts toward the ejection threshold.
func (k ViolationKind) IsPenalty() bool {
	return violationKinds[k]
}

// Violation is one append-only integrity log entry owned by a session.
type Violation struct {
	ID            int64         `json:"id"`
	SessionID     string        `json:"session_id"`
	ParticipantID string        `json:"participant_id"`
	Round         int           `json:"round"`
	Kind          ViolationKind `json:"kind"`
	Description   string        `json:"description"`
	Counted       bool          `json:"counted"`
	OccurredAt    time.Time     `json:"occurred_at"`
	TimeInRound   int64         `json:"time_in_round_seconds"`
	IPAddress     string        `json:"ip_address,omitempty"`
	UserAgent     string        `json:"user_agent,omitempty"`
}
