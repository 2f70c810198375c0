// Package deploy implements the deployment orchestrator: a bounded pool of
// workers that drain a request queue, drive external deployer scripts,
// mutate the store through race-safe transitions, reap expired instances,
// and broadcast every state change to interested sessions.
package deploy

import (
	"github.com/unitedctf/instancer/internal/store"
)

// Command selects the deployer action for a request.
type Command int

const (
	// CommandStart provisions a new instance.
	CommandStart Command = iota

	// CommandStop tears down a running instance.
	CommandStop

	// CommandRestart restarts a running instance in place.
	CommandRestart

	// CommandCleanup reclaims an instance whose previous action failed or
	// was interrupted by a crash. Cleanup failure is fatal.
	CommandCleanup
)

// String returns the action argument passed to deployer scripts.
func (c Command) String() string {
	switch c {
	case CommandStart:
		return "start"
	case CommandStop:
		return "stop"
	case CommandRestart:
		return "restart"
	case CommandCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// Request asks the worker pool to run one deployer action for one
// (user, challenge) pair. Requests originate from session gateways, from
// TTL expiry, from failure recovery, and from crash recovery.
type Request struct {
	UserID      string
	ChallengeID string
	Command     Command
}

// Severity classifies a user-visible message.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// StateChange reports that an instance entered a new state. Details and
// StopTime are set only when the new state is running.
type StateChange struct {
	State    store.State
	Details  *string
	StopTime *int64 // epoch milliseconds
}

// Message is a user-visible notification tied to a challenge.
type Message struct {
	Contents string
	Severity Severity
}

// Update is one broadcast fan-out unit. Exactly one of StateChange and
// Message is non-nil. Session gateways filter updates by UserID.
type Update struct {
	UserID      string
	ChallengeID string
	StateChange *StateChange
	Message     *Message
}

// stateUpdate builds a StateChange update without details.
func stateUpdate(userID, challengeID string, state store.State) Update {
	return Update{
		UserID:      userID,
		ChallengeID: challengeID,
		StateChange: &StateChange{State: state},
	}
}

// messageUpdate builds a Message update.
func messageUpdate(userID, challengeID, contents string, severity Severity) Update {
	return Update{
		UserID:      userID,
		ChallengeID: challengeID,
		Message:     &Message{Contents: contents, Severity: severity},
	}
}
