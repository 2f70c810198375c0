package store

// State is the lifecycle state of a challenge instance. The stopped state is
// never persisted: a stopped instance simply has no row.
type State string

const (
	// StateStopped is the synthetic state reported for challenges without a
	// persisted instance row.
	StateStopped State = "stopped"

	// StateQueuedStart marks an instance whose start script has been queued
	// but has not completed.
	StateQueuedStart State = "queued_start"

	// StateQueuedStop marks an instance whose stop script has been queued.
	StateQueuedStop State = "queued_stop"

	// StateQueuedRestart marks an instance whose restart script has been
	// queued.
	StateQueuedRestart State = "queued_restart"

	// StateRunning marks an instance whose start script completed. Running
	// rows always carry details and a stop time.
	StateRunning State = "running"
)

// IsQueued reports whether s is one of the transient queued states. A queued
// row surviving a restart means the previous process died mid-action.
func (s State) IsQueued() bool {
	switch s {
	case StateQueuedStart, StateQueuedStop, StateQueuedRestart:
		return true
	default:
		return false
	}
}

// IsPersistable reports whether s is legal for a persisted instance row.
func (s State) IsPersistable() bool {
	return s == StateRunning || s.IsQueued()
}

// User is a durable user record. InstanceCount mirrors the number of
// persisted instance rows for the user and is maintained transactionally by
// InsertInstance and DeleteInstance.
type User struct {
	ID            string
	Username      string
	DisplayName   string
	Avatar        string
	CreationTime  int64 // epoch milliseconds
	InstanceCount uint32
}

// Instance is a durable per-user challenge instance. Details and StopTime
// are non-nil iff State == StateRunning.
type Instance struct {
	UserID      string
	ChallengeID string
	State       State
	Details     *string
	StopTime    *int64 // epoch milliseconds
}

// InsertResult is the outcome of InsertInstance.
type InsertResult int

const (
	// Inserted means the row was created and the user's instance count
	// incremented.
	Inserted InsertResult = iota

	// AlreadyExists means an instance row for the (user, challenge) pair was
	// already present; nothing changed.
	AlreadyExists

	// LimitReached means the user is at the concurrency cap (or does not
	// exist); nothing changed.
	LimitReached
)

// String returns the name of the result.
func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "Inserted"
	case AlreadyExists:
		return "AlreadyExists"
	case LimitReached:
		return "LimitReached"
	default:
		return "InsertResult(?)"
	}
}
