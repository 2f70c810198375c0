// Package gateway runs the per-user websocket sessions: it sends each new
// session a full challenge listing, relays the user's instance updates from
// the broadcast bus, and turns inbound action frames into deployment
// requests.
package gateway

import (
	"github.com/unitedctf/instancer/internal/deploy"
	"github.com/unitedctf/instancer/internal/store"
)

// Frame type discriminators. Every frame carries a "type" field; the other
// fields depend on it.
const (
	frameChallengeListing     = "challenge_listing"
	frameChallengeStateChange = "challenge_state_change"
	frameMessage              = "message"
	frameHeartbeat            = "heartbeat"
	frameChallengeAction      = "challenge_action"
)

// Inbound challenge_action verbs.
const (
	actionStart   = "start"
	actionStop    = "stop"
	actionRestart = "restart"
	actionExtend  = "extend"
)

// inboundFrame is the superset of everything a client may send.
type inboundFrame struct {
	Type        string `json:"type"`
	ChallengeID string `json:"id,omitempty"`
	Action      string `json:"action,omitempty"`
}

// challengeEntry is one row of the initial listing: the static catalog
// definition merged with the user's instance, if any.
type challengeEntry struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	TTL         uint32      `json:"ttl"`
	State       store.State `json:"state"`
	Details     *string     `json:"details,omitempty"`
	StopTime    *int64      `json:"stop_time,omitempty"`
}

type listingFrame struct {
	Type       string                    `json:"type"`
	Challenges map[string]challengeEntry `json:"challenges"`
}

type stateChangeFrame struct {
	Type        string      `json:"type"`
	ChallengeID string      `json:"id"`
	State       store.State `json:"state"`
	Details     *string     `json:"details,omitempty"`
	StopTime    *int64      `json:"stop_time,omitempty"`
}

type messageFrame struct {
	Type        string          `json:"type"`
	ChallengeID string          `json:"id"`
	Contents    string          `json:"contents"`
	Severity    deploy.Severity `json:"severity"`
}

type heartbeatFrame struct {
	Type string `json:"type"`
}

// updateFrame converts a bus update into its outbound frame.
func updateFrame(u deploy.Update) any {
	if sc := u.StateChange; sc != nil {
		return stateChangeFrame{
			Type:        frameChallengeStateChange,
			ChallengeID: u.ChallengeID,
			State:       sc.State,
			Details:     sc.Details,
			StopTime:    sc.StopTime,
		}
	}
	return messageFrame{
		Type:        frameMessage,
		ChallengeID: u.ChallengeID,
		Contents:    u.Message.Contents,
		Severity:    u.Message.Severity,
	}
}
