// Package roomhub tracks rooms and participants and fans out signaling and
// application data messages between them. It knows nothing about audio
// frames or upstream speech services; it only moves JSON messages and binary
// payloads to the right sinks in the right order.
package roomhub

import (
	"fmt"
	"strings"
	"time"
)

// RoomID identifies a room. Opaque to the hub beyond string equality.
type RoomID string

// ParticipantID identifies a participant. Must carry one of the role
// prefixes below; the prefix is itself the role discriminator.
type ParticipantID string

// DisplayName is the human-readable label shown to other participants.
type DisplayName string

// Role is the participant class, derivable from a ParticipantID's prefix.
type Role string

const (
	RoleClient Role = "client"
	RoleCoach  Role = "coach"
	RoleAI     Role = "ai"
)

const (
	prefixClient = "client-"
	prefixCoach  = "coach-"
	prefixAI     = "ai-"
)

// RoleOf derives the Role from a ParticipantID's prefix. The empty Role
// return indicates an identity that matched none of the recognized prefixes.
func RoleOf(id ParticipantID) Role {
	s := string(id)
	switch {
	case strings.HasPrefix(s, prefixClient):
		return RoleClient
	case strings.HasPrefix(s, prefixCoach):
		return RoleCoach
	case strings.HasPrefix(s, prefixAI):
		return RoleAI
	default:
		return ""
	}
}

// ValidateParticipantID rejects identities without a recognized role prefix
// or with an empty suffix.
func ValidateParticipantID(id ParticipantID) error {
	role := RoleOf(id)
	if role == "" {
		return fmt.Errorf("participant id %q has no recognized role prefix (client-/coach-/ai-)", id)
	}
	var prefix string
	switch role {
	case RoleClient:
		prefix = prefixClient
	case RoleCoach:
		prefix = prefixCoach
	case RoleAI:
		prefix = prefixAI
	}
	if len(string(id)) <= len(prefix) {
		return fmt.Errorf("participant id %q has empty suffix after prefix %q", id, prefix)
	}
	return nil
}

// ParticipantState is the per-participant lifecycle state (§4.1).
type ParticipantState int

const (
	StateJoining ParticipantState = iota
	StateActive
	StateReconnecting
	StateLeaving
	StateGone
)

func (s ParticipantState) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateLeaving:
		return "leaving"
	case StateGone:
		return "gone"
	default:
		return "unknown"
	}
}

// Sink is the back-channel through which the hub delivers messages to a
// participant. Participant Session implements this over a WebSocket; tests
// can substitute a channel-backed fake.
type Sink interface {
	// Deliver enqueues an outbound message. On a full queue the oldest
	// non-critical message is dropped first; a critical message (hub-level
	// system event) is dropped only when the queue holds nothing else.
	Deliver(msg OutboundMessage, critical bool)
	// Close tears down the sink. Safe to call more than once.
	Close()
}

// PeerInfo is the subset of a Participant's identity broadcast to peers.
type PeerInfo struct {
	UserID          ParticipantID `json:"userId"`
	UserName        DisplayName   `json:"userName"`
	UserRole        Role          `json:"userRole"`
	ParticipantType string        `json:"participantType,omitempty"`
}

// Participant is the hub's record of one connected identity.
type Participant struct {
	Identity     ParticipantID
	DisplayName  DisplayName
	Role         Role
	JoinedAt     time.Time
	LastActivity time.Time
	State        ParticipantState
	Sink         Sink
}

func (p *Participant) peerInfo() PeerInfo {
	return PeerInfo{
		UserID:   p.Identity,
		UserName: p.DisplayName,
		UserRole: p.Role,
	}
}
