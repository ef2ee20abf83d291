package roomhub

import "encoding/json"

// Message type discriminators (§6.1). Unknown types are forwarded opaquely
// when a toId is present, else dropped — the hub never reflects on payload
// shape beyond this one field.
const (
	TypeJoin          = "join"
	TypePeerDiscovery = "peer-discovery"
	TypeUserJoined    = "user-joined"
	TypeUserLeft      = "user-left"
	TypeOffer         = "offer"
	TypeAnswer        = "answer"
	TypeICECandidate  = "ice-candidate"
	TypeCoachWhisper  = "coach_whisper"
	TypePauseAI       = "pause_ai"
	TypeTranscript    = "transcript"
	TypeAgentState    = "agent_state"
	TypePing          = "ping"
	TypePong          = "pong"
)

// InboundMessage is the envelope a participant session decodes a raw JSON
// frame into before dispatch. Payload is left raw so the router can assert
// it into the concrete shape only the relevant handler needs.
type InboundMessage struct {
	Type    string          `json:"type"`
	ToID    ParticipantID   `json:"toId,omitempty"`
	Payload json.RawMessage `json:"-"`
	Raw     json.RawMessage `json:"-"`
}

// OutboundMessage is what the hub hands to a Sink. Type is duplicated at the
// top level (mirrored into the marshaled JSON's "type" field) so a Sink can
// make delivery-order decisions without unmarshaling the body.
type OutboundMessage struct {
	Type string
	Body any
}

// MarshalJSON stamps Body's fields alongside a top-level "type" so wire
// consumers only ever need one discriminator field.
func (m OutboundMessage) MarshalJSON() ([]byte, error) {
	bodyJSON, err := json.Marshal(m.Body)
	if err != nil {
		return nil, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(bodyJSON, &merged); err != nil {
		// Body wasn't an object (e.g. a bare struct with no fields); fall
		// back to a minimal envelope.
		merged = map[string]json.RawMessage{}
	}
	merged["type"] = json.RawMessage(`"` + m.Type + `"`)
	return json.Marshal(merged)
}

// --- Inbound payload shapes (client -> hub) ---

type JoinPayload struct {
	RoomID          RoomID        `json:"roomId"`
	UserID          ParticipantID `json:"userId"`
	UserName        DisplayName   `json:"userName"`
	UserRole        Role          `json:"userRole"`
	ParticipantType string        `json:"participantType,omitempty"`
}

type CoachWhisperPayload struct {
	Text string `json:"text"`
}

type PauseAIPayload struct {
	Paused bool `json:"paused"`
}

// SignalingPayload covers offer/answer/ice-candidate: opaque to the hub
// beyond the toId routing field already lifted into InboundMessage.
type SignalingPayload = json.RawMessage

// --- Outbound payload shapes (hub -> client) ---

type PeerDiscoveryBody struct {
	Peers  []PeerInfo `json:"peers"`
	RoomID RoomID     `json:"roomId"`
}

type UserJoinedBody struct {
	UserID          ParticipantID `json:"userId"`
	UserName        DisplayName   `json:"userName"`
	UserRole        Role          `json:"userRole"`
	ParticipantType string        `json:"participantType,omitempty"`
	ShouldInitiate  bool          `json:"shouldInitiate"`
}

type UserLeftBody struct {
	UserID ParticipantID `json:"userId"`
}

type TranscriptBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Final   bool   `json:"final"`
	Source  string `json:"source"`
	Ts      int64  `json:"ts"`
}

type AgentStateBody struct {
	State string `json:"state"`
}

// Agent state values (§6.1 agent_state.state).
const (
	AgentStateSpeaking = "speaking"
	AgentStateReady    = "ready"
	AgentStateSpawning = "spawning"
	AgentStateFailed   = "failed"
	AgentStateOffline  = "offline"
)

type emptyBody struct{}

// PingBody / PongBody carry no fields; liveness is conveyed by the type alone.
var (
	PingBody = emptyBody{}
	PongBody = emptyBody{}
)
