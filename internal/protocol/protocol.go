package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeAnswer  = "ANSWER"
	TypeError   = "ERROR"

	// Notifications (host -> guard).
	TypeBlockForm         = "BLOCK_FORM"
	TypeEntityChangeBlock = "ENTITY_CHANGE_BLOCK"
	TypeRedstone          = "REDSTONE"
	TypePistonExtend      = "PISTON_EXTEND"
	TypePistonRetract     = "PISTON_RETRACT"
	TypeWorldTick         = "WORLD_TICK"
	TypeWorldUnload       = "WORLD_UNLOAD"

	// Queries (host -> guard, answered with ANSWER or ERROR).
	TypeStateAt      = "STATE_AT"
	TypeChangedSince = "CHANGED_SINCE"
	TypeStatesAt     = "STATES_AT"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

func IsQuery(t string) bool {
	return t == TypeStateAt || t == TypeChangedSince || t == TypeStatesAt
}
