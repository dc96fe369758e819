package protocol

// HELLO (host -> guard)
type HelloMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	HostName        string   `json:"host_name"`
	Worlds          []string `json:"worlds,omitempty"`
}

// WELCOME (guard -> host)
type WelcomeMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	SessionID       string     `json:"session_id"`
	Mode            string     `json:"mode"`
	RegionShift     int        `json:"region_shift"`
	HorizonTicks    uint64     `json:"horizon_ticks"`
	TickRateHz      int        `json:"tick_rate_hz,omitempty"`
	Blocks          CatalogRef `json:"blocks"`
}

type CatalogRef struct {
	Digest string `json:"digest"`
	Count  int    `json:"count"`
}

// BlockChangeMsg is BLOCK_FORM, ENTITY_CHANGE_BLOCK or REDSTONE. New is the state
// the host is about to place; Prev the state being replaced.
type BlockChangeMsg struct {
	Type  string `json:"type"`
	World string `json:"world"`
	Pos   [3]int `json:"pos"`
	Tick  uint64 `json:"tick"`
	Prev  uint32 `json:"prev"`
	New   uint32 `json:"new"`
}

// PistonMsg is PISTON_EXTEND or PISTON_RETRACT. Blocks are listed at their
// positions before the move. NewStates are the cells as they look after the move.
type PistonMsg struct {
	Type      string      `json:"type"`
	World     string      `json:"world"`
	Piston    [3]int      `json:"piston"`
	Facing    string      `json:"facing"`
	Blocks    [][3]int    `json:"blocks,omitempty"`
	HasBlocks *bool       `json:"has_blocks,omitempty"`
	Tick      uint64      `json:"tick"`
	NewStates []CellState `json:"new_states,omitempty"`
}

type CellState struct {
	Pos   [3]int `json:"pos"`
	State uint32 `json:"state"`
}

// WorldMsg is WORLD_TICK or WORLD_UNLOAD.
type WorldMsg struct {
	Type  string `json:"type"`
	World string `json:"world"`
	Tick  uint64 `json:"tick,omitempty"`
}

// QueryMsg is STATE_AT, CHANGED_SINCE or STATES_AT.
type QueryMsg struct {
	Type      string   `json:"type"`
	ID        string   `json:"id"`
	World     string   `json:"world"`
	Pos       *[3]int  `json:"pos,omitempty"`
	Positions [][3]int `json:"positions,omitempty"`
	Tick      uint64   `json:"tick"`
}

// ANSWER (guard -> host)
type AnswerMsg struct {
	Type    string        `json:"type"`
	ID      string        `json:"id"`
	State   *uint32       `json:"state,omitempty"`
	Known   *bool         `json:"known,omitempty"`
	Changed *bool         `json:"changed,omitempty"`
	States  []StateAnswer `json:"states,omitempty"`
}

type StateAnswer struct {
	Pos   [3]int `json:"pos"`
	State uint32 `json:"state"`
	Known bool   `json:"known"`
}

// ERROR (guard -> host)
type ErrorMsg struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewError(id, code, msg string) ErrorMsg {
	return ErrorMsg{Type: TypeError, ID: id, Code: code, Message: msg}
}
