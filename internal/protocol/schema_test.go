package protocol

import (
	"encoding/json"
	"testing"
)

func TestValidate_Samples(t *testing.T) {
	valid := []string{
		`{"type":"HELLO","protocol_version":"1.0","host_name":"paper-1","worlds":["world"]}`,
		`{"type":"BLOCK_FORM","world":"world","pos":[1,64,-3],"tick":10,"prev":0,"new":7}`,
		`{"type":"REDSTONE","world":"world","pos":[0,0,0],"tick":0,"new":0}`,
		`{"type":"PISTON_EXTEND","world":"world","piston":[0,64,0],"facing":"EAST","blocks":[[2,64,0]],"tick":5,
		  "new_states":[{"pos":[1,64,0],"state":3},{"pos":[3,64,0],"state":2}]}`,
		`{"type":"PISTON_RETRACT","world":"world","piston":[0,64,0],"facing":"UP","has_blocks":false,"tick":6}`,
		`{"type":"WORLD_TICK","world":"world","tick":100}`,
		`{"type":"WORLD_UNLOAD","world":"world_nether"}`,
		`{"type":"STATE_AT","id":"q1","world":"world","pos":[1,2,3],"tick":9}`,
		`{"type":"STATES_AT","id":"q2","world":"world","positions":[[1,2,3],[4,5,6]],"tick":9}`,
	}
	for _, raw := range valid {
		if _, err := Validate([]byte(raw)); err != nil {
			t.Fatalf("expected valid %s: %v", raw, err)
		}
	}

	invalid := []string{
		`{"type":"HELLO","protocol_version":"1.0"}`,
		`{"type":"BLOCK_FORM","world":"world","pos":[1,64],"tick":10,"new":7}`,
		`{"type":"BLOCK_FORM","world":"world","pos":[1,64,0],"tick":-1,"new":7}`,
		`{"type":"PISTON_EXTEND","world":"world","piston":[0,64,0],"facing":"SIDEWAYS","tick":5}`,
		`{"type":"WORLD_TICK","world":"world"}`,
		`{"type":"STATE_AT","id":"q1","world":"world","tick":9}`,
		`{"type":"STATES_AT","id":"q2","world":"world","tick":9}`,
		`{"type":"NOPE"}`,
		`not json`,
	}
	for _, raw := range invalid {
		if _, err := Validate([]byte(raw)); err == nil {
			t.Fatalf("expected invalid: %s", raw)
		}
	}
}

func TestValidate_OutboundMessages(t *testing.T) {
	st := uint32(4)
	known := true
	msgs := []any{
		WelcomeMsg{Type: TypeWelcome, ProtocolVersion: Version, SessionID: "s1", Mode: "region-parallel", HorizonTicks: 400, TickRateHz: 20, Blocks: CatalogRef{Digest: "ab", Count: 3}},
		AnswerMsg{Type: TypeAnswer, ID: "q1", State: &st, Known: &known},
		AnswerMsg{Type: TypeAnswer, ID: "q2", States: []StateAnswer{{Pos: [3]int{1, 2, 3}, State: 0, Known: false}}},
		NewError("q3", ErrWorldNotFound, "no such world"),
	}
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if _, err := Validate(b); err != nil {
			t.Fatalf("validate %s: %v", b, err)
		}
	}
}
