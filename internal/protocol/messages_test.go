package protocol

import (
	"encoding/json"
	"testing"

	"github.com/shiv248/adopted/internal/vclock"
	"github.com/shiv248/adopted/pkg/ot"
	"github.com/shiv248/adopted/pkg/textop"
)

func TestRequestWireRoundTrip(t *testing.T) {
	v := vclock.New()
	v.Set(1, 3)
	req := ot.NewDo(v, 1, textop.Insert{Position: 2, Text: "hi"})

	wire, err := ToRequestWire(req)
	if err != nil {
		t.Fatalf("ToRequestWire: %v", err)
	}

	data, err := json.Marshal(wire)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded RequestWire
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	got, err := decoded.Request()
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if got.Kind != ot.KindDo || got.User != 1 {
		t.Fatalf("got kind %v user %d", got.Kind, got.User)
	}
	ins, ok := got.Op.(textop.Insert)
	if !ok || ins.Position != 2 || ins.Text != "hi" {
		t.Fatalf("got op %+v", got.Op)
	}
}

func TestClientEnvelopeUnmarshalDo(t *testing.T) {
	raw := []byte(`{"Do":{"kind":"Do","user":1,"vector":[],"op":{"Insert":{"Position":0,"Text":"x"}}}}`)
	var env ClientEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Do == nil {
		t.Fatalf("expected Do to be set")
	}
	if env.Undo != nil || env.Redo != nil {
		t.Fatalf("only Do should be set")
	}
}

func TestClientEnvelopeUnmarshalUndo(t *testing.T) {
	raw := []byte(`{"Undo":{}}`)
	var env ClientEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Undo == nil {
		t.Fatalf("expected Undo to be set")
	}
	if env.Do != nil {
		t.Fatalf("only Undo should be set")
	}
}

func TestServerEnvelopeMarshalOnlyPopulatedField(t *testing.T) {
	id := ot.PID(42)
	data, err := json.Marshal(NewIdentityMsg(id))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(raw) != 1 {
		t.Fatalf("expected exactly one field, got %v", raw)
	}
	if _, ok := raw["Identity"]; !ok {
		t.Fatalf("expected Identity field, got %v", raw)
	}
}

func TestOpWireUnknownOperation(t *testing.T) {
	type unknownOp struct{ textop.Insert }
	if _, err := ToOpWire(unknownOp{textop.Insert{Position: 0, Text: "x"}}); err == nil {
		t.Fatalf("expected error for unregistered operation type")
	}
}
