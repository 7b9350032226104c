package codec

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/jxucoder/aicoder/model"
)

func TestDecodeMalformedFrames(t *testing.T) {
	frames := []string{
		"{not json",
		"",
		"null",
		"[1,2,3]",
		`"just a string"`,
		"42",
		`{"message":"no type"}`,
		`{"type":"plan"} trailing`,
	}
	for _, f := range frames {
		ev, ok := Decode(f)
		if ok || ev != nil {
			t.Fatalf("expected %q to be dropped, got %#v", f, ev)
		}
	}
}

func TestDecodeNote(t *testing.T) {
	ev, ok := Decode(`{"type":"note","kind":"planning","message":"thinking"}`)
	if !ok {
		t.Fatal("expected note to decode")
	}
	note, isNote := ev.(model.Note)
	if !isNote {
		t.Fatalf("expected model.Note, got %T", ev)
	}
	if note.Kind != "planning" || note.Message != "thinking" {
		t.Fatalf("unexpected note: %+v", note)
	}
}

func TestDecodeLifecycleMarkerAsNote(t *testing.T) {
	ev, ok := Decode(`{"type":"iter","message":"--- Iteration 1/3 ---"}`)
	if !ok {
		t.Fatal("expected marker to decode")
	}
	note := ev.(model.Note)
	if note.Kind != "iter" || note.Message != "--- Iteration 1/3 ---" {
		t.Fatalf("unexpected note: %+v", note)
	}

	ev, ok = Decode(`{"type":"done"}`)
	if !ok {
		t.Fatal("expected empty-message marker to decode")
	}
	if ev.(model.Note).Message != "" {
		t.Fatalf("expected empty message, got %+v", ev)
	}
}

func TestDecodeLogChunk(t *testing.T) {
	ev, ok := Decode(`{"type":"log","stdout":"a","stderr":"b"}`)
	if !ok {
		t.Fatal("expected log chunk to decode")
	}
	chunk := ev.(model.LogChunk)
	if chunk.Stdout != "a" || chunk.Stderr != "b" {
		t.Fatalf("unexpected chunk: %+v", chunk)
	}
}

func TestDecodeUntypedOutput(t *testing.T) {
	ev, ok := Decode(`{"stderr":"boom"}`)
	if !ok {
		t.Fatal("expected untyped stderr to decode")
	}
	if ev.(model.LogChunk).Stderr != "boom" {
		t.Fatalf("unexpected chunk: %+v", ev)
	}
}

func TestDecodeLogChunkIgnoresNonStringFields(t *testing.T) {
	ev, ok := Decode(`{"type":"log","stdout":12,"stderr":null}`)
	if !ok {
		t.Fatal("expected log chunk to decode")
	}
	chunk := ev.(model.LogChunk)
	if chunk.Stdout != "" || chunk.Stderr != "" {
		t.Fatalf("expected empty chunk, got %+v", chunk)
	}
}

func TestDecodeDiffProposal(t *testing.T) {
	ev, ok := Decode(`{"type":"diff","before":"x","after":"y"}`)
	if !ok {
		t.Fatal("expected diff to decode")
	}
	d := ev.(model.DiffProposal)
	if d.Before != "x" || d.After != "y" {
		t.Fatalf("unexpected diff: %+v", d)
	}
}

func TestDecodeDiffProposalFallsBackToPayload(t *testing.T) {
	raw := `{"type":"patch", "before": 5, "diff":"--- a\n+++ b"}`
	ev, ok := Decode(raw)
	if !ok {
		t.Fatal("expected patch to decode")
	}
	d := ev.(model.DiffProposal)
	if d.Before != "" {
		t.Fatalf("expected non-string before to coerce to empty, got %q", d.Before)
	}
	var back map[string]any
	if err := json.Unmarshal([]byte(d.After), &back); err != nil {
		t.Fatalf("expected after to hold the serialized payload, got %q", d.After)
	}
	if back["diff"] != "--- a\n+++ b" {
		t.Fatalf("payload lost the diff field: %v", back)
	}
	if strings.Contains(d.After, ", ") {
		t.Fatalf("expected compacted payload, got %q", d.After)
	}
}

func TestDecodeCostUpdate(t *testing.T) {
	ev, ok := Decode(`{"type":"cost","calls":1,"tokens":50}`)
	if !ok {
		t.Fatal("expected cost to decode")
	}
	c := ev.(model.CostUpdate)
	if c.Calls == nil || *c.Calls != 1 || c.Tokens == nil || *c.Tokens != 50 {
		t.Fatalf("unexpected cost: %+v", c)
	}
}

func TestDecodeCostUpdateAbsentFields(t *testing.T) {
	ev, ok := Decode(`{"type":"cost","tokens":"lots"}`)
	if !ok {
		t.Fatal("expected cost to decode")
	}
	c := ev.(model.CostUpdate)
	if c.Calls != nil || c.Tokens != nil {
		t.Fatalf("expected both fields absent, got %+v", c)
	}
}

func TestDecodeCostOutOfRangeIsAbsent(t *testing.T) {
	ev, ok := Decode(`{"type":"usage","calls":1e20,"tokens":-9.3e18}`)
	if !ok {
		t.Fatal("expected cost to decode")
	}
	c := ev.(model.CostUpdate)
	if c.Calls != nil || c.Tokens != nil {
		t.Fatalf("expected out-of-range fields absent, got %+v", c)
	}

	ev, _ = Decode(`{"type":"cost","calls":2.0,"tokens":1.5e3}`)
	c = ev.(model.CostUpdate)
	if c.Calls == nil || *c.Calls != 2 || c.Tokens == nil || *c.Tokens != 1500 {
		t.Fatalf("in-range floats should convert, got %+v", c)
	}
}

func TestDecodeAllDropsBadFrames(t *testing.T) {
	events := DecodeAll([]string{
		`{"type":"note","kind":"planning"}`,
		"{not json",
		`{"type":"log","stdout":"a"}`,
	})
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}
