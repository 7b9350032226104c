// Package codec turns raw stream frames into typed job events.
//
// Decoding is total: malformed JSON, non-object payloads and frames without a
// recognisable shape decode to nothing and are dropped by the caller. Nothing
// in this package returns an error or panics on bad input.
package codec

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"

	"github.com/jxucoder/aicoder/model"
)

// Decode parses one raw frame. The second return value is false when the
// frame should be dropped.
func Decode(raw string) (model.Event, bool) {
	payload, ok := parseObject(raw)
	if !ok {
		return nil, false
	}
	typ, _ := payload["type"].(string)
	typ = strings.TrimSpace(typ)

	switch strings.ToLower(typ) {
	case "note":
		kind := stringField(payload, "kind")
		if kind == "" {
			kind = "note"
		}
		return model.Note{Kind: kind, Message: stringField(payload, "message")}, true
	case "log", "output", "test":
		return logChunk(payload), true
	case "diff", "patch":
		return diffProposal(raw, payload), true
	case "cost", "usage":
		return costUpdate(payload), true
	}

	// Untyped frames still carry process output in the original wire format.
	if hasString(payload, "stdout") || hasString(payload, "stderr") {
		return logChunk(payload), true
	}
	if typ == "" {
		return nil, false
	}
	return model.Note{Kind: typ, Message: stringField(payload, "message")}, true
}

// DecodeAll decodes a sequence of frames, dropping the ones that do not decode.
func DecodeAll(frames []string) []model.Event {
	events := make([]model.Event, 0, len(frames))
	for _, f := range frames {
		if ev, ok := Decode(f); ok {
			events = append(events, ev)
		}
	}
	return events
}

func parseObject(raw string) (map[string]any, bool) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil || payload == nil {
		return nil, false
	}
	// Trailing garbage after the object makes the frame malformed.
	if dec.More() {
		return nil, false
	}
	return payload, true
}

func logChunk(payload map[string]any) model.LogChunk {
	return model.LogChunk{
		Stdout: stringField(payload, "stdout"),
		Stderr: stringField(payload, "stderr"),
	}
}

func diffProposal(raw string, payload map[string]any) model.DiffProposal {
	d := model.DiffProposal{Before: stringField(payload, "before")}
	if after, ok := payload["after"].(string); ok {
		d.After = after
		return d
	}
	// No text-shaped "after": keep the whole proposal so nothing is lost.
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		d.After = raw
		return d
	}
	d.After = buf.String()
	return d
}

func costUpdate(payload map[string]any) model.CostUpdate {
	var c model.CostUpdate
	if v, ok := intField(payload, "calls"); ok {
		c.Calls = &v
	}
	if v, ok := intField(payload, "tokens"); ok {
		c.Tokens = &v
	}
	return c
}

func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

func hasString(payload map[string]any, key string) bool {
	s, ok := payload[key].(string)
	return ok && s != ""
}

func intField(payload map[string]any, key string) (int64, bool) {
	n, ok := payload[key].(json.Number)
	if !ok {
		return 0, false
	}
	if v, err := n.Int64(); err == nil {
		return v, true
	}
	f, err := n.Float64()
	// 2^63 is exact as a float64; anything at or beyond it does not fit.
	if err != nil || math.IsNaN(f) || f < -(1<<63) || f >= 1<<63 {
		return 0, false
	}
	return int64(f), true
}
