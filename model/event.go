package model

// EventKind identifies a Job Event variant.
type EventKind string

const (
	KindNote     EventKind = "note"
	KindLogChunk EventKind = "log"
	KindDiff     EventKind = "diff"
	KindCost     EventKind = "cost"
)

// Event is one discrete server-pushed update about a job. The set of
// implementations is closed: Note, LogChunk, DiffProposal and CostUpdate.
type Event interface {
	EventKind() EventKind
	isEvent()
}

// Note is a discrete lifecycle marker such as "planning" or "testing".
type Note struct {
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

// LogChunk is a fragment of process output. Empty fields contribute nothing.
type LogChunk struct {
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

// DiffProposal is a whole-content before/after pair awaiting user disposition.
type DiffProposal struct {
	Before string `json:"before"`
	After  string `json:"after"`
}

// CostUpdate carries cumulative counters. A nil field means unchanged.
type CostUpdate struct {
	Calls  *int64 `json:"calls,omitempty"`
	Tokens *int64 `json:"tokens,omitempty"`
}

func (Note) EventKind() EventKind         { return KindNote }
func (LogChunk) EventKind() EventKind     { return KindLogChunk }
func (DiffProposal) EventKind() EventKind { return KindDiff }
func (CostUpdate) EventKind() EventKind   { return KindCost }

func (Note) isEvent()         {}
func (LogChunk) isEvent()     {}
func (DiffProposal) isEvent() {}
func (CostUpdate) isEvent()   {}

// Int64 returns a pointer to v, for building CostUpdate literals.
func Int64(v int64) *int64 { return &v }
