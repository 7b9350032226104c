// Package reducer folds job events into a JobState.
//
// Reduce is pure and total: it performs no I/O, keeps no hidden state, and
// never mutates the slices of the state it is given. Status is not touched;
// lifecycle transitions belong to the controller.
package reducer

import "github.com/jxucoder/aicoder/model"

// Reduce applies one event to state and returns the next state.
func Reduce(state model.JobState, ev model.Event) model.JobState {
	switch e := ev.(type) {
	case model.Note:
		state.Timeline = appendNote(state.Timeline, e)
	case *model.Note:
		if e == nil {
			return state
		}
		state.Timeline = appendNote(state.Timeline, *e)
	case model.LogChunk:
		state.Console = appendChunk(state.Console, e)
	case *model.LogChunk:
		if e == nil {
			return state
		}
		state.Console = appendChunk(state.Console, *e)
	case model.DiffProposal:
		d := e
		state.PendingDiff = &d
	case *model.DiffProposal:
		if e == nil {
			return state
		}
		d := *e
		state.PendingDiff = &d
	case model.CostUpdate:
		state.Cost = applyCost(state.Cost, e)
	case *model.CostUpdate:
		if e == nil {
			return state
		}
		state.Cost = applyCost(state.Cost, *e)
	default:
		return state
	}
	state.Applied++
	return state
}

// Fold applies events left to right, one at a time.
func Fold(state model.JobState, events ...model.Event) model.JobState {
	for _, ev := range events {
		state = Reduce(state, ev)
	}
	return state
}

// The three-index slice forces append to copy, so a state handed out earlier
// never sees later writes through a shared backing array.
func appendNote(timeline []model.Note, n model.Note) []model.Note {
	return append(timeline[:len(timeline):len(timeline)], n)
}

func appendChunk(console []string, c model.LogChunk) []string {
	console = console[:len(console):len(console)]
	if c.Stdout != "" {
		console = append(console, c.Stdout)
	}
	if c.Stderr != "" {
		console = append(console, c.Stderr)
	}
	return console
}

// Counters are running totals: overwrite, never add.
func applyCost(cost model.Cost, u model.CostUpdate) model.Cost {
	if u.Calls != nil {
		cost.Calls = *u.Calls
	}
	if u.Tokens != nil {
		cost.Tokens = *u.Tokens
	}
	return cost
}
