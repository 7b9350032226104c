// Package render prints job state to a terminal.
//
// A Printer is fed successive JobState snapshots and writes only what changed
// since the previous one, so it can follow a live job. Printer.Render
// produces a complete static view for finished or replayed jobs.
package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jxucoder/aicoder/eventbus"
	"github.com/jxucoder/aicoder/model"
)

type styles struct {
	header   lipgloss.Style
	note     lipgloss.Style
	console  lipgloss.Style
	removed  lipgloss.Style
	added    lipgloss.Style
	meta     lipgloss.Style
	ok       lipgloss.Style
	warn     lipgloss.Style
	errStyle lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		header:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("63")),
		note:     r.NewStyle().Foreground(lipgloss.Color("37")),
		console:  r.NewStyle().Foreground(lipgloss.Color("252")),
		removed:  r.NewStyle().Foreground(lipgloss.Color("203")),
		added:    r.NewStyle().Foreground(lipgloss.Color("70")),
		meta:     r.NewStyle().Foreground(lipgloss.Color("242")),
		ok:       r.NewStyle().Bold(true).Foreground(lipgloss.Color("46")),
		warn:     r.NewStyle().Bold(true).Foreground(lipgloss.Color("136")),
		errStyle: r.NewStyle().Bold(true).Foreground(lipgloss.Color("160")),
	}
}

// Printer writes incremental job output.
type Printer struct {
	w  io.Writer
	st styles

	job    model.JobID
	notes  int
	lines  int
	diff   *model.DiffProposal
	cost   model.Cost
	status model.Status
}

// New creates a Printer writing to w. Colors follow w's terminal
// capabilities; a non-terminal writer gets plain text.
func New(w io.Writer) *Printer {
	return &Printer{w: w, st: newStyles(lipgloss.NewRenderer(w))}
}

// Update prints whatever s adds over the last state seen. A state for a
// different job, or one that shrank, starts over.
func (p *Printer) Update(s model.JobState) {
	if s.JobID != p.job || len(s.Timeline) < p.notes || len(s.Console) < p.lines {
		p.job = s.JobID
		p.notes, p.lines = 0, 0
		p.diff = nil
		p.cost = model.Cost{}
		p.status = ""
	}

	for _, n := range s.Timeline[p.notes:] {
		fmt.Fprintln(p.w, p.noteLine(n))
	}
	p.notes = len(s.Timeline)

	for _, line := range s.Console[p.lines:] {
		fmt.Fprintln(p.w, p.st.console.Render(line))
	}
	p.lines = len(s.Console)

	if s.PendingDiff != nil && !sameDiff(p.diff, s.PendingDiff) {
		fmt.Fprint(p.w, p.diffBlock(*s.PendingDiff))
		d := *s.PendingDiff
		p.diff = &d
	}

	if s.Cost != p.cost {
		fmt.Fprintln(p.w, p.st.meta.Render(costText(s.Cost)))
		p.cost = s.Cost
	}

	if s.Status != p.status {
		if p.status != "" || s.Status != model.StatusRunning {
			fmt.Fprintln(p.w, p.statusLine(s.Status))
		}
		p.status = s.Status
	}
}

// Notice prints bus notices that carry something for the user.
func (p *Printer) Notice(n eventbus.Notice) {
	switch n.Type {
	case eventbus.NoticeAlert:
		fmt.Fprintln(p.w, p.st.warn.Render("! "+n.Message))
	case eventbus.NoticeDiffSuperseded:
		fmt.Fprintln(p.w, p.st.meta.Render("(previous diff replaced by a newer proposal)"))
	}
}

// Render returns a complete view of s. It does not affect what Update
// considers already printed.
func (p *Printer) Render(s model.JobState) string {
	var b strings.Builder
	fmt.Fprintln(&b, p.st.header.Render(fmt.Sprintf("Job %s", s.JobID)))
	fmt.Fprintln(&b, p.statusLine(s.Status))
	fmt.Fprintln(&b, p.st.meta.Render(costText(s.Cost)+fmt.Sprintf(", %d events", s.Applied)))

	if len(s.Timeline) > 0 {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, p.st.header.Render("Timeline"))
		for _, n := range s.Timeline {
			fmt.Fprintln(&b, p.noteLine(n))
		}
	}
	if len(s.Console) > 0 {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, p.st.header.Render("Console"))
		for _, line := range s.Console {
			fmt.Fprintln(&b, p.st.console.Render(line))
		}
	}
	if s.PendingDiff != nil {
		fmt.Fprintln(&b)
		b.WriteString(p.diffBlock(*s.PendingDiff))
	}
	return b.String()
}

func (p *Printer) noteLine(n model.Note) string {
	label := p.st.note.Render("[" + n.Kind + "]")
	if n.Message == "" {
		return label
	}
	return label + " " + n.Message
}

func (p *Printer) statusLine(s model.Status) string {
	switch s {
	case model.StatusRunning:
		return p.st.ok.Render("● running")
	case model.StatusStopped:
		return p.st.warn.Render("■ stopped")
	case model.StatusDisconnected:
		return p.st.errStyle.Render("✗ disconnected")
	default:
		return p.st.meta.Render("○ " + string(s))
	}
}

// diffBlock shows the whole before and after texts. The proposal carries
// full contents, not hunks.
func (p *Printer) diffBlock(d model.DiffProposal) string {
	var b strings.Builder
	fmt.Fprintln(&b, p.st.header.Render("Proposed change"))
	fmt.Fprintln(&b, p.st.removed.Render("--- before"))
	for _, line := range splitLines(d.Before) {
		fmt.Fprintln(&b, p.st.removed.Render("-"+line))
	}
	fmt.Fprintln(&b, p.st.added.Render("+++ after"))
	for _, line := range splitLines(d.After) {
		fmt.Fprintln(&b, p.st.added.Render("+"+line))
	}
	return b.String()
}

func costText(c model.Cost) string {
	return fmt.Sprintf("cost: %d calls, %d tokens", c.Calls, c.Tokens)
}

func sameDiff(a, b *model.DiffProposal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
