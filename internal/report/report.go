// Package report renders plans, run results and history as tables.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/yairfalse/fleetreaper/internal/history"
	"github.com/yairfalse/fleetreaper/internal/reaper"
)

// Format selects how reports are written.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
)

// ParseFormat validates a --output value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatTable, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (table or json)", s)
	}
}

// Printer writes reports to one destination in one format.
type Printer struct {
	w      io.Writer
	format Format
	now    func() time.Time
}

// NewPrinter creates a Printer writing to w.
func NewPrinter(w io.Writer, format Format) *Printer {
	return &Printer{w: w, format: format, now: time.Now}
}

// WithClock overrides the clock used for relative ages.
func (p *Printer) WithClock(now func() time.Time) *Printer {
	p.now = now
	return p
}

func (p *Printer) newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(p.w)
	t.SetStyle(table.StyleLight)
	t.Style().Format.Header = text.FormatUpper
	if title != "" {
		t.SetTitle(title)
	}
	return t
}

func (p *Printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *Printer) ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, p.now(), "ago", "from now")
}

// Plan prints every instance considered in each region and whether it
// would be reaped.
func (p *Printer) Plan(results []reaper.RegionResult) error {
	if p.format == FormatJSON {
		return p.json(results)
	}

	for _, res := range results {
		if res.Err != nil {
			fmt.Fprintf(p.w, "%s: %v\n", res.Region, res.Err)
			continue
		}

		t := p.newTable("Plan for " + res.Region)
		t.AppendHeader(table.Row{"Instance", "Name", "State", "Launched", "Uptime", "Verdict"})
		reaped := 0
		for _, d := range res.Decisions {
			verdict := string(d.Verdict)
			if d.Selected() {
				reaped++
				verdict = text.FgRed.Sprint(verdict)
			}
			t.AppendRow(table.Row{
				d.Instance.ID,
				d.Instance.Name,
				d.Instance.State,
				p.ago(d.Instance.LaunchTime),
				fmt.Sprintf("%dd", d.UptimeDays),
				verdict,
			})
		}
		t.SetCaption("%d of %d instances would be reaped", reaped, len(res.Decisions))
		t.Render()
	}
	return nil
}

// Results prints the outcome of each region run.
func (p *Printer) Results(results []reaper.RegionResult) error {
	if p.format == FormatJSON {
		return p.json(resultsJSON(results))
	}

	t := p.newTable("")
	t.AppendHeader(table.Row{"Region", "State", "Selected", "Terminated", "Volumes", "Duration", "Audit Stream", "Error"})

	terminated, volumes := 0, 0
	for _, res := range results {
		state := string(res.State)
		switch {
		case res.Declined:
			state += " (declined)"
		case res.DryRun:
			state += " (dry run)"
		case res.State == reaper.StateAborted:
			state += " in " + string(res.FailedIn)
		}

		t.AppendRow(table.Row{
			res.Region,
			state,
			res.Batch.Len(),
			len(res.Terminated),
			res.VolumesDeleted,
			res.Duration().Round(time.Second),
			res.AuditStream,
			errString(res.Err),
		})
		terminated += len(res.Terminated)
		volumes += res.VolumesDeleted
	}
	t.AppendFooter(table.Row{"Total", "", "", terminated, volumes})
	t.Render()
	return nil
}

// Decommission prints what a decommission did.
func (p *Printer) Decommission(res reaper.DecommissionResult) error {
	if p.format == FormatJSON {
		return p.json(res)
	}

	t := p.newTable(fmt.Sprintf("Decommission %s=%s in %s", reaper.NameTag, res.Name, res.Region))
	t.AppendHeader(table.Row{"Instance", "Outcome"})
	for _, id := range res.Matched {
		t.AppendRow(table.Row{id, decommissionOutcome(res, id)})
	}
	if res.AuditStream != "" {
		t.SetCaption("audit stream %s", res.AuditStream)
	}
	t.Render()
	return nil
}

func decommissionOutcome(res reaper.DecommissionResult, id string) string {
	switch {
	case slices.Contains(res.Terminated, id):
		return "terminated"
	case slices.Contains(res.AlreadyTerminated, id):
		return "already terminated"
	case slices.Contains(res.Declined, id):
		return "declined"
	default:
		return "matched"
	}
}

// History prints stored runs, newest last per region.
func (p *Printer) History(records []history.RunRecord, locks map[string]string) error {
	if p.format == FormatJSON {
		return p.json(struct {
			Runs  []history.RunRecord `json:"runs"`
			Locks map[string]string   `json:"locks,omitempty"`
		}{records, locks})
	}

	if len(records) == 0 {
		fmt.Fprintln(p.w, "no runs recorded")
	} else {
		t := p.newTable("")
		t.AppendHeader(table.Row{"Region", "Run", "State", "Started", "Duration", "Selected", "Terminated", "Volumes", "Error"})
		for _, rec := range records {
			state := rec.State
			if rec.FailedIn != "" {
				state += " in " + rec.FailedIn
			}
			t.AppendRow(table.Row{
				rec.Region,
				shortID(rec.RunID),
				state,
				p.ago(rec.Started),
				rec.Duration().Round(time.Second),
				len(rec.Selected),
				len(rec.Terminated),
				rec.VolumesDeleted,
				rec.Error,
			})
		}
		t.Render()
	}

	for _, region := range slices.Sorted(maps.Keys(locks)) {
		fmt.Fprintf(p.w, "region %s is locked by run %s\n", region, locks[region])
	}
	return nil
}

type resultJSON struct {
	reaper.RegionResult
	Error string `json:"error,omitempty"`
}

func resultsJSON(results []reaper.RegionResult) []resultJSON {
	out := make([]resultJSON, 0, len(results))
	for _, res := range results {
		out = append(out, resultJSON{RegionResult: res, Error: errString(res.Err)})
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
