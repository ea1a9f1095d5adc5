package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/yairfalse/fleetreaper/internal/reaper"
	"github.com/yairfalse/fleetreaper/pkg/fleet"
)

// promptConfirmer asks the operator on the terminal. Concurrent regions share
// one terminal, so a prompt and its answer are read under mu.
type promptConfirmer struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
	now func() time.Time
}

func newPromptConfirmer(in io.Reader, out io.Writer) *promptConfirmer {
	return &promptConfirmer{in: bufio.NewReader(in), out: out, now: time.Now}
}

// Confirm implements reaper.Confirmer. Anything but y or yes declines.
func (p *promptConfirmer) Confirm(_ context.Context, req reaper.ConfirmationRequest) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "\n⚠️  About to %s in %s:\n", req.Action, req.Region)
	for _, inst := range req.Instances {
		fmt.Fprintf(p.out, "   %s  %-24s %-10s up %dd\n",
			inst.ID, displayName(inst), inst.State, inst.UptimeDays(p.now()))
	}
	fmt.Fprint(p.out, "Proceed? [y/N]: ")

	answer, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func displayName(inst fleet.Instance) string {
	if inst.Name == "" {
		return "-"
	}
	return inst.Name
}
