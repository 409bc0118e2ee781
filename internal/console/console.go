package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"

	"github.com/peterje/devrepl/internal/webrepl"
)

// phaseColors maps each session phase to the color its lines print in.
var phaseColors = map[webrepl.Phase]lipgloss.TerminalColor{
	webrepl.PhaseConnecting:     lipgloss.Color("1"),
	webrepl.PhaseAwaitingPrompt: lipgloss.Color("4"),
	webrepl.PhaseAwaitingEcho:   lipgloss.Color("2"),
	webrepl.PhaseAwaitingResult: lipgloss.NoColor{},
	webrepl.PhaseIdle:           lipgloss.Color("5"),
	webrepl.PhaseInterrupting:   lipgloss.Color("5"),
}

// Console prints device output in the color of the session phase it
// arrived in.
type Console struct {
	out    io.Writer
	styles map[webrepl.Phase]lipgloss.Style
	errSt  lipgloss.Style
	// quiet hides echoes and prompt markers, which an interactive user
	// has already seen.
	quiet bool

	mu    sync.Mutex
	phase webrepl.Phase
	muted int
}

func New(out io.Writer, quiet bool) *Console {
	r := lipgloss.NewRenderer(out)
	styles := make(map[webrepl.Phase]lipgloss.Style, len(phaseColors))
	for phase, color := range phaseColors {
		styles[phase] = r.NewStyle().Foreground(color)
	}
	return &Console{
		out:    out,
		styles: styles,
		errSt:  r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		quiet:  quiet,
	}
}

// Line is a webrepl.LineSink.
func (c *Console) Line(line string, phase webrepl.Phase) {
	if c.quiet && hidden(line, phase) {
		return
	}
	style, ok := c.styles[phase]
	if !ok {
		style = c.styles[webrepl.PhaseIdle]
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.muted > 0 {
		return
	}
	fmt.Fprintln(c.out, style.Render(line))
}

// Mute suppresses device lines until the returned func is called. Used
// while helpers run scripts whose raw output is reformatted.
func (c *Console) Mute() (unmute func()) {
	c.mu.Lock()
	c.muted++
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.muted--
			c.mu.Unlock()
		})
	}
}

func hidden(line string, phase webrepl.Phase) bool {
	switch phase {
	case webrepl.PhaseAwaitingEcho, webrepl.PhaseAwaitingPrompt:
		return true
	}
	return line == ">>>" || line == "==="
}

// SetPhase is a webrepl.PhaseHook.
func (c *Console) SetPhase(phase webrepl.Phase) {
	c.mu.Lock()
	c.phase = phase
	c.mu.Unlock()
	log.Debug().Stringer("phase", phase).Msg("session phase")
}

func (c *Console) Phase() webrepl.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Printf writes plain text.
func (c *Console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *Console) Error(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, c.errSt.Render("error: "+err.Error()))
}

// Progress returns a transfer progress printer for name. Call the returned
// finish func when the transfer ends.
func (c *Console) Progress(verb, name string, total int) (webrepl.Progress, func()) {
	progress := func(n int) {
		c.Printf("\r%s %s %s", verb, name, formatBytes(n, total))
	}
	finish := func() { c.Printf("\n") }
	return progress, finish
}

func formatBytes(n, total int) string {
	if total <= 0 {
		return fmt.Sprintf("%d bytes", n)
	}
	return fmt.Sprintf("%d/%d bytes", n, total)
}

// Confirm turns ask into a yes/no answer, defaulting to no.
func Confirm(ask func(prompt string) (string, error), prompt string) bool {
	answer, err := ask(prompt)
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
