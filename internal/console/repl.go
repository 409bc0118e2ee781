package console

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/peterh/liner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/peterje/devrepl/internal/device"
	"github.com/peterje/devrepl/internal/webrepl"
)

const (
	prompt         = ">>> "
	continuePrompt = "... "
)

// Prompter reads lines from the user. *liner.State implements it.
type Prompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

// REPL is the interactive shell. Python goes to the device; lines starting
// with ':' are local commands.
type REPL struct {
	m   *device.Manager
	con *Console
	// fs holds local files for :put and :get.
	fs   afero.Fs
	cwd  string
	quit bool
}

func NewREPL(m *device.Manager, con *Console, fs afero.Fs) *REPL {
	return &REPL{m: m, con: con, fs: fs}
}

// Run reads and handles input until :quit or end of input.
func (r *REPL) Run(ctx context.Context, p Prompter) error {
	r.con.Printf("Type Python to run it on the device, :help for commands, Ctrl-D to quit.\n")
	for !r.quit {
		input, err := p.Prompt(prompt)
		if errors.Is(err, liner.ErrPromptAborted) {
			continue
		}
		if errors.Is(err, io.EOF) {
			r.con.Printf("\n")
			return nil
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(input) == "" {
			continue
		}
		p.AppendHistory(input)

		if opensBlock(input) {
			input, err = collectBlock(p, input)
			if errors.Is(err, liner.ErrPromptAborted) {
				continue
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
		}
		if err := r.Handle(ctx, input); err != nil && !errors.Is(err, webrepl.ErrInterrupted) {
			r.con.Error(err)
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
	}
	return nil
}

func opensBlock(input string) bool {
	trimmed := strings.TrimSpace(input)
	return !strings.HasPrefix(trimmed, ":") && strings.HasSuffix(trimmed, ":")
}

// collectBlock reads continuation lines until a blank one.
func collectBlock(p Prompter, first string) (string, error) {
	lines := []string{first}
	for {
		line, err := p.Prompt(continuePrompt)
		if err != nil {
			return strings.Join(lines, "\n"), err
		}
		if strings.TrimSpace(line) == "" {
			return strings.Join(lines, "\n"), nil
		}
		p.AppendHistory(line)
		lines = append(lines, line)
	}
}

// Handle runs one command or block of code.
func (r *REPL) Handle(ctx context.Context, input string) error {
	if strings.HasPrefix(strings.TrimSpace(input), ":") {
		return r.command(ctx, strings.Fields(strings.TrimSpace(input)[1:]))
	}

	stop := r.interruptOnSignal(ctx)
	defer stop()
	_, err := r.m.Exec(ctx, input)
	return err
}

// interruptOnSignal forwards Ctrl-C to the device while code runs.
func (r *REPL) interruptOnSignal(ctx context.Context) (stop func()) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-sig:
				log.Debug().Msg("interrupt requested")
				if err := r.m.Interrupt(ctx); err != nil {
					log.Warn().Err(err).Msg("interrupt failed")
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sig)
		close(done)
	}
}

// remotePath resolves name against the device working directory, which is
// looked up once.
func (r *REPL) remotePath(ctx context.Context, name string) (string, error) {
	if r.cwd == "" {
		unmute := r.con.Mute()
		cwd, err := r.m.Cwd(ctx)
		unmute()
		if err != nil {
			return "", err
		}
		r.cwd = cwd
	}
	return device.JoinPath(r.cwd, name), nil
}
