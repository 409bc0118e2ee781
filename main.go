package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type subcommand struct {
	usage string
	help  string
	run   func(ctx context.Context, g *globals, args []string) error
	// interactive commands handle Ctrl-C themselves.
	interactive bool
}

var subcommands = map[string]subcommand{
	"repl":    {usage: "repl", help: "interactive shell (default)", run: runREPL, interactive: true},
	"exec":    {usage: "exec CODE | exec -f FILE", help: "run Python on the device and print its output", run: runExec},
	"put":     {usage: "put LOCAL [REMOTE]", help: "upload a file", run: runPut},
	"get":     {usage: "get REMOTE [LOCAL]", help: "download a file", run: runGet},
	"ls":      {usage: "ls [DIR]", help: "list a device directory", run: runList},
	"rm":      {usage: "rm PATH", help: "remove a device file", run: runRemove},
	"help":    {usage: "help EXPR", help: "show the device's help() for EXPR", run: runHelp},
	"version": {usage: "version", help: "show the device WebREPL version", run: runVersion},
	"history": {usage: "history [-n N]", help: "show recent executions and transfers", run: runHistory},
	"emulate": {usage: "emulate [--listen ADDR]", help: "serve an emulated device", run: runEmulate},
}

// run parses global flags up to the subcommand name and dispatches.
func run(args []string) error {
	g := &globals{}
	flagSet := pflag.NewFlagSet("devrepl", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	g.addFlags(flagSet)
	flagSet.Usage = func() { printUsage(flagSet) }
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	name := "repl"
	rest := flagSet.Args()
	if len(rest) > 0 {
		name, rest = rest[0], rest[1:]
	}
	cmd, ok := subcommands[name]
	if !ok {
		printUsage(flagSet)
		return fmt.Errorf("unknown command %q", name)
	}

	closeLog, err := g.setup()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx := context.Background()
	var stop context.CancelFunc
	if cmd.interactive {
		ctx, stop = signal.NotifyContext(ctx, syscall.SIGTERM)
	} else {
		ctx, stop = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	}
	defer stop()

	return cmd.run(ctx, g, rest)
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "devrepl - MicroPython WebREPL client\n\nUsage:\n  devrepl [flags] COMMAND [args]\n\nCommands:\n")
	for _, name := range sortedKeys(subcommands) {
		c := subcommands[name]
		fmt.Fprintf(os.Stderr, "  %-28s %s\n", c.usage, c.help)
	}
	fmt.Fprintf(os.Stderr, "\nFlags:\n%s", flagSet.FlagUsages())
}
