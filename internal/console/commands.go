package console

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

type command struct {
	usage   string
	help    string
	minArgs int
	maxArgs int
	run     func(ctx context.Context, r *REPL, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"ls":   {usage: ":ls", help: "list the device working directory", run: cmdList},
		"cd":   {usage: ":cd DIR", help: "change the device working directory", minArgs: 1, maxArgs: 1, run: cmdChangeDir},
		"rm":   {usage: ":rm PATH", help: "remove a file on the device", minArgs: 1, maxArgs: 1, run: cmdRemove},
		"put":  {usage: ":put LOCAL [REMOTE]", help: "upload a local file", minArgs: 1, maxArgs: 2, run: cmdPut},
		"get":  {usage: ":get REMOTE [LOCAL]", help: "download a device file", minArgs: 1, maxArgs: 2, run: cmdGet},
		"help": {usage: ":help [EXPR]", help: "list commands, or show the device's help for EXPR", maxArgs: -1, run: cmdHelp},
		"ver":  {usage: ":ver", help: "show the device WebREPL version", run: cmdVersion},
		"quit": {usage: ":quit", help: "leave the shell", run: cmdQuit},
	}
}

func (r *REPL) command(ctx context.Context, fields []string) error {
	if len(fields) == 0 {
		return cmdHelp(ctx, r, nil)
	}
	cmd, ok := commands[fields[0]]
	if !ok {
		return fmt.Errorf("unknown command %q (try :help)", fields[0])
	}
	args := fields[1:]
	if len(args) < cmd.minArgs || cmd.maxArgs >= 0 && len(args) > cmd.maxArgs {
		return fmt.Errorf("usage: %s", cmd.usage)
	}
	return cmd.run(ctx, r, args)
}

func cmdList(ctx context.Context, r *REPL, _ []string) error {
	unmute := r.con.Mute()
	l, err := r.m.ListDir(ctx)
	unmute()
	if err != nil {
		return err
	}
	r.cwd = l.Cwd
	r.con.Printf("%s\n", l.Cwd)
	for _, e := range l.Entries {
		if e.Dir {
			r.con.Printf("%10s  %s/\n", "<dir>", e.Name)
			continue
		}
		r.con.Printf("%10d  %s\n", e.Size, e.Name)
	}
	return nil
}

func cmdChangeDir(ctx context.Context, r *REPL, args []string) error {
	unmute := r.con.Mute()
	defer unmute()
	if err := r.m.ChangeDir(ctx, args[0]); err != nil {
		return err
	}
	cwd, err := r.m.Cwd(ctx)
	if err != nil {
		return err
	}
	r.cwd = cwd
	return nil
}

func cmdRemove(ctx context.Context, r *REPL, args []string) error {
	target, err := r.remotePath(ctx, args[0])
	if err != nil {
		return err
	}
	unmute := r.con.Mute()
	defer unmute()
	return r.m.Remove(ctx, target)
}

func cmdPut(ctx context.Context, r *REPL, args []string) error {
	local := args[0]
	data, err := afero.ReadFile(r.fs, local)
	if err != nil {
		return fmt.Errorf("read %s: %w", local, err)
	}
	remote := filepath.Base(local)
	if len(args) > 1 {
		remote = args[1]
	}
	if remote, err = r.remotePath(ctx, remote); err != nil {
		return err
	}

	progress, finish := r.con.Progress("put", remote, len(data))
	err = r.m.PutFile(ctx, remote, data, progress)
	finish()
	return err
}

func cmdGet(ctx context.Context, r *REPL, args []string) error {
	remote, err := r.remotePath(ctx, args[0])
	if err != nil {
		return err
	}
	local := path.Base(remote)
	if len(args) > 1 {
		local = args[1]
	}

	progress, finish := r.con.Progress("get", remote, 0)
	data, err := r.m.GetFile(ctx, remote, progress)
	finish()
	if err != nil {
		return err
	}
	if err := afero.WriteFile(r.fs, local, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", local, err)
	}
	return nil
}

func cmdHelp(ctx context.Context, r *REPL, args []string) error {
	if len(args) > 0 {
		_, err := r.m.Help(ctx, strings.Join(args, " "))
		return err
	}
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmd := commands[name]
		r.con.Printf("  %-22s %s\n", cmd.usage, cmd.help)
	}
	return nil
}

func cmdVersion(ctx context.Context, r *REPL, _ []string) error {
	v, err := r.m.Version(ctx)
	if err != nil {
		return err
	}
	r.con.Printf("WebREPL %d.%d.%d\n", v[0], v[1], v[2])
	return nil
}

func cmdQuit(_ context.Context, r *REPL, _ []string) error {
	r.quit = true
	return nil
}
