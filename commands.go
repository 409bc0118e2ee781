package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/peterje/devrepl/internal/config"
	"github.com/peterje/devrepl/internal/console"
	"github.com/peterje/devrepl/internal/device"
	"github.com/peterje/devrepl/internal/emulator"
)

const sessionLogInterval = 30 * time.Second

func newFlagSet(name string) *pflag.FlagSet {
	return pflag.NewFlagSet("devrepl "+name, pflag.ContinueOnError)
}

func wantArgs(args []string, lo, hi int, usage string) error {
	if len(args) < lo || len(args) > hi {
		return fmt.Errorf("usage: devrepl %s", usage)
	}
	return nil
}

// dialOnce connects for a single non-interactive command.
func dialOnce(ctx context.Context, g *globals, con *console.Console) (*device.Manager, func(), error) {
	t, err := g.target()
	if err != nil {
		return nil, nil, err
	}
	return g.connect(ctx, t, connectOptions{con: con})
}

func runREPL(ctx context.Context, g *globals, args []string) error {
	if err := wantArgs(args, 0, 0, "repl"); err != nil {
		return err
	}
	// Piped input runs as a script.
	if !console.IsInteractive() {
		return runExec(ctx, g, []string{"-f", "-"})
	}
	t, err := g.target()
	if err != nil {
		return err
	}

	con := console.New(os.Stdout, true)
	line, closeLine := console.NewLineEditor(replHistoryPath())
	defer closeLine()

	m, disconnect, err := g.connect(ctx, t, connectOptions{
		con:  con,
		busy: console.BusyPrompt(con, line.Prompt),
	})
	if err != nil {
		return err
	}
	defer disconnect()

	return console.NewREPL(m, con, g.fs).Run(ctx, line)
}

func runExec(ctx context.Context, g *globals, args []string) error {
	flagSet := newFlagSet("exec")
	file := flagSet.StringP("file", "f", "", "read code from FILE (- for stdin)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	var source string
	switch {
	case *file == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		source = string(data)
	case *file != "":
		data, err := afero.ReadFile(g.fs, *file)
		if err != nil {
			return fmt.Errorf("read %s: %w", *file, err)
		}
		source = string(data)
	case flagSet.NArg() > 0:
		source = strings.Join(flagSet.Args(), " ")
	default:
		return fmt.Errorf("usage: devrepl %s", subcommandUsageExec)
	}

	m, disconnect, err := dialOnce(ctx, g, nil)
	if err != nil {
		return err
	}
	defer disconnect()

	out, err := m.Exec(ctx, source)
	if out != "" {
		fmt.Println(out)
	}
	return err
}

const subcommandUsageExec = "exec CODE | exec -f FILE"

func runPut(ctx context.Context, g *globals, args []string) error {
	if err := wantArgs(args, 1, 2, "put LOCAL [REMOTE]"); err != nil {
		return err
	}
	local := args[0]
	data, err := afero.ReadFile(g.fs, local)
	if err != nil {
		return fmt.Errorf("read %s: %w", local, err)
	}
	remote := filepath.Base(local)
	if len(args) > 1 {
		remote = args[1]
	}

	m, disconnect, err := dialOnce(ctx, g, nil)
	if err != nil {
		return err
	}
	defer disconnect()

	con := console.New(os.Stderr, true)
	progress, finish := con.Progress("put", remote, len(data))
	err = m.PutFile(ctx, remote, data, progress)
	finish()
	return err
}

func runGet(ctx context.Context, g *globals, args []string) error {
	if err := wantArgs(args, 1, 2, "get REMOTE [LOCAL]"); err != nil {
		return err
	}
	remote := args[0]
	local := path.Base(remote)
	if len(args) > 1 {
		local = args[1]
	}

	m, disconnect, err := dialOnce(ctx, g, nil)
	if err != nil {
		return err
	}
	defer disconnect()

	con := console.New(os.Stderr, true)
	progress, finish := con.Progress("get", remote, 0)
	data, err := m.GetFile(ctx, remote, progress)
	finish()
	if err != nil {
		return err
	}
	if err := afero.WriteFile(g.fs, local, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", local, err)
	}
	return nil
}

func runList(ctx context.Context, g *globals, args []string) error {
	if err := wantArgs(args, 0, 1, "ls [DIR]"); err != nil {
		return err
	}
	m, disconnect, err := dialOnce(ctx, g, nil)
	if err != nil {
		return err
	}
	defer disconnect()

	if len(args) == 1 {
		if err := m.ChangeDir(ctx, args[0]); err != nil {
			return err
		}
	}
	listing, err := m.ListDir(ctx)
	if err != nil {
		return err
	}
	for _, e := range listing.Entries {
		if e.Dir {
			fmt.Printf("%10s  %s/\n", "", e.Name)
			continue
		}
		fmt.Printf("%10d  %s\n", e.Size, e.Name)
	}
	return nil
}

func runRemove(ctx context.Context, g *globals, args []string) error {
	if err := wantArgs(args, 1, 1, "rm PATH"); err != nil {
		return err
	}
	m, disconnect, err := dialOnce(ctx, g, nil)
	if err != nil {
		return err
	}
	defer disconnect()
	return m.Remove(ctx, args[0])
}

func runHelp(ctx context.Context, g *globals, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: devrepl help EXPR")
	}
	m, disconnect, err := dialOnce(ctx, g, nil)
	if err != nil {
		return err
	}
	defer disconnect()

	out, err := m.Help(ctx, strings.Join(args, " "))
	if out != "" {
		fmt.Println(out)
	}
	return err
}

func runVersion(ctx context.Context, g *globals, args []string) error {
	if err := wantArgs(args, 0, 0, "version"); err != nil {
		return err
	}
	m, disconnect, err := dialOnce(ctx, g, nil)
	if err != nil {
		return err
	}
	defer disconnect()

	v, err := m.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("WebREPL %d.%d.%d\n", v[0], v[1], v[2])
	return nil
}

func runHistory(ctx context.Context, g *globals, args []string) error {
	flagSet := newFlagSet("history")
	limit := flagSet.IntP("limit", "n", 20, "entries to show of each kind")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	store, closeStore, err := g.openHistory()
	if err != nil {
		return err
	}
	defer closeStore()

	execs, err := store.RecentExecs(ctx, *limit)
	if err != nil {
		return err
	}
	transfers, err := store.RecentTransfers(ctx, *limit)
	if err != nil {
		return err
	}

	fmt.Println("Executions:")
	for _, e := range execs {
		code, _, _ := strings.Cut(strings.TrimSpace(e.Code), "\n")
		status := "ok"
		if e.Error != "" {
			status = e.Error
		}
		fmt.Printf("  %s  %-24s %6dms  %-40s %s\n",
			e.ExecutedAt.Local().Format(time.DateTime), e.Device, e.Duration.Milliseconds(), code, status)
	}
	fmt.Println("Transfers:")
	for _, t := range transfers {
		status := t.Status
		if t.Error != "" {
			status += ": " + t.Error
		}
		fmt.Printf("  %s  %-24s %s %-30s %8d  %s\n",
			t.CreatedAt.Local().Format(time.DateTime), t.Device, t.Direction, t.Name, t.Bytes, status)
	}
	return nil
}

func runEmulate(ctx context.Context, g *globals, args []string) error {
	flagSet := newFlagSet("emulate")
	listen := flagSet.String("listen", ":8266", "address to listen on")
	password := flagSet.String("device-password", "", "password the device accepts (default --password or the profile's)")
	root := flagSet.String("root", "", "serve this directory as the device filesystem (default in-memory)")
	useTLS := flagSet.Bool("tls", false, "serve wss:// with a cached self-signed certificate")
	certFile := flagSet.String("cert", "", "TLS certificate file")
	keyFile := flagSet.String("key", "", "TLS key file")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	pw := *password
	if pw == "" {
		pw = g.password
	}
	if pw == "" {
		p, err := g.vals.Profile(g.profile)
		if err != nil {
			return err
		}
		pw = p.Password
	}
	if pw == "" {
		return errors.New("the emulator needs a password: use --device-password")
	}

	var fsys afero.Fs = afero.NewMemMapFs()
	if *root != "" {
		fsys = afero.NewBasePathFs(afero.NewOsFs(), *root)
	}

	var tlsCfg *tls.Config
	if *useTLS || *certFile != "" {
		dir, err := config.Dir()
		if err != nil {
			return err
		}
		if tlsCfg, err = emulator.TLSConfig(*certFile, *keyFile, filepath.Join(dir, "tls")); err != nil {
			return err
		}
	}

	dev := emulator.New(emulator.Config{Password: pw, Fs: fsys})
	srv := emulator.NewServer(dev)

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return srv.ListenAndServe(ctx, *listen, tlsCfg)
	})
	grp.Go(func() error {
		ticker := time.NewTicker(sessionLogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				log.Info().Int("sessions", dev.Sessions()).Msg("emulator status")
			}
		}
	})
	return grp.Wait()
}
