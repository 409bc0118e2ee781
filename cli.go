package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"github.com/peterje/devrepl/internal/config"
	"github.com/peterje/devrepl/internal/console"
	"github.com/peterje/devrepl/internal/db"
	"github.com/peterje/devrepl/internal/device"
	"github.com/peterje/devrepl/internal/logging"
	"github.com/peterje/devrepl/internal/transport"
	"github.com/peterje/devrepl/internal/webrepl"
)

const dialRetries = 2

type globals struct {
	configPath string
	profile    string
	url        string
	password   string
	insecure   bool
	debug      bool
	logFile    string
	noHistory  bool

	fs   afero.Fs
	vals config.Values
}

func (g *globals) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&g.configPath, "config", "", "config file (default $DEVREPL_CONFIG or ~/.devrepl/config.toml)")
	flagSet.StringVarP(&g.profile, "profile", "p", "", "device profile from the config file")
	flagSet.StringVarP(&g.url, "url", "u", "", "device WebREPL url, overriding the profile")
	flagSet.StringVar(&g.password, "password", "", "WebREPL password, overriding env and profile")
	flagSet.BoolVarP(&g.insecure, "insecure", "k", false, "accept self-signed certificates on wss:// urls")
	flagSet.BoolVar(&g.debug, "debug", false, "debug logging")
	flagSet.StringVar(&g.logFile, "log-file", "", "also write JSON logs to this file")
	flagSet.BoolVar(&g.noHistory, "no-history", false, "don't record executions and transfers")
}

// setup loads the config and configures logging. The returned func
// flushes the log file.
func (g *globals) setup() (func(), error) {
	g.fs = afero.NewOsFs()
	path := g.configPath
	if path == "" {
		var err error
		if path, err = config.Path(); err != nil {
			return nil, err
		}
	}
	vals, err := config.Load(g.fs, path)
	if err != nil {
		return nil, err
	}
	g.vals = vals

	logFile := g.logFile
	if logFile == "" {
		logFile = vals.LogFile
	}
	closer, err := logging.Init(logging.Options{
		File:  logFile,
		Debug: g.debug || vals.DebugLogging,
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	return func() { _ = closer.Close() }, nil
}

type target struct {
	url      string
	password string
	insecure bool
}

// target resolves the device to talk to: flags, then env, then profile,
// then an interactive password prompt.
func (g *globals) target() (target, error) {
	p, err := g.vals.Profile(g.profile)
	if err != nil {
		if g.url == "" || !errors.Is(err, config.ErrUnknownProfile) {
			return target{}, err
		}
		p = config.Profile{Password: os.Getenv(config.PasswordEnv)}
	}
	t := target{url: p.URL, password: p.Password, insecure: p.InsecureTLS || g.insecure}
	if g.url != "" {
		t.url = g.url
	}
	if g.password != "" {
		t.password = g.password
	}
	if t.password == "" {
		pw, err := console.ReadPassword(os.Stderr)
		if errors.Is(err, console.ErrNoTerminal) {
			return target{}, fmt.Errorf("password required: use --password, %s or a profile", config.PasswordEnv)
		}
		if err != nil {
			return target{}, err
		}
		t.password = pw
	}
	return t, nil
}

func (g *globals) openHistory() (*db.Store, func(), error) {
	path, err := g.vals.HistoryPath()
	if err != nil {
		return nil, nil, err
	}
	database, err := db.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open history: %w", err)
	}
	return db.NewStore(database), func() { database.Close() }, nil
}

type connectOptions struct {
	con  *console.Console
	busy device.BusyFunc
}

// connect opens the manager and its device session. The returned func
// disconnects and closes the history store.
func (g *globals) connect(ctx context.Context, t target, o connectOptions) (*device.Manager, func(), error) {
	dialer := &transport.Dialer{InsecureSkipVerify: t.insecure, Retries: dialRetries}
	dial := func(ctx context.Context, url string) (webrepl.Transport, error) {
		conn, err := dialer.Dial(ctx, url)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	var sessOpts []webrepl.Option
	if o.con != nil {
		sessOpts = append(sessOpts, webrepl.WithLineSink(o.con.Line), webrepl.WithPhaseHook(o.con.SetPhase))
	}
	opts := []device.Option{device.WithSessionOptions(sessOpts...)}
	if o.busy != nil {
		opts = append(opts, device.WithBusyFunc(o.busy))
	}

	closeHistory := func() {}
	if !g.noHistory {
		store, closeStore, err := g.openHistory()
		if err != nil {
			log.Warn().Err(err).Msg("history disabled")
		} else {
			opts = append(opts, device.WithRecorder(store))
			closeHistory = closeStore
		}
	}

	m := device.NewManager(dial, opts...)
	if err := m.Connect(ctx, t.url, t.password); err != nil {
		closeHistory()
		return nil, nil, err
	}
	return m, func() {
		m.Disconnect()
		closeHistory()
	}, nil
}

func replHistoryPath() string {
	dir, err := config.Dir()
	if err != nil {
		return filepath.Join(os.TempDir(), "devrepl_history")
	}
	return filepath.Join(dir, "repl_history")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
