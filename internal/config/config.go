package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const (
	SchemaVersion  = 1
	CfgEnv         = "DEVREPL_CONFIG"
	PasswordEnv    = "DEVREPL_PASSWORD"
	CfgFile        = "config.toml"
	DefaultProfile = "default"
	DefaultURL     = "ws://192.168.4.1:8266/"
)

type Values struct {
	Profiles       map[string]Profile `toml:"profiles,omitempty"`
	LogFile        string             `toml:"log_file,omitempty"`
	HistoryDB      string             `toml:"history_db,omitempty"`
	DefaultProfile string             `toml:"default_profile,omitempty"`
	ConfigSchema   int                `toml:"config_schema"`
	DebugLogging   bool               `toml:"debug_logging"`
}

// Profile is one device the client knows how to reach.
type Profile struct {
	URL         string `toml:"url"`
	Password    string `toml:"password,omitempty"`
	InsecureTLS bool   `toml:"insecure_tls,omitempty"`
}

var BaseDefaults = Values{
	ConfigSchema:   SchemaVersion,
	DefaultProfile: DefaultProfile,
	Profiles: map[string]Profile{
		DefaultProfile: {URL: DefaultURL},
	},
}

var ErrUnknownProfile = errors.New("unknown profile")

// Dir is the directory holding the config file and local state.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home dir: %w", err)
	}
	return filepath.Join(home, ".devrepl"), nil
}

// Path resolves the config file location, honouring DEVREPL_CONFIG.
func Path() (string, error) {
	if p := os.Getenv(CfgEnv); p != "" {
		return p, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, CfgFile), nil
}

// Load reads the config at path over the defaults. A missing file yields the
// defaults.
func Load(fs afero.Fs, path string) (Values, error) {
	vals := cloneDefaults()

	data, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		log.Debug().Str("path", path).Msg("no config file, using defaults")
		return vals, nil
	}
	if err != nil {
		return Values{}, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(data, &vals); err != nil {
		return Values{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if vals.ConfigSchema != SchemaVersion {
		return Values{}, fmt.Errorf("schema version mismatch: got %d, expecting %d", vals.ConfigSchema, SchemaVersion)
	}
	if vals.DefaultProfile == "" {
		vals.DefaultProfile = DefaultProfile
	}
	return vals, nil
}

// Save writes vals to path, creating the directory as needed.
func Save(fs afero.Fs, path string, vals Values) error {
	vals.ConfigSchema = SchemaVersion
	data, err := toml.Marshal(&vals)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := afero.WriteFile(fs, path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Profile looks up name, or the default profile when name is empty. The
// password env var overrides whatever the file stores.
func (v Values) Profile(name string) (Profile, error) {
	if name == "" {
		name = v.DefaultProfile
	}
	p, ok := v.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q (have %v)", ErrUnknownProfile, name, v.ProfileNames())
	}
	if pw := os.Getenv(PasswordEnv); pw != "" {
		p.Password = pw
	}
	return p, nil
}

func (v Values) ProfileNames() []string {
	names := make([]string, 0, len(v.Profiles))
	for name := range v.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HistoryPath is the history database location; empty means the default.
func (v Values) HistoryPath() (string, error) {
	if v.HistoryDB != "" {
		return v.HistoryDB, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.db"), nil
}

func cloneDefaults() Values {
	vals := BaseDefaults
	vals.Profiles = make(map[string]Profile, len(BaseDefaults.Profiles))
	for k, p := range BaseDefaults.Profiles {
		vals.Profiles[k] = p
	}
	return vals
}
