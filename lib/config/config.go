// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads outpost's configuration.
//
// Configuration comes from exactly one YAML file, named by the
// OUTPOST_CONFIG environment variable or the --config flag. There is no
// search path and no environment override of individual values, so the
// file on disk is always the complete answer to "what is this process
// configured to do". ${HOME} and ${OUTPOST_ROOT} are expanded in path
// values for portability.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// RemoteType selects the transport used to reach a remote.
type RemoteType string

const (
	// RemoteLocal runs the helper as the current user on this machine.
	RemoteLocal RemoteType = "local"
	// RemoteSudo runs the helper on this machine through sudo.
	RemoteSudo RemoteType = "sudo"
	// RemoteSSH reaches the helper over SSH.
	RemoteSSH RemoteType = "ssh"
)

// ConnectMode controls when a remote is connected without being asked.
type ConnectMode string

const (
	// ConnectStartup connects when the front-end starts and reconnects
	// after failures.
	ConnectStartup ConnectMode = "startup"
	// ConnectAuto connects on first use and reconnects after failures.
	ConnectAuto ConnectMode = "auto"
	// ConnectManual only connects on an explicit request.
	ConnectManual ConnectMode = "manual"
)

// Config is the complete outpost configuration.
type Config struct {
	Paths    PathsConfig    `yaml:"paths"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Limits   LimitsConfig   `yaml:"limits"`
	Remotes  []RemoteConfig `yaml:"remotes"`
}

// PathsConfig configures file locations.
type PathsConfig struct {
	// Root is the base directory for outpost data.
	Root string `yaml:"root"`

	// Database is the SQLite file holding shell state and command
	// records.
	Database string `yaml:"database"`

	// HelperDir holds prebuilt helper binaries named
	// outpost-helper-<os>-<arch>, used by install.
	HelperDir string `yaml:"helper_dir"`

	// RemoteInstallDir is where install places the helper on the
	// remote, relative to the remote user's home unless absolute.
	RemoteInstallDir string `yaml:"remote_install_dir"`
}

// TimeoutsConfig holds every bounded wait in the connection and run
// paths.
type TimeoutsConfig struct {
	Connect      time.Duration `yaml:"connect"`
	Start        time.Duration `yaml:"start"`
	RPC          time.Duration `yaml:"rpc"`
	Password     time.Duration `yaml:"password"`
	PasswordPoll time.Duration `yaml:"password_poll"`
	DeadlineTick time.Duration `yaml:"deadline_tick"`
}

// LimitsConfig holds size and count limits.
type LimitsConfig struct {
	// DiffThreshold is the encoded diff size above which a new base
	// snapshot is stored instead of a diff.
	DiffThreshold int `yaml:"diff_threshold"`

	// MaxReconnect bounds automatic reconnect attempts per remote per
	// process lifetime.
	MaxReconnect int `yaml:"max_reconnect"`

	// RingSize is the capacity of each remote's diagnostic buffer.
	RingSize int `yaml:"ring_size"`

	// MuxBufferLimit is the most unacknowledged bytes a stream reader
	// may have outstanding.
	MuxBufferLimit int `yaml:"mux_buffer_limit"`

	// MuxPacketSize caps the payload of one data packet.
	MuxPacketSize int `yaml:"mux_packet_size"`
}

// RemoteConfig defines one connection target.
type RemoteConfig struct {
	ID            string      `yaml:"id"`
	Alias         string      `yaml:"alias"`
	CanonicalName string      `yaml:"canonical_name"`
	Type          RemoteType  `yaml:"type"`
	SSH           SSHConfig   `yaml:"ssh"`
	ConnectMode   ConnectMode `yaml:"connect_mode"`
	AutoInstall   bool        `yaml:"auto_install"`

	// Password is offered automatically at the first password prompt
	// before the user is asked.
	Password string `yaml:"password,omitempty"`

	Archived bool `yaml:"archived"`
}

// SSHConfig holds the SSH endpoint of a remote.
type SSHConfig struct {
	Host         string `yaml:"host"`
	User         string `yaml:"user"`
	Port         int    `yaml:"port"`
	IdentityFile string `yaml:"identity_file"`
	KnownHosts   string `yaml:"known_hosts"`

	// Native dials with the built-in SSH client instead of running the
	// system ssh binary under a pseudo-terminal.
	Native bool `yaml:"native"`
}

// Default returns the base configuration that a file is decoded over.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	root := filepath.Join(homeDir, ".local", "share", "outpost")
	return &Config{
		Paths: PathsConfig{
			Root:             root,
			Database:         filepath.Join(root, "outpost.db"),
			HelperDir:        filepath.Join(root, "helpers"),
			RemoteInstallDir: ".outpost/bin",
		},
		Timeouts: TimeoutsConfig{
			Connect:      15 * time.Second,
			Start:        5 * time.Second,
			RPC:          5 * time.Second,
			Password:     60 * time.Second,
			PasswordPoll: 100 * time.Millisecond,
			DeadlineTick: time.Second,
		},
		Limits: LimitsConfig{
			DiffThreshold:  30 * 1024,
			MaxReconnect:   5,
			RingSize:       64 * 1024,
			MuxBufferLimit: 256 * 1024,
			MuxPacketSize:  4 * 1024,
		},
	}
}

// ErrEmpty is returned by LoadFile for a file with no content, as seen
// when a reload races an editor that truncates before writing.
var ErrEmpty = errors.New("config file is empty")

// Load reads the file named by OUTPOST_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv("OUTPOST_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("OUTPOST_CONFIG environment variable not set; " +
			"set it to the path of your outpost.yaml, or use --config")
	}
	return LoadFile(path)
}

// LoadFile reads, expands, defaults and validates one config file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("loading %s: %w", path, ErrEmpty)
	}
	return Parse(data)
}

// Parse decodes YAML config content.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.expandVariables()
	cfg.fillZeroValues()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillZeroValues restores defaults for numeric fields a file set to
// zero and completes per-remote defaults.
func (c *Config) fillZeroValues() {
	defaults := Default()
	durations := []struct {
		value    *time.Duration
		fallback time.Duration
	}{
		{&c.Timeouts.Connect, defaults.Timeouts.Connect},
		{&c.Timeouts.Start, defaults.Timeouts.Start},
		{&c.Timeouts.RPC, defaults.Timeouts.RPC},
		{&c.Timeouts.Password, defaults.Timeouts.Password},
		{&c.Timeouts.PasswordPoll, defaults.Timeouts.PasswordPoll},
		{&c.Timeouts.DeadlineTick, defaults.Timeouts.DeadlineTick},
	}
	for _, d := range durations {
		if *d.value <= 0 {
			*d.value = d.fallback
		}
	}
	limits := []struct {
		value    *int
		fallback int
	}{
		{&c.Limits.DiffThreshold, defaults.Limits.DiffThreshold},
		{&c.Limits.MaxReconnect, defaults.Limits.MaxReconnect},
		{&c.Limits.RingSize, defaults.Limits.RingSize},
		{&c.Limits.MuxBufferLimit, defaults.Limits.MuxBufferLimit},
		{&c.Limits.MuxPacketSize, defaults.Limits.MuxPacketSize},
	}
	for _, l := range limits {
		if *l.value <= 0 {
			*l.value = l.fallback
		}
	}

	for i := range c.Remotes {
		remote := &c.Remotes[i]
		if remote.Type == "" {
			remote.Type = RemoteSSH
		}
		if remote.ConnectMode == "" {
			remote.ConnectMode = ConnectAuto
		}
		if remote.Type == RemoteSSH && remote.SSH.Port == 0 {
			remote.SSH.Port = 22
		}
		if remote.CanonicalName == "" {
			remote.CanonicalName = remote.defaultCanonicalName()
		}
		if remote.Alias == "" {
			remote.Alias = remote.ID
		}
	}
}

func (r *RemoteConfig) defaultCanonicalName() string {
	switch r.Type {
	case RemoteLocal:
		return "local"
	case RemoteSudo:
		return "sudo@local"
	}
	if r.SSH.User != "" {
		return r.SSH.User + "@" + r.SSH.Host
	}
	return r.SSH.Host
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["OUTPOST_ROOT"] = c.Paths.Root
	c.Paths.Database = expandVars(c.Paths.Database, vars)
	c.Paths.HelperDir = expandVars(c.Paths.HelperDir, vars)
	for i := range c.Remotes {
		c.Remotes[i].SSH.IdentityFile = expandVars(c.Remotes[i].SSH.IdentityFile, vars)
		c.Remotes[i].SSH.KnownHosts = expandVars(c.Remotes[i].SSH.KnownHosts, vars)
	}
}

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// Validate checks the configuration for errors, reporting all of them.
func (c *Config) Validate() error {
	var errs []error
	if c.Paths.Database == "" {
		errs = append(errs, fmt.Errorf("paths.database is required"))
	}

	ids := make(map[string]bool)
	aliases := make(map[string]bool)
	for i, remote := range c.Remotes {
		where := fmt.Sprintf("remotes[%d]", i)
		if remote.ID == "" {
			errs = append(errs, fmt.Errorf("%s: id is required", where))
		} else if ids[remote.ID] {
			errs = append(errs, fmt.Errorf("%s: duplicate id %q", where, remote.ID))
		}
		ids[remote.ID] = true
		if remote.Alias != "" {
			if aliases[remote.Alias] {
				errs = append(errs, fmt.Errorf("%s: duplicate alias %q", where, remote.Alias))
			}
			aliases[remote.Alias] = true
		}
		switch remote.Type {
		case RemoteLocal, RemoteSudo:
		case RemoteSSH:
			if remote.SSH.Host == "" {
				errs = append(errs, fmt.Errorf("%s: ssh.host is required for ssh remotes", where))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: type must be local, sudo or ssh, got %q", where, remote.Type))
		}
		switch remote.ConnectMode {
		case ConnectStartup, ConnectAuto, ConnectManual:
		default:
			errs = append(errs, fmt.Errorf("%s: connect_mode must be startup, auto or manual, got %q", where, remote.ConnectMode))
		}
	}
	return errors.Join(errs...)
}

// Remote returns the remote with the given id or alias.
func (c *Config) Remote(idOrAlias string) (RemoteConfig, bool) {
	for _, remote := range c.Remotes {
		if remote.ID == idOrAlias || remote.Alias == idOrAlias {
			return remote, true
		}
	}
	return RemoteConfig{}, false
}

// EnsurePaths creates the data directories.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, filepath.Dir(c.Paths.Database)} {
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
