// Package config loads the run file that describes what to provision.
package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cochaviz/archguest/internal/guest"
	"github.com/cochaviz/archguest/internal/provision"
	"github.com/cochaviz/archguest/internal/recipes"
)

const (
	// AppName prefixes environment overrides and names the config directory.
	AppName = "archguest"
	// FileName is the run file name without extension.
	FileName = "archguest"

	DriverWSL     = "wsl"
	DriverLibvirt = "libvirt"
)

// File is the decoded run file.
type File struct {
	Distribution string   `mapstructure:"distribution"`
	Guest        string   `mapstructure:"guest"`
	Driver       string   `mapstructure:"driver"`
	Create       bool     `mapstructure:"create"`
	Packages     []string `mapstructure:"packages"`

	Prebuilt    []string    `mapstructure:"prebuilt"`
	PrebuiltDir string      `mapstructure:"prebuilt_dir"`
	RecipesDir  string      `mapstructure:"recipes_dir"`
	BuildItems  []BuildItem `mapstructure:"build_items"`

	Repository Repository `mapstructure:"repository"`
	User       User       `mapstructure:"user"`

	Timeouts Timeouts `mapstructure:"timeouts"`
	Poll     Poll     `mapstructure:"poll"`

	WorkDir   string `mapstructure:"work_dir"`
	StateDir  string `mapstructure:"state_dir"`
	BuildUser string `mapstructure:"build_user"`
	Helper    string `mapstructure:"helper"`

	Libvirt Libvirt `mapstructure:"libvirt"`

	// Path is the file the configuration was read from, if any.
	Path string `mapstructure:"-"`
}

// BuildItem is one recipe to build. Env entries are KEY=VALUE pairs; a list
// keeps variable names case-sensitive.
type BuildItem struct {
	Source string   `mapstructure:"source"`
	Env    []string `mapstructure:"env"`
	Flags  []string `mapstructure:"flags"`
	Helper bool     `mapstructure:"helper"`
}

type Repository struct {
	Name     string `mapstructure:"name"`
	Dir      string `mapstructure:"dir"`
	SigLevel string `mapstructure:"sig_level"`
	Prepend  bool   `mapstructure:"prepend"`
}

type User struct {
	Name     string `mapstructure:"name"`
	Password string `mapstructure:"password"`
}

type Timeouts struct {
	Responsive time.Duration `mapstructure:"responsive"`
	Rollback   time.Duration `mapstructure:"rollback"`
	Run        time.Duration `mapstructure:"run"`
}

type Poll struct {
	Interval time.Duration `mapstructure:"interval"`
	Jitter   time.Duration `mapstructure:"jitter"`
}

type Libvirt struct {
	URI    string `mapstructure:"uri"`
	Bridge string `mapstructure:"bridge"`
}

// Default returns the configuration used for keys the run file leaves out.
func Default() File {
	return File{
		Distribution: "archlinux",
		Driver:       DriverWSL,
		Create:       true,
		Repository: Repository{
			Name:     "archguest",
			Dir:      "/var/cache/archguest/repo",
			SigLevel: provision.DefaultSigLevel,
			Prepend:  true,
		},
		Timeouts: Timeouts{
			Responsive: provision.DefaultResponsiveTimeout,
			Rollback:   provision.DefaultRollbackTimeout,
			Run:        2 * time.Hour,
		},
		Poll: Poll{
			Interval: provision.DefaultPollInterval,
			Jitter:   provision.DefaultPollJitter,
		},
		WorkDir:   filepath.Join(userDir(os.UserCacheDir, ".cache"), AppName),
		StateDir:  filepath.Join(userDir(stateHome, ".local/state"), AppName),
		BuildUser: provision.DefaultBuildUser,
		Helper:    provision.DefaultHelper,
		Libvirt: Libvirt{
			URI:    guest.DefaultConnectionURI,
			Bridge: "virbr0",
		},
	}
}

func stateHome() (string, error) {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return dir, nil
	}
	return "", errors.New("XDG_STATE_HOME not set")
}

func userDir(lookup func() (string, error), fallback string) string {
	if dir, err := lookup(); err == nil && dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, fallback)
	}
	return filepath.Join(os.TempDir(), fallback)
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("distribution", d.Distribution)
	v.SetDefault("guest", d.Guest)
	v.SetDefault("driver", d.Driver)
	v.SetDefault("create", d.Create)
	v.SetDefault("packages", d.Packages)
	v.SetDefault("prebuilt", d.Prebuilt)
	v.SetDefault("prebuilt_dir", d.PrebuiltDir)
	v.SetDefault("recipes_dir", d.RecipesDir)
	v.SetDefault("repository.name", d.Repository.Name)
	v.SetDefault("repository.dir", d.Repository.Dir)
	v.SetDefault("repository.sig_level", d.Repository.SigLevel)
	v.SetDefault("repository.prepend", d.Repository.Prepend)
	v.SetDefault("user.name", d.User.Name)
	v.SetDefault("user.password", d.User.Password)
	v.SetDefault("timeouts.responsive", d.Timeouts.Responsive)
	v.SetDefault("timeouts.rollback", d.Timeouts.Rollback)
	v.SetDefault("timeouts.run", d.Timeouts.Run)
	v.SetDefault("poll.interval", d.Poll.Interval)
	v.SetDefault("poll.jitter", d.Poll.Jitter)
	v.SetDefault("work_dir", d.WorkDir)
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("build_user", d.BuildUser)
	v.SetDefault("helper", d.Helper)
	v.SetDefault("libvirt.uri", d.Libvirt.URI)
	v.SetDefault("libvirt.bridge", d.Libvirt.Bridge)
}

// Load reads the run file. With an empty path the file is looked up as
// archguest.yaml in the working directory and then in the user config
// directory; finding none is not an error. ARCHGUEST_* variables override
// file values (ARCHGUEST_USER_PASSWORD for user.password).
func Load(configPath string) (*File, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(AppName)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, AppName))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg File
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolvePaths makes host paths relative to the run file's directory.
func (c *File) resolvePaths() {
	base := "."
	if c.Path != "" {
		base = filepath.Dir(c.Path)
	}
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) || recipes.IsGitSource(p) {
			return p
		}
		if p == "~" || strings.HasPrefix(p, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				return filepath.Join(home, strings.TrimPrefix(p, "~"))
			}
			return p
		}
		return filepath.Join(base, p)
	}
	c.PrebuiltDir = resolve(c.PrebuiltDir)
	c.RecipesDir = resolve(c.RecipesDir)
	c.WorkDir = resolve(c.WorkDir)
	c.StateDir = resolve(c.StateDir)
	for i := range c.Prebuilt {
		c.Prebuilt[i] = resolve(c.Prebuilt[i])
	}
	for i := range c.BuildItems {
		c.BuildItems[i].Source = resolve(c.BuildItems[i].Source)
	}
}

// Validate reports every problem in the configuration at once.
func (c *File) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Distribution) == "" {
		add("distribution is required")
	}
	switch c.Driver {
	case DriverWSL, DriverLibvirt:
	default:
		add("driver must be %q or %q, got %q", DriverWSL, DriverLibvirt, c.Driver)
	}
	for _, pkg := range c.Packages {
		if pkg == "" || strings.HasPrefix(pkg, "-") || strings.ContainsAny(pkg, " \t\n") {
			add("invalid package name %q", pkg)
		}
	}

	if !provision.ValidRepositoryName(c.Repository.Name) {
		add("invalid repository name %q", c.Repository.Name)
	}
	if !path.IsAbs(c.Repository.Dir) {
		add("repository.dir must be an absolute guest path, got %q", c.Repository.Dir)
	}
	if strings.ContainsAny(c.Repository.SigLevel, "\n") {
		add("repository.sig_level must be a single line")
	}

	seen := map[string]int{}
	for i, item := range c.BuildItems {
		if strings.TrimSpace(item.Source) == "" {
			add("build_items[%d]: source is required", i)
			continue
		}
		base, err := recipes.ItemBaseName(item.Source)
		if err != nil {
			add("build_items[%d]: %v", i, err)
		} else if prev, dup := seen[base]; dup {
			add("build_items[%d]: %q is staged as %s, same as build_items[%d]", i, item.Source, base, prev)
		} else {
			seen[base] = i
		}
		if _, err := parseEnv(item.Env); err != nil {
			add("build_items[%d]: %v", i, err)
		}
	}

	if c.User.Name != "" {
		if !provision.ValidUserName(c.User.Name) {
			add("invalid user name %q", c.User.Name)
		}
		if c.User.Password == "" {
			add("user.password is required when user.name is set (ARCHGUEST_USER_PASSWORD)")
		}
	}
	if c.BuildUser != "" && !provision.ValidUserName(c.BuildUser) {
		add("invalid build_user %q", c.BuildUser)
	}

	if c.Timeouts.Responsive <= 0 {
		add("timeouts.responsive must be positive")
	}
	if c.Timeouts.Rollback <= 0 {
		add("timeouts.rollback must be positive")
	}
	if c.Timeouts.Run < 0 {
		add("timeouts.run must not be negative")
	}
	if c.Poll.Interval <= 0 {
		add("poll.interval must be positive")
	}
	if c.Poll.Jitter < 0 {
		add("poll.jitter must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func parseEnv(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(entries))
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !provision.ValidEnvName(key) {
			return nil, fmt.Errorf("env entry %q must look like NAME=value", entry)
		}
		env[key] = value
	}
	return env, nil
}

// ResolveBuildItems returns the explicit build items followed by every recipe
// found in RecipesDir that is not already listed.
func (c *File) ResolveBuildItems() ([]provision.BuildItem, error) {
	var items []provision.BuildItem
	seen := make(map[string]bool)
	for _, item := range c.BuildItems {
		env, err := parseEnv(item.Env)
		if err != nil {
			return nil, err
		}
		variant := provision.BuildDirect
		if item.Helper {
			variant = provision.BuildHelperAssisted
		}
		items = append(items, provision.BuildItem{Source: item.Source, Env: env, Flags: item.Flags, Variant: variant})
		if base, err := recipes.ItemBaseName(item.Source); err == nil {
			seen[base] = true
		}
	}

	found, err := recipes.Discover(c.RecipesDir)
	if err != nil {
		return nil, err
	}
	for _, recipe := range found {
		if seen[recipe.Name] {
			continue
		}
		items = append(items, provision.BuildItem{Source: recipe.Dir, Variant: provision.BuildDirect})
	}
	return items, nil
}

// ResolvePrebuilt returns the explicit prebuilt files followed by the
// package archives found in PrebuiltDir.
func (c *File) ResolvePrebuilt() ([]string, error) {
	files := append([]string(nil), c.Prebuilt...)
	found, err := recipes.DiscoverArtifacts(c.PrebuiltDir)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(files))
	for _, file := range files {
		seen[file] = true
	}
	for _, file := range found {
		if !seen[file] {
			files = append(files, file)
		}
	}
	return files, nil
}

// RepositoryConfig converts the repository section.
func (c *File) RepositoryConfig() provision.RepositoryConfig {
	return provision.RepositoryConfig{
		Name:     c.Repository.Name,
		Dir:      c.Repository.Dir,
		SigLevel: c.Repository.SigLevel,
		Prepend:  c.Repository.Prepend,
	}
}

// NewRun assembles a run from the configuration.
func (c *File) NewRun() (*provision.Run, error) {
	items, err := c.ResolveBuildItems()
	if err != nil {
		return nil, err
	}
	prebuilt, err := c.ResolvePrebuilt()
	if err != nil {
		return nil, err
	}
	run := provision.NewRun(c.Distribution)
	run.Driver = c.Driver
	run.Guest = c.Guest
	run.Packages = append([]string(nil), c.Packages...)
	run.Prebuilt = prebuilt
	run.BuildItems = items
	run.Repository = c.RepositoryConfig()
	if c.User.Name != "" {
		run.User = &provision.UserSpec{Name: c.User.Name, Password: c.User.Password}
	}
	return run, nil
}

// ProvisionOptions converts the tuning knobs.
func (c *File) ProvisionOptions() provision.Options {
	return provision.Options{
		CreateGuest:       c.Create,
		PollInterval:      c.Poll.Interval,
		PollJitter:        c.Poll.Jitter,
		ResponsiveTimeout: c.Timeouts.Responsive,
		RollbackTimeout:   c.Timeouts.Rollback,
		BuildUser:         c.BuildUser,
		Helper:            c.Helper,
	}
}
