package provision

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// BuildVariant selects how a recipe is built inside the guest.
type BuildVariant string

const (
	// BuildDirect runs makepkg on the recipe.
	BuildDirect BuildVariant = "direct"
	// BuildHelperAssisted runs the configured AUR helper, which can also build
	// dependencies that only exist in the AUR.
	BuildHelperAssisted BuildVariant = "helper"
)

// BuildItem is a local or remote recipe built inside the guest.
type BuildItem struct {
	Source  string            `json:"source"`
	Env     map[string]string `json:"env,omitempty"`
	Flags   []string          `json:"flags,omitempty"`
	Variant BuildVariant      `json:"variant"`
}

// RepositoryConfig describes the local pacman repository inside the guest.
type RepositoryConfig struct {
	Name     string `json:"name"`
	Dir      string `json:"dir"`
	SigLevel string `json:"sig_level"`
	// Prepend places the stanza ahead of every other repository so packages
	// from the local repository win over same-named official ones.
	Prepend bool `json:"prepend"`
}

// UserSpec is the administrative account created at the end of a run.
type UserSpec struct {
	Name     string `json:"name"`
	Password string `json:"-"`
}

// Run is one attempt to provision a guest.
type Run struct {
	ID           string           `json:"id"`
	Driver       string           `json:"driver"`
	Distribution string           `json:"distribution"`
	Guest        string           `json:"guest,omitempty"`
	Packages     []string         `json:"packages,omitempty"`
	Prebuilt     []string         `json:"prebuilt,omitempty"`
	BuildItems   []BuildItem      `json:"build_items,omitempty"`
	Repository   RepositoryConfig `json:"repository"`
	User         *UserSpec        `json:"user,omitempty"`

	State      State           `json:"state"`
	Succeeded  bool            `json:"succeeded"`
	Error      string          `json:"error,omitempty"`
	Rollback   *RollbackReport `json:"rollback,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// NewRun returns a run in the created state with a fresh identifier.
func NewRun(distribution string) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:           uuid.NewString(),
		Distribution: distribution,
		State:        StateCreated,
		StartedAt:    now,
		UpdatedAt:    now,
	}
}

// PackageSet is a set of installed package names.
type PackageSet map[string]struct{}

// NewPackageSet builds a set from names.
func NewPackageSet(names ...string) PackageSet {
	set := make(PackageSet, len(names))
	for _, name := range names {
		if name != "" {
			set[name] = struct{}{}
		}
	}
	return set
}

// Has reports whether name is in the set.
func (s PackageSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the sorted members.
func (s PackageSet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Difference returns the sorted members of s that are not in other.
func (s PackageSet) Difference(other PackageSet) []string {
	var diff []string
	for name := range s {
		if !other.Has(name) {
			diff = append(diff, name)
		}
	}
	sort.Strings(diff)
	return diff
}

// Snapshot is the guest state captured before the first mutation.
type Snapshot struct {
	ConfigPath string
	Config     []byte
	Installed  PackageSet
	TakenAt    time.Time
}
