// Package summary renders what a provisioning run would do without touching
// the guest.
package summary

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/cochaviz/archguest/internal/pkgfile"
	"github.com/cochaviz/archguest/internal/provision"
	"github.com/cochaviz/archguest/internal/recipes"
)

// Document is the dry-run report.
type Document struct {
	RunID        string     `yaml:"run_id" json:"run_id"`
	Driver       string     `yaml:"driver" json:"driver"`
	Distribution string     `yaml:"distribution" json:"distribution"`
	Guest        string     `yaml:"guest" json:"guest"`
	Packages     []string   `yaml:"packages" json:"packages"`
	Artifacts    []Artifact `yaml:"artifacts" json:"artifacts"`
	BuildItems   []Item     `yaml:"build_items" json:"build_items"`
	Repository   Repository `yaml:"repository" json:"repository"`
	User         string     `yaml:"user,omitempty" json:"user,omitempty"`
	Warnings     []string   `yaml:"warnings,omitempty" json:"warnings,omitempty"`
}

// Artifact is a prebuilt package that would be copied into the repository.
type Artifact struct {
	Name    string `yaml:"name" json:"name"`
	Path    string `yaml:"path" json:"path"`
	Package string `yaml:"package,omitempty" json:"package,omitempty"`
	Version string `yaml:"version,omitempty" json:"version,omitempty"`
	Arch    string `yaml:"arch,omitempty" json:"arch,omitempty"`
	Size    int64  `yaml:"size" json:"size"`
	SHA256  string `yaml:"sha256" json:"sha256"`
}

// Item is a recipe that would be built.
type Item struct {
	Name     string            `yaml:"name" json:"name"`
	Source   string            `yaml:"source" json:"source"`
	Kind     string            `yaml:"kind" json:"kind"`
	Variant  string            `yaml:"variant" json:"variant"`
	Env      map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Flags    []string          `yaml:"flags,omitempty" json:"flags,omitempty"`
	Pkgbase  string            `yaml:"pkgbase,omitempty" json:"pkgbase,omitempty"`
	Version  string            `yaml:"version,omitempty" json:"version,omitempty"`
	Provides []string          `yaml:"packages,omitempty" json:"packages,omitempty"`
}

// Repository describes the local repository and the stanza that would be
// registered for it.
type Repository struct {
	Name     string `yaml:"name" json:"name"`
	Dir      string `yaml:"dir" json:"dir"`
	SigLevel string `yaml:"sig_level" json:"sig_level"`
	Prepend  bool   `yaml:"prepend" json:"prepend"`
	Stanza   string `yaml:"stanza" json:"stanza"`
}

// Build inspects the host-side inputs of run. Artifacts are hashed and
// recipes are read concurrently; nothing is written anywhere.
func Build(ctx context.Context, run *provision.Run) (Document, error) {
	doc := Document{
		RunID:        run.ID,
		Driver:       run.Driver,
		Distribution: run.Distribution,
		Guest:        run.Guest,
		Packages:     append([]string{}, run.Packages...),
		Artifacts:    make([]Artifact, len(run.Prebuilt)),
		BuildItems:   make([]Item, len(run.BuildItems)),
		Repository: Repository{
			Name:     run.Repository.Name,
			Dir:      run.Repository.Dir,
			SigLevel: run.Repository.SigLevel,
			Prepend:  run.Repository.Prepend,
			Stanza:   provision.RepositoryStanza(run.Repository),
		},
	}
	if doc.Guest == "" {
		doc.Guest = run.Distribution
	}
	if doc.Repository.SigLevel == "" {
		doc.Repository.SigLevel = provision.DefaultSigLevel
	}
	if run.User != nil {
		doc.User = run.User.Name
	}

	artifactWarnings := make([]string, len(run.Prebuilt))
	warnings := make([][]string, len(run.BuildItems))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.NumCPU())

	for i, file := range run.Prebuilt {
		eg.Go(func() error {
			artifact, warning, err := describeArtifact(ctx, file, pkgfile.Native())
			if err != nil {
				return err
			}
			doc.Artifacts[i] = artifact
			artifactWarnings[i] = warning
			return nil
		})
	}
	for i, item := range run.BuildItems {
		eg.Go(func() error {
			described, itemWarnings := describeItem(item)
			doc.BuildItems[i] = described
			warnings[i] = itemWarnings
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Document{}, err
	}

	for _, w := range artifactWarnings {
		if w != "" {
			doc.Warnings = append(doc.Warnings, w)
		}
	}
	for _, w := range warnings {
		doc.Warnings = append(doc.Warnings, w...)
	}
	if len(doc.Packages) == 0 && len(doc.Artifacts) == 0 && len(doc.BuildItems) == 0 {
		doc.Warnings = append(doc.Warnings, "nothing to install: no packages, prebuilt artifacts or build items")
	}
	doc.Warnings = append(doc.Warnings, duplicateNames(doc.BuildItems)...)
	return doc, nil
}

// describeArtifact hashes file. The returned warning is non-empty when the
// file cannot be read or its name does not describe a package host can
// install. Only cancellation is an error.
func describeArtifact(ctx context.Context, file string, host pkgfile.Architecture) (Artifact, string, error) {
	artifact := Artifact{Name: filepath.Base(file), Path: file}
	f, err := os.Open(file)
	if err != nil {
		return artifact, fmt.Sprintf("%s: cannot read artifact: %v", artifact.Name, err), nil
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, readerWithContext{ctx: ctx, r: f})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Artifact{}, "", ctxErr
		}
		return artifact, fmt.Sprintf("%s: cannot hash artifact: %v", artifact.Name, err), nil
	}
	artifact.Size = size
	artifact.SHA256 = hex.EncodeToString(h.Sum(nil))

	parsed, err := pkgfile.Parse(file)
	if err != nil {
		return artifact, err.Error(), nil
	}
	artifact.Package = parsed.Name
	artifact.Version = parsed.Version
	artifact.Arch = parsed.Arch.String()
	if host != "" && !parsed.Arch.Compatible(host) {
		return artifact, fmt.Sprintf("%s: built for %s, host is %s", artifact.Name, parsed.Arch, host), nil
	}
	return artifact, "", nil
}

type readerWithContext struct {
	ctx context.Context
	r   io.Reader
}

func (r readerWithContext) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// describeItem never fails; problems with a recipe become warnings.
func describeItem(item provision.BuildItem) (Item, []string) {
	variant := item.Variant
	if variant == "" {
		variant = provision.BuildDirect
	}
	name, err := recipes.ItemBaseName(item.Source)
	if err != nil {
		invalid := Item{Source: item.Source, Kind: "invalid", Variant: string(variant)}
		return invalid, []string{fmt.Sprintf("%s: %v", item.Source, err)}
	}
	described := Item{
		Name:    name,
		Source:  item.Source,
		Kind:    "local",
		Variant: string(variant),
		Env:     item.Env,
		Flags:   item.Flags,
	}
	if recipes.IsGitSource(item.Source) {
		described.Kind = "git"
		return described, nil
	}

	var warnings []string
	if _, err := os.Stat(filepath.Join(item.Source, "PKGBUILD")); err != nil {
		warnings = append(warnings, fmt.Sprintf("%s: no PKGBUILD in %s", name, item.Source))
		return described, warnings
	}
	recipe := recipes.Recipe{Name: name, Dir: item.Source}
	ok, err := recipes.LoadSrcinfo(&recipe)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("%s: %v", name, err))
	} else if !ok {
		warnings = append(warnings, fmt.Sprintf("%s: no .SRCINFO, package names unknown until built", name))
	}
	described.Pkgbase = recipe.Pkgbase
	described.Version = recipe.Version
	described.Provides = recipe.Packages
	return described, warnings
}

func duplicateNames(items []Item) []string {
	counts := make(map[string]int)
	for _, item := range items {
		if item.Name != "" {
			counts[item.Name]++
		}
	}
	var warnings []string
	for name, n := range counts {
		if n > 1 {
			warnings = append(warnings, fmt.Sprintf("%s: %d build items share this name and would overwrite each other's staging directory", name, n))
		}
	}
	sort.Strings(warnings)
	return warnings
}

// Write renders doc as "yaml" (the default) or "json".
func Write(w io.Writer, doc Document, format string) error {
	switch strings.ToLower(format) {
	case "", "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	default:
		return fmt.Errorf("unknown summary format %q", format)
	}
}
