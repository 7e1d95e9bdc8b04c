package provision

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cochaviz/archguest/internal/guest"
	"github.com/cochaviz/archguest/internal/pkgfile"
	"github.com/cochaviz/archguest/internal/recipes"
)

// fakeGuest is an in-memory Arch guest. Package files follow the
// name-pkgver-pkgrel-arch.pkg.tar.zst convention so the repository listing
// can be derived from the directory contents.
type fakeGuest struct {
	files     map[string][]byte
	installed PackageSet
	users     map[string]bool
	passwords map[string]string

	pingFailures int
	pings        int
	// buildOutputs maps a recipe directory base name to the package files the
	// build leaves behind.
	buildOutputs map[string][]string
	builds       []BuildSpec
	// partialInstall is added to the installed set before an injected install
	// failure.
	partialInstall []string
	unremovable    map[string]bool
	// fail keys are method names, "Build:<item>" or "WriteFile:<base name>".
	fail     map[string]error
	calls    []string
	installs [][]string
	writes   map[string]int
}

func newFakeGuest(conf string, installed ...string) *fakeGuest {
	return &fakeGuest{
		files:        map[string][]byte{DefaultConfigPath: []byte(conf)},
		installed:    NewPackageSet(installed...),
		users:        map[string]bool{},
		passwords:    map[string]string{},
		buildOutputs: map[string][]string{},
		unremovable:  map[string]bool{},
		fail:         map[string]error{},
		writes:       map[string]int{},
	}
}

func (f *fakeGuest) call(name string) error {
	f.calls = append(f.calls, name)
	return f.fail[name]
}

func (f *fakeGuest) Ping(context.Context) error {
	f.pings++
	if f.pings <= f.pingFailures {
		return errors.New("agent not connected")
	}
	return f.call("Ping")
}

func (f *fakeGuest) ReadFile(_ context.Context, name string) ([]byte, error) {
	if err := f.call("ReadFile"); err != nil {
		return nil, err
	}
	data, ok := f.files[name]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeGuest) WriteFile(_ context.Context, name string, data []byte, _ fs.FileMode) error {
	if err := f.call("WriteFile"); err != nil {
		return err
	}
	if err := f.fail["WriteFile:"+path.Base(name)]; err != nil {
		return err
	}
	f.writes[name]++
	f.files[name] = append([]byte(nil), data...)
	return nil
}

func (f *fakeGuest) MakeDir(context.Context, string) error { return f.call("MakeDir") }

func (f *fakeGuest) PathExists(_ context.Context, name string) (bool, error) {
	if err := f.call("PathExists"); err != nil {
		return false, err
	}
	if _, ok := f.files[name]; ok {
		return true, nil
	}
	for existing := range f.files {
		if strings.HasPrefix(existing, name+"/") {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeGuest) RemoveFiles(_ context.Context, names []string) error {
	if err := f.call("RemoveFiles"); err != nil {
		return err
	}
	for _, name := range names {
		for existing := range f.files {
			if existing == name || strings.HasPrefix(existing, name+"/") {
				delete(f.files, existing)
			}
		}
	}
	return nil
}

func (f *fakeGuest) ListFiles(_ context.Context, dir string) ([]string, error) {
	if err := f.call("ListFiles"); err != nil {
		return nil, err
	}
	var names []string
	for name := range f.files {
		if path.Dir(name) == dir {
			names = append(names, path.Base(name))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeGuest) Rename(_ context.Context, from, to string) error {
	if err := f.call("Rename"); err != nil {
		return err
	}
	data, ok := f.files[from]
	if !ok {
		return fs.ErrNotExist
	}
	delete(f.files, from)
	f.files[to] = data
	return nil
}

func (f *fakeGuest) CopyIn(_ context.Context, hostPath, guestDir string) error {
	if err := f.call("CopyIn"); err != nil {
		return err
	}
	base := filepath.Base(hostPath)
	f.files[path.Join(guestDir, base)] = []byte("copied from " + hostPath)
	return nil
}

func (f *fakeGuest) InstalledPackages(context.Context) (PackageSet, error) {
	if err := f.call("InstalledPackages"); err != nil {
		return nil, err
	}
	return NewPackageSet(f.installed.Names()...), nil
}

func (f *fakeGuest) InstallPackages(_ context.Context, names []string) error {
	f.installs = append(f.installs, append([]string(nil), names...))
	if err := f.call("InstallPackages"); err != nil {
		for _, name := range f.partialInstall {
			f.installed[name] = struct{}{}
		}
		return err
	}
	for _, name := range names {
		// repo/name targets install name
		f.installed[path.Base(name)] = struct{}{}
	}
	return nil
}

func (f *fakeGuest) RemovePackages(_ context.Context, names []string) error {
	if err := f.call("RemovePackages"); err != nil {
		return err
	}
	for _, name := range names {
		if f.unremovable[name] {
			return &guest.ExitError{Guest: "fake", ExitCode: 1, Stderr: "target is required by another package: " + name}
		}
	}
	for _, name := range names {
		delete(f.installed, name)
	}
	return nil
}

func (f *fakeGuest) RefreshDatabases(context.Context) error { return f.call("RefreshDatabases") }

func (f *fakeGuest) RepositoryPackages(_ context.Context, repo string) ([]string, error) {
	if err := f.call("RepositoryPackages"); err != nil {
		return nil, err
	}
	var dir string
	for name := range f.files {
		if strings.HasSuffix(name, "/"+repo+".db") {
			dir = path.Dir(name)
		}
	}
	if dir == "" {
		return nil, fmt.Errorf("database %s not found", repo)
	}
	var names []string
	for name := range f.files {
		if path.Dir(name) == dir && recipes.IsPackageFile(path.Base(name)) {
			names = append(names, packageNameFromFile(path.Base(name)))
		}
	}
	sort.Strings(names)
	return names, nil
}

func packageNameFromFile(file string) string {
	parsed, err := pkgfile.Parse(file)
	if err != nil {
		return file
	}
	return parsed.Name
}

func (f *fakeGuest) Build(_ context.Context, spec BuildSpec) error {
	f.builds = append(f.builds, spec)
	if err := f.call("Build:" + path.Base(spec.Dir)); err != nil {
		return err
	}
	if err := f.call("Build"); err != nil {
		return err
	}
	for _, file := range f.buildOutputs[path.Base(spec.Dir)] {
		f.files[path.Join(spec.Dir, file)] = []byte("package")
	}
	return nil
}

func (f *fakeGuest) MoveArtifacts(_ context.Context, fromDir, toDir string) ([]string, error) {
	if err := f.call("MoveArtifacts"); err != nil {
		return nil, err
	}
	var moved []string
	for name, data := range f.files {
		if path.Dir(name) != fromDir || !strings.Contains(path.Base(name), ".pkg.tar") || strings.HasSuffix(name, ".sig") {
			continue
		}
		dest := path.Join(toDir, path.Base(name))
		f.files[dest] = data
		delete(f.files, name)
		moved = append(moved, dest)
	}
	sort.Strings(moved)
	return moved, nil
}

func (f *fakeGuest) IndexRepository(_ context.Context, dir, name string) error {
	if err := f.call("IndexRepository"); err != nil {
		return err
	}
	f.files[path.Join(dir, name+".db")] = []byte("index")
	f.files[path.Join(dir, name+".db.tar.gz")] = []byte("index")
	return nil
}

func (f *fakeGuest) EnsureUser(_ context.Context, name string, _ UserOptions) (bool, error) {
	if err := f.call("EnsureUser"); err != nil {
		return false, err
	}
	if f.users[name] {
		return false, nil
	}
	f.users[name] = true
	return true, nil
}

func (f *fakeGuest) SetPassword(_ context.Context, name, password string) error {
	if err := f.call("SetPassword"); err != nil {
		return err
	}
	f.passwords[name] = password
	return nil
}

func (f *fakeGuest) RemoveUser(_ context.Context, name string) error {
	if err := f.call("RemoveUser"); err != nil {
		return err
	}
	delete(f.users, name)
	delete(f.passwords, name)
	return nil
}

func (f *fakeGuest) count(name string) int {
	n := 0
	for _, call := range f.calls {
		if call == name {
			n++
		}
	}
	return n
}

// fakeDriver only answers the lifecycle calls; guest operations go through
// the fakeGuest bound by the test.
type fakeDriver struct {
	guests     []guest.Info
	created    []string
	destroyed  []string
	destroyErr error
	createErr  error
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Create(_ context.Context, distribution string) error {
	d.created = append(d.created, distribution)
	return d.createErr
}

func (d *fakeDriver) Exec(context.Context, string, string) (guest.CommandResult, error) {
	return guest.CommandResult{}, errors.New("fakeDriver does not execute scripts")
}

func (d *fakeDriver) List(context.Context) ([]guest.Info, error) { return d.guests, nil }

func (d *fakeDriver) Destroy(_ context.Context, name string) error {
	d.destroyed = append(d.destroyed, name)
	return d.destroyErr
}

func (d *fakeDriver) CopyIn(context.Context, string, string, string) error {
	return errors.New("fakeDriver does not copy")
}

type stubStager struct {
	root   string
	staged []string
	err    map[string]error
}

func (s *stubStager) Stage(_ context.Context, runID, source string) (string, error) {
	if err := s.err[source]; err != nil {
		return "", err
	}
	base, err := recipes.ItemBaseName(source)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, runID, base)
	s.staged = append(s.staged, dir)
	return dir, nil
}

type memoryRuns struct {
	saved []Run
}

func (m *memoryRuns) Save(run Run) error {
	m.saved = append(m.saved, run)
	return nil
}

func (m *memoryRuns) states() []State {
	var states []State
	for _, run := range m.saved {
		if len(states) == 0 || states[len(states)-1] != run.State {
			states = append(states, run.State)
		}
	}
	return states
}
