package provision

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/cochaviz/archguest/internal/guest"
)

const baseConf = "[options]\nArchitecture = auto\n\n[core]\nInclude = /etc/pacman.d/mirrorlist\n\n[extra]\nInclude = /etc/pacman.d/mirrorlist\n"

const repoDir = "/var/cache/archguest/repo"

func testRun() *Run {
	run := NewRun("archlinux")
	run.Repository = RepositoryConfig{Name: "local", Dir: repoDir, Prepend: true}
	return run
}

func newTestProvisioner(t *testing.T, g *fakeGuest, run *Run) (*Provisioner, *fakeDriver, *memoryRuns) {
	t.Helper()
	driver := &fakeDriver{guests: []guest.Info{{Name: "archlinux", Running: true}}}
	runs := &memoryRuns{}
	stager := &stubStager{root: t.TempDir(), err: map[string]error{}}
	opts := Options{PollInterval: time.Millisecond, ResponsiveTimeout: time.Second}
	p := New(driver, stager, runs, run, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.connect = func(string) Guest { return g }
	return p, driver, runs
}

func TestExecuteProvisionsGuest(t *testing.T) {
	g := newFakeGuest(baseConf, "base", "pacman")
	g.buildOutputs["bar"] = []string{"bar-2.0-1-x86_64.pkg.tar.zst", "bar-2.0-1-x86_64.pkg.tar.zst.sig"}
	g.buildOutputs["baz"] = []string{"baz-0.1-1-any.pkg.tar.zst"}

	run := testRun()
	run.Packages = []string{"git", "vim", "git"}
	run.Prebuilt = []string{"/host/out/foo-1.0-1-x86_64.pkg.tar.zst"}
	run.BuildItems = []BuildItem{
		{Source: "/recipes/bar", Env: map[string]string{"CFLAGS": "-O2"}, Variant: BuildDirect},
		{Source: "https://example.com/baz.git", Variant: BuildHelperAssisted},
	}
	run.User = &UserSpec{Name: "alice", Password: "secret"}

	p, driver, runs := newTestProvisioner(t, g, run)
	if err := p.Execute(context.Background()); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	final := p.Run()
	if final.State != StateSuccess || !final.Succeeded {
		t.Fatalf("expected success, got state %s succeeded=%v", final.State, final.Succeeded)
	}
	if len(driver.destroyed) != 0 {
		t.Fatalf("guest must not be destroyed on success")
	}
	for _, pkg := range []string{"git", "vim", "foo", "bar", "baz"} {
		if !g.installed.Has(pkg) {
			t.Errorf("expected %s to be installed", pkg)
		}
	}
	if g.count("InstallPackages") != 2 {
		t.Fatalf("expected one install for requested packages and one for the local repository, got %d", g.count("InstallPackages"))
	}

	conf := string(g.files[DefaultConfigPath])
	if strings.Index(conf, "[local]") > strings.Index(conf, "[core]") || !strings.Contains(conf, "Server = file://"+repoDir) {
		t.Fatalf("local repository not prepended:\n%s", conf)
	}
	if _, ok := g.files[path.Join(repoDir, "bar-2.0-1-x86_64.pkg.tar.zst.sig")]; ok {
		t.Fatalf("signature files must not be collected")
	}

	if len(g.builds) != 2 {
		t.Fatalf("expected two builds, got %d", len(g.builds))
	}
	if g.builds[0].Helper != "" || g.builds[0].Env["CFLAGS"] != "-O2" || g.builds[0].User != DefaultBuildUser {
		t.Fatalf("unexpected direct build spec: %+v", g.builds[0])
	}
	if g.builds[1].Helper != DefaultHelper || g.builds[1].Dir != path.Join(DefaultBuildRoot, run.ID, "baz") {
		t.Fatalf("unexpected helper build spec: %+v", g.builds[1])
	}

	if !g.users["alice"] || g.passwords["alice"] != "secret" {
		t.Fatalf("user was not configured")
	}
	if _, ok := g.files[path.Join(DefaultSudoersDir, "10-archguest-alice")]; !ok {
		t.Fatalf("administrative grant missing")
	}
	stateDir := path.Join(DefaultStateRoot, run.ID)
	for _, name := range []string{"pacman.conf.before", "packages.before", "packages.after", "success"} {
		if _, ok := g.files[path.Join(stateDir, name)]; !ok {
			t.Errorf("missing run state file %s", name)
		}
	}
	if string(g.files[path.Join(stateDir, "pacman.conf.before")]) != baseConf {
		t.Fatalf("stored config snapshot differs from the original")
	}

	want := []State{StateCreated, StateWaitingResponsive, StateSnapshotting, StateInstalling, StateStagingLocalRepo, StateCreatingUser, StateSuccess}
	if got := runs.states(); strings.Join(statesToStrings(got), ",") != strings.Join(statesToStrings(want), ",") {
		t.Fatalf("unexpected state history %v", got)
	}
	if runs.saved[len(runs.saved)-1].FinishedAt == nil {
		t.Fatalf("final record should carry a finish time")
	}
}

func statesToStrings(states []State) []string {
	out := make([]string, len(states))
	for i, state := range states {
		out[i] = string(state)
	}
	return out
}

func TestExecuteInstallFailureRollsBack(t *testing.T) {
	g := newFakeGuest(baseConf, "base", "pacman")
	g.fail["InstallPackages"] = &guest.ExitError{Guest: "archlinux", ExitCode: 1, Stderr: "error: target not found: nosuchpkg"}
	g.partialInstall = []string{"libfoo"}

	run := testRun()
	run.Packages = []string{"nosuchpkg"}
	p, driver, _ := newTestProvisioner(t, g, run)

	err := p.Execute(context.Background())
	var installErr *InstallError
	if !errors.As(err, &installErr) {
		t.Fatalf("expected InstallError, got %v", err)
	}
	if installErr.ExitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", installErr.ExitCode)
	}
	final := p.Run()
	if final.State != StateRolledBack || final.Succeeded {
		t.Fatalf("expected rolled_back, got %s", final.State)
	}
	if got := g.installed.Names(); strings.Join(got, ",") != "base,pacman" {
		t.Fatalf("installed set not restored: %v", got)
	}
	if string(g.files[DefaultConfigPath]) != baseConf {
		t.Fatalf("config not restored")
	}
	if final.Rollback == nil || strings.Join(final.Rollback.RemovedPackages, ",") != "libfoo" {
		t.Fatalf("unexpected rollback report %+v", final.Rollback)
	}
	if len(driver.destroyed) != 0 {
		t.Fatalf("rolled back guest must not be destroyed")
	}
	if g.count("Build") != 0 {
		t.Fatalf("later steps must not run after a failure")
	}
}

func TestExecuteBuildFailureStopsAndRemovesEarlierArtifacts(t *testing.T) {
	g := newFakeGuest(baseConf, "base")
	g.buildOutputs["first"] = []string{"first-1-1-any.pkg.tar.zst"}
	g.fail["Build:second"] = &guest.ExitError{Guest: "archlinux", ExitCode: 4, Stderr: "==> ERROR: A failure occurred in build()."}

	run := testRun()
	run.BuildItems = []BuildItem{{Source: "/r/first"}, {Source: "/r/second"}, {Source: "/r/third"}}
	run.User = &UserSpec{Name: "alice", Password: "pw"}
	p, _, _ := newTestProvisioner(t, g, run)

	err := p.Execute(context.Background())
	var buildErr *BuildError
	if !errors.As(err, &buildErr) || buildErr.Item != "second" || buildErr.ExitCode != 4 {
		t.Fatalf("expected BuildError for second, got %v", err)
	}
	if len(g.builds) != 2 {
		t.Fatalf("third item must not be attempted, builds=%d", len(g.builds))
	}
	if p.Run().State != StateRolledBack {
		t.Fatalf("expected rolled_back, got %s", p.Run().State)
	}
	for name := range g.files {
		if strings.HasPrefix(name, repoDir+"/") || strings.HasPrefix(name, DefaultBuildRoot+"/") {
			t.Errorf("rollback left %s behind", name)
		}
		if strings.HasPrefix(name, DefaultSudoersDir+"/") {
			t.Errorf("rollback left grant %s behind", name)
		}
	}
	if g.users[DefaultBuildUser] || g.users["alice"] {
		t.Fatalf("accounts created by the run must be removed: %v", g.users)
	}
}

func TestRollbackKeepsPreexistingRepositoryContent(t *testing.T) {
	g := newFakeGuest(baseConf, "base")
	keep := path.Join(repoDir, "old-1-1-any.pkg.tar.zst")
	g.files[keep] = []byte("package")
	g.files[path.Join(repoDir, "local.db")] = []byte("index")
	g.fail["RefreshDatabases"] = errors.New("mirror unreachable")

	run := testRun()
	run.Prebuilt = []string{"/host/new-1-1-any.pkg.tar.zst", "/host/old-1-1-any.pkg.tar.zst"}
	p, _, _ := newTestProvisioner(t, g, run)

	var repoErr *RepositoryError
	if err := p.Execute(context.Background()); !errors.As(err, &repoErr) || repoErr.Step != "refresh" {
		t.Fatalf("expected refresh RepositoryError, got %v", err)
	}
	if string(g.files[keep]) != "package" {
		t.Fatalf("pre-existing package file was not restored: %q", g.files[keep])
	}
	if _, ok := g.files[path.Join(repoDir, "new-1-1-any.pkg.tar.zst")]; ok {
		t.Fatalf("copied package file survived rollback")
	}
	if g.count("IndexRepository") != 2 {
		t.Fatalf("expected the pre-existing index to be regenerated during rollback")
	}
}

func TestRollbackRestoresRepositoryFileReplacedByBuild(t *testing.T) {
	g := newFakeGuest(baseConf, "base")
	replaced := path.Join(repoDir, "bar-2.0-1-x86_64.pkg.tar.zst")
	g.files[replaced] = []byte("original bar")
	g.files[path.Join(repoDir, "local.db")] = []byte("index")
	g.buildOutputs["bar"] = []string{"bar-2.0-1-x86_64.pkg.tar.zst", "extra-1-1-any.pkg.tar.zst"}
	g.fail["SetPassword"] = errors.New("chpasswd failed")

	run := testRun()
	run.BuildItems = []BuildItem{{Source: "/recipes/bar"}}
	run.User = &UserSpec{Name: "alice", Password: "pw"}
	p, _, _ := newTestProvisioner(t, g, run)

	var userErr *UserError
	if err := p.Execute(context.Background()); !errors.As(err, &userErr) {
		t.Fatalf("expected UserError, got %v", err)
	}
	final := p.Run()
	if final.State != StateRolledBack {
		t.Fatalf("expected rolled_back, got %s", final.State)
	}
	if string(g.files[replaced]) != "original bar" {
		t.Fatalf("pre-existing artifact not restored: %q", g.files[replaced])
	}
	if _, ok := g.files[path.Join(repoDir, "extra-1-1-any.pkg.tar.zst")]; ok {
		t.Fatalf("new artifact survived rollback")
	}
	if len(final.Rollback.RestoredFiles) != 1 || final.Rollback.RestoredFiles[0] != replaced {
		t.Fatalf("unexpected restored files %v", final.Rollback.RestoredFiles)
	}
	for _, deleted := range final.Rollback.DeletedFiles {
		if deleted == replaced {
			t.Fatalf("restored file was also scheduled for deletion")
		}
	}
	for name := range g.files {
		if strings.Contains(name, "/repo.before/") {
			t.Errorf("backup %s left behind", name)
		}
	}
}

func TestLocalPackagesInstallFromLocalRepository(t *testing.T) {
	g := newFakeGuest(baseConf, "base")
	run := testRun()
	run.Repository.Prepend = false
	run.Prebuilt = []string{"/host/out/bar-1.0-1-x86_64.pkg.tar.zst"}
	p, _, _ := newTestProvisioner(t, g, run)

	if err := p.Execute(context.Background()); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	conf := string(g.files[DefaultConfigPath])
	if strings.Index(conf, "[local]") < strings.Index(conf, "[extra]") {
		t.Fatalf("repository should be appended:\n%s", conf)
	}
	last := g.installs[len(g.installs)-1]
	if strings.Join(last, ",") != "local/bar" {
		t.Fatalf("local install targets = %v, want [local/bar]", last)
	}
	if !g.installed.Has("bar") {
		t.Fatalf("bar not installed")
	}
}

func TestRunStateFilesAreWrittenOnce(t *testing.T) {
	g := newFakeGuest(baseConf, "base")
	g.fail["WriteFile:success"] = errors.New("disk full")
	run := testRun()
	run.Packages = []string{"git"}
	p, _, _ := newTestProvisioner(t, g, run)

	if err := p.Execute(context.Background()); err == nil {
		t.Fatalf("expected failure when the success marker cannot be written")
	}
	if p.Run().State != StateRolledBack {
		t.Fatalf("expected rolled_back, got %s", p.Run().State)
	}
	after := path.Join(DefaultStateRoot, run.ID, "packages.after")
	if g.writes[after] != 1 {
		t.Fatalf("packages.after written %d times", g.writes[after])
	}
}

func TestBuildDirectoryTrackedOnce(t *testing.T) {
	g := newFakeGuest(baseConf, "base")
	g.buildOutputs["one"] = []string{"one-1-1-any.pkg.tar.zst"}
	g.buildOutputs["two"] = []string{"two-1-1-any.pkg.tar.zst"}
	run := testRun()
	run.BuildItems = []BuildItem{{Source: "/r/one"}, {Source: "/r/two"}}
	p, _, _ := newTestProvisioner(t, g, run)

	if err := p.Execute(context.Background()); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	buildDir := path.Join(DefaultBuildRoot, run.ID)
	n := 0
	for _, file := range p.changes.Files {
		if file == buildDir {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("build directory tracked %d times", n)
	}
}

func TestRollbackToleratesUnremovablePackages(t *testing.T) {
	g := newFakeGuest(baseConf, "base")
	g.unremovable["stubborn"] = true

	run := testRun()
	run.Packages = []string{"stubborn", "easy"}
	run.User = &UserSpec{Name: "Bad User"}
	p, driver, _ := newTestProvisioner(t, g, run)

	var userErr *UserError
	if err := p.Execute(context.Background()); !errors.As(err, &userErr) {
		t.Fatalf("expected UserError, got %v", err)
	}
	final := p.Run()
	if final.State != StateRolledBack {
		t.Fatalf("unremovable packages must not escalate, state=%s", final.State)
	}
	if len(driver.destroyed) != 0 {
		t.Fatalf("guest destroyed unexpectedly")
	}
	if strings.Join(final.Rollback.UnremovedPackages, ",") != "stubborn" || strings.Join(final.Rollback.RemovedPackages, ",") != "easy" {
		t.Fatalf("unexpected rollback report %+v", final.Rollback)
	}
}

func TestFailedRollbackDestroysGuest(t *testing.T) {
	g := newFakeGuest(baseConf, "base")
	g.fail["CopyIn"] = errors.New("transfer failed")
	g.fail["RemoveFiles"] = errors.New("read-only file system")

	run := testRun()
	run.Prebuilt = []string{"/host/foo-1-1-any.pkg.tar.zst"}
	p, driver, _ := newTestProvisioner(t, g, run)

	err := p.Execute(context.Background())
	var rbErr *RollbackError
	if !errors.As(err, &rbErr) {
		t.Fatalf("expected RollbackError in %v", err)
	}
	var repoErr *RepositoryError
	if !errors.As(err, &repoErr) {
		t.Fatalf("original failure must be preserved in %v", err)
	}
	if p.Run().State != StateDestroyed {
		t.Fatalf("expected destroyed, got %s", p.Run().State)
	}
	if len(driver.destroyed) != 1 || driver.destroyed[0] != "archlinux" {
		t.Fatalf("expected guest to be destroyed, got %v", driver.destroyed)
	}
}

func TestFailedDestroyIsReported(t *testing.T) {
	g := newFakeGuest(baseConf, "base")
	g.fail["InstallPackages"] = errors.New("pacman crashed")
	g.fail["RemoveFiles"] = errors.New("disk gone")

	run := testRun()
	run.Packages = []string{"vim"}
	p, driver, _ := newTestProvisioner(t, g, run)
	p.changes.Files = []string{"/tmp/leftover"}
	driver.destroyErr = errors.New("permission denied")

	err := p.Execute(context.Background())
	var destroyErr *DestroyError
	if !errors.As(err, &destroyErr) {
		t.Fatalf("expected DestroyError in %v", err)
	}
	if p.Run().State != StateDestroyFailed {
		t.Fatalf("expected destroy_failed, got %s", p.Run().State)
	}
}

func TestUnresponsiveGuestAbortsWithoutRollback(t *testing.T) {
	g := newFakeGuest(baseConf, "base")
	run := testRun()
	p, driver, _ := newTestProvisioner(t, g, run)
	driver.guests = nil
	p.opts.ResponsiveTimeout = 20 * time.Millisecond

	err := p.Execute(context.Background())
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if !errors.Is(err, guest.ErrGuestNotFound) {
		t.Fatalf("timeout should carry the last probe error, got %v", err)
	}
	if p.Run().State != StateAborted {
		t.Fatalf("expected aborted, got %s", p.Run().State)
	}
	if len(driver.destroyed) != 0 || len(g.calls) != 0 {
		t.Fatalf("nothing may touch an unresponsive guest: calls=%v destroyed=%v", g.calls, driver.destroyed)
	}
}

func TestWaitUntilResponsiveRetriesPing(t *testing.T) {
	g := newFakeGuest(baseConf)
	g.pingFailures = 3
	p, _, _ := newTestProvisioner(t, g, testRun())

	name, err := p.WaitUntilResponsive(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("WaitUntilResponsive returned error: %v", err)
	}
	if name != "archlinux" || g.pings != 4 {
		t.Fatalf("unexpected result name=%q pings=%d", name, g.pings)
	}
}

func TestWaitUntilResponsiveHonoursCancellation(t *testing.T) {
	g := newFakeGuest(baseConf)
	g.pingFailures = 1 << 30
	p, _, _ := newTestProvisioner(t, g, testRun())
	p.opts.PollInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.WaitUntilResponsive(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		t.Fatalf("cancellation must not be reported as a timeout")
	}
}

func TestCreateFailureAborts(t *testing.T) {
	g := newFakeGuest(baseConf)
	p, driver, _ := newTestProvisioner(t, g, testRun())
	p.opts.CreateGuest = true
	driver.createErr = errors.New("distribution not available")

	var createErr *CreateError
	if err := p.Execute(context.Background()); !errors.As(err, &createErr) {
		t.Fatalf("expected CreateError, got %v", err)
	}
	if p.Run().State != StateAborted || len(driver.destroyed) != 0 {
		t.Fatalf("create failure must abort without destroy")
	}
}

func TestSnapshotFailureAborts(t *testing.T) {
	g := newFakeGuest(baseConf)
	g.fail["InstalledPackages"] = errors.New("database locked")
	p, driver, _ := newTestProvisioner(t, g, testRun())

	var snapErr *SnapshotError
	if err := p.Execute(context.Background()); !errors.As(err, &snapErr) {
		t.Fatalf("expected SnapshotError, got %v", err)
	}
	if p.Run().State != StateAborted || len(driver.destroyed) != 0 || g.count("InstallPackages") != 0 {
		t.Fatalf("snapshot failure must abort before any mutation")
	}
}

func TestCreateUserIsIdempotent(t *testing.T) {
	g := newFakeGuest(baseConf)
	p, _, _ := newTestProvisioner(t, g, testRun())
	if _, err := p.WaitUntilResponsive(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := p.CreateUser(context.Background(), "alice", "pw"); err != nil {
			t.Fatalf("CreateUser #%d: %v", i+1, err)
		}
	}
	if g.count("SetPassword") != 2 {
		t.Fatalf("password should be reapplied every time")
	}
	if len(p.changes.Users) != 1 || len(p.changes.Files) != 1 {
		t.Fatalf("second call must not record new changes: %+v", p.changes)
	}
}

func TestDestroyRequiresRollbackAttempt(t *testing.T) {
	p, driver, _ := newTestProvisioner(t, newFakeGuest(baseConf), testRun())
	if err := p.DestroyGuest(context.Background()); !errors.Is(err, errRollbackNotAttempted) {
		t.Fatalf("expected refusal, got %v", err)
	}
	if len(driver.destroyed) != 0 {
		t.Fatalf("guest destroyed without rollback")
	}
}

func TestRollbackWithoutSnapshotFails(t *testing.T) {
	p, _, _ := newTestProvisioner(t, newFakeGuest(baseConf), testRun())
	_, err := p.Rollback(context.Background())
	if !errors.Is(err, errNoSnapshot) {
		t.Fatalf("expected errNoSnapshot, got %v", err)
	}
}

func TestNoopStepsSkipGuestMutations(t *testing.T) {
	g := newFakeGuest(baseConf, "base")
	p, _, _ := newTestProvisioner(t, g, testRun())
	if err := p.Execute(context.Background()); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if g.count("InstallPackages") != 0 || g.count("IndexRepository") != 0 || g.count("EnsureUser") != 0 {
		t.Fatalf("empty run should not touch packages, repository or users: %v", g.calls)
	}
	if string(g.files[DefaultConfigPath]) != baseConf {
		t.Fatalf("config must be untouched")
	}
}
