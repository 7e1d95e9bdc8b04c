package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cochaviz/archguest/internal/guest"
	"github.com/cochaviz/archguest/internal/recipes"
)

const (
	DefaultPollInterval      = 2 * time.Second
	DefaultPollJitter        = 500 * time.Millisecond
	DefaultResponsiveTimeout = 5 * time.Minute
	DefaultRollbackTimeout   = 30 * time.Minute
	DefaultConfigPath        = "/etc/pacman.conf"
	DefaultStateRoot         = "/var/lib/archguest/runs"
	DefaultBuildRoot         = "/var/tmp/archguest/build"
	DefaultSudoersDir        = "/etc/sudoers.d"
	DefaultBuildUser         = "archguest-build"
	DefaultHelper            = "paru"
)

// Stager prepares a build item on the host and returns the staged directory.
type Stager interface {
	Stage(ctx context.Context, runID, source string) (string, error)
}

// RunRepository persists runs on the host so an interrupted or failed run
// can be inspected later.
type RunRepository interface {
	Save(run Run) error
}

// Options tunes a Provisioner. Zero values fall back to the defaults above.
type Options struct {
	CreateGuest       bool
	PollInterval      time.Duration
	PollJitter        time.Duration
	ResponsiveTimeout time.Duration
	RollbackTimeout   time.Duration
	ConfigPath        string
	StateRoot         string
	BuildRoot         string
	SudoersDir        string
	BuildUser         string
	Helper            string
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.PollJitter < 0 {
		o.PollJitter = 0
	}
	if o.ResponsiveTimeout <= 0 {
		o.ResponsiveTimeout = DefaultResponsiveTimeout
	}
	if o.RollbackTimeout <= 0 {
		o.RollbackTimeout = DefaultRollbackTimeout
	}
	if o.ConfigPath == "" {
		o.ConfigPath = DefaultConfigPath
	}
	if o.StateRoot == "" {
		o.StateRoot = DefaultStateRoot
	}
	if o.BuildRoot == "" {
		o.BuildRoot = DefaultBuildRoot
	}
	if o.SudoersDir == "" {
		o.SudoersDir = DefaultSudoersDir
	}
	if o.BuildUser == "" {
		o.BuildUser = DefaultBuildUser
	}
	if o.Helper == "" {
		o.Helper = DefaultHelper
	}
	return o
}

// Provisioner drives one Run against one guest. It is not safe for
// concurrent use and must not be reused for a second run.
type Provisioner struct {
	driver  guest.Driver
	stager  Stager
	runs    RunRepository
	run     *Run
	opts    Options
	Logger  *slog.Logger
	connect func(name string) Guest

	g        Guest
	snapshot *Snapshot
	changes  Changes

	rollbackAttempted bool
}

// New prepares a provisioner for run. stager may be nil when the run has no
// build items; runs may be nil to skip persistence.
func New(driver guest.Driver, stager Stager, runs RunRepository, run *Run, opts Options, logger *slog.Logger) *Provisioner {
	p := &Provisioner{
		driver: driver,
		stager: stager,
		runs:   runs,
		run:    run,
		opts:   opts.withDefaults(),
		Logger: logger,
	}
	p.connect = func(name string) Guest {
		return NewShellGuest(driver, name, p.logger())
	}
	return p
}

func (p *Provisioner) logger() *slog.Logger {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("run_id", p.run.ID)
}

// Run returns a copy of the run as it currently stands.
func (p *Provisioner) Run() Run {
	return *p.run
}

func (p *Provisioner) stateDir() string {
	return path.Join(p.opts.StateRoot, p.run.ID)
}

func (p *Provisioner) transition(next State) {
	if !p.run.State.CanTransition(next) {
		panic(fmt.Sprintf("provision: invalid transition %s -> %s", p.run.State, next))
	}
	p.logger().Debug("state transition", "from", p.run.State, "to", next)
	p.run.State = next
	p.persist()
}

func (p *Provisioner) persist() {
	now := time.Now().UTC()
	p.run.UpdatedAt = now
	if p.run.State.Terminal() {
		p.run.FinishedAt = &now
	}
	if p.runs == nil {
		return
	}
	if err := p.runs.Save(*p.run); err != nil {
		p.logger().Warn("failed to persist run", "error", err)
	}
}

// Execute walks the run through its whole lifecycle. On failure after the
// snapshot the guest is rolled back, and destroyed if rollback fails. The
// returned error is the original failure, joined with any rollback or destroy
// errors; the run's final State tells the caller which of those happened.
func (p *Provisioner) Execute(ctx context.Context) error {
	logger := p.logger()
	logger.Info("starting provisioning run", "distribution", p.run.Distribution, "driver", p.driver.Name())
	p.persist()

	if p.opts.CreateGuest {
		logger.Info("creating guest", "distribution", p.run.Distribution)
		if err := p.driver.Create(ctx, p.run.Distribution); err != nil {
			return p.abort(&CreateError{Distribution: p.run.Distribution, Err: err})
		}
	}

	p.transition(StateWaitingResponsive)
	if _, err := p.WaitUntilResponsive(ctx, p.opts.ResponsiveTimeout); err != nil {
		return p.abort(err)
	}

	p.transition(StateSnapshotting)
	if _, err := p.Snapshot(ctx); err != nil {
		return p.abort(err)
	}

	steps := []struct {
		state State
		run   func(context.Context) error
	}{
		{StateInstalling, func(ctx context.Context) error {
			return p.InstallPackages(ctx, p.run.Packages)
		}},
		{StateStagingLocalRepo, func(ctx context.Context) error {
			return p.StageLocalRepository(ctx, p.run.Prebuilt, p.run.BuildItems)
		}},
		{StateCreatingUser, func(ctx context.Context) error {
			if user := p.run.User; user != nil {
				if err := p.CreateUser(ctx, user.Name, user.Password); err != nil {
					return err
				}
			}
			return p.FinalizeSuccess(ctx)
		}},
	}
	for _, step := range steps {
		p.transition(step.state)
		if err := step.run(ctx); err != nil {
			return p.recover(ctx, err)
		}
	}

	p.run.Succeeded = true
	p.transition(StateSuccess)
	logger.Info("guest provisioned", "guest", p.run.Guest)
	return nil
}

func (p *Provisioner) abort(err error) error {
	p.run.Error = err.Error()
	p.transition(StateAborted)
	p.logger().Error("provisioning aborted before any change was made", "error", err)
	return err
}

func (p *Provisioner) recover(ctx context.Context, cause error) error {
	logger := p.logger()
	failed := p.run.State
	p.run.Error = cause.Error()
	p.transition(StateRollingBack)
	logger.Error("provisioning step failed, rolling back", "state", failed, "error", cause)

	// Rollback has to run even when the run was interrupted.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.RollbackTimeout)
	defer cancel()

	report, rbErr := p.safeRollback(rctx)
	p.run.Rollback = &report
	if rbErr == nil {
		p.transition(StateRolledBack)
		logger.Warn("guest rolled back to its pre-run state", "guest", p.run.Guest)
		return cause
	}

	logger.Error("rollback failed, destroying guest", "guest", p.run.Guest, "error", rbErr)
	if err := p.DestroyGuest(rctx); err != nil {
		p.transition(StateDestroyFailed)
		logger.Error("guest could not be destroyed and needs manual cleanup", "guest", p.run.Guest, "error", err)
		return errors.Join(cause, rbErr, err)
	}
	p.transition(StateDestroyed)
	return errors.Join(cause, rbErr)
}

func (p *Provisioner) safeRollback(ctx context.Context) (report RollbackReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.rollbackAttempted = true
			err = &RollbackError{Errs: []error{fmt.Errorf("panic: %v", r)}}
		}
	}()
	return p.Rollback(ctx)
}

// WaitUntilResponsive polls the virtualization layer until the guest exists
// and answers a trivial command. The poll interval is fixed with a random
// jitter added; ctx cancellation or the timeout ends the wait.
func (p *Provisioner) WaitUntilResponsive(ctx context.Context, timeout time.Duration) (string, error) {
	logger := p.logger()
	target := p.run.Guest
	if target == "" {
		target = p.run.Distribution
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for attempt := 1; ; attempt++ {
		info, err := guest.Resolve(waitCtx, p.driver, target)
		if err == nil {
			g := p.connect(info.Name)
			if err = g.Ping(waitCtx); err == nil {
				p.g = g
				p.run.Guest = info.Name
				logger.Info("guest is responsive", "guest", info.Name, "attempts", attempt)
				return info.Name, nil
			}
		}
		lastErr = err
		logger.Debug("guest not responsive yet", "guest", target, "attempt", attempt, "error", err)

		wait := p.opts.PollInterval
		if p.opts.PollJitter > 0 {
			wait += rand.N(p.opts.PollJitter)
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("wait for guest %s: %w", target, ctx.Err())
			}
			return "", &TimeoutError{Guest: target, Timeout: timeout, Err: lastErr}
		case <-time.After(wait):
		}
	}
}

func (p *Provisioner) bound() (Guest, error) {
	if p.g == nil {
		return nil, errGuestNotBound
	}
	return p.g, nil
}

// Snapshot captures the package configuration and the installed package set
// and stores both under the run's state directory inside the guest.
func (p *Provisioner) Snapshot(ctx context.Context) (Snapshot, error) {
	g, err := p.bound()
	if err != nil {
		return Snapshot{}, &SnapshotError{Err: err}
	}

	conf, err := g.ReadFile(ctx, p.opts.ConfigPath)
	if err != nil {
		return Snapshot{}, &SnapshotError{Err: err}
	}
	installed, err := g.InstalledPackages(ctx)
	if err != nil {
		return Snapshot{}, &SnapshotError{Err: err}
	}

	dir := p.stateDir()
	if err := g.MakeDir(ctx, dir); err != nil {
		return Snapshot{}, &SnapshotError{Err: err}
	}
	if err := g.WriteFile(ctx, path.Join(dir, "pacman.conf.before"), conf, 0o644); err != nil {
		return Snapshot{}, &SnapshotError{Err: err}
	}
	if err := g.WriteFile(ctx, path.Join(dir, "packages.before"), packageList(installed), 0o644); err != nil {
		return Snapshot{}, &SnapshotError{Err: err}
	}

	snap := Snapshot{
		ConfigPath: p.opts.ConfigPath,
		Config:     conf,
		Installed:  installed,
		TakenAt:    time.Now().UTC(),
	}
	p.snapshot = &snap
	p.logger().Info("snapshot taken", "packages", len(installed), "state_dir", dir)
	return snap, nil
}

func packageList(set PackageSet) []byte {
	names := set.Names()
	if len(names) == 0 {
		return nil
	}
	return []byte(strings.Join(names, "\n") + "\n")
}

// InstallPackages upgrades the guest and installs names in one transaction.
func (p *Provisioner) InstallPackages(ctx context.Context, names []string) error {
	names = dedupe(names)
	if len(names) == 0 {
		p.logger().Info("no packages requested, skipping install")
		return nil
	}
	g, err := p.bound()
	if err != nil {
		return &InstallError{Packages: names, ExitCode: -1, Err: err}
	}
	p.logger().Info("installing packages", "count", len(names), "packages", strings.Join(names, " "))
	if err := g.InstallPackages(ctx, names); err != nil {
		return &InstallError{Packages: names, ExitCode: guest.ExitCodeOf(err), Err: err}
	}
	return nil
}

// StageLocalRepository copies prebuilt packages and builds every item into
// the local repository directory, indexes it once, registers it with the
// package manager and installs everything it provides. The first failing item
// stops the step; artifacts of earlier items stay in the directory.
func (p *Provisioner) StageLocalRepository(ctx context.Context, prebuilt []string, items []BuildItem) error {
	logger := p.logger()
	if len(prebuilt) == 0 && len(items) == 0 {
		logger.Info("no local packages requested, skipping local repository")
		return nil
	}
	g, err := p.bound()
	if err != nil {
		return &RepositoryError{Step: "prepare", Err: err}
	}
	repo := p.run.Repository
	if !ValidRepositoryName(repo.Name) {
		return &RepositoryError{Step: "prepare", Err: fmt.Errorf("invalid repository name %q", repo.Name)}
	}
	if !path.IsAbs(repo.Dir) {
		return &RepositoryError{Step: "prepare", Err: fmt.Errorf("repository directory %q must be absolute", repo.Dir)}
	}

	if err := g.MakeDir(ctx, repo.Dir); err != nil {
		return &RepositoryError{Step: "prepare", Err: err}
	}
	indexed, err := g.PathExists(ctx, path.Join(repo.Dir, repo.Name+".db"))
	if err != nil {
		return &RepositoryError{Step: "prepare", Err: err}
	}
	if indexed {
		p.changes.Reindex = true
	} else {
		for _, suffix := range []string{".db", ".db.tar.gz", ".files", ".files.tar.gz"} {
			p.changes.Files = append(p.changes.Files, path.Join(repo.Dir, repo.Name+suffix))
		}
	}

	present, err := g.ListFiles(ctx, repo.Dir)
	if err != nil {
		return &RepositoryError{Step: "prepare", Err: err}
	}
	existing := make(map[string]struct{}, len(present))
	for _, name := range present {
		existing[name] = struct{}{}
	}

	for _, file := range prebuilt {
		name := filepath.Base(file)
		if err := p.preserve(ctx, g, existing, repo.Dir, name); err != nil {
			return &RepositoryError{Step: "copy prebuilt", Err: err}
		}
		logger.Info("copying prebuilt package", "file", file)
		if err := g.CopyIn(ctx, file, repo.Dir); err != nil {
			return &RepositoryError{Step: "copy prebuilt", Err: err}
		}
		p.changes.Files = append(p.changes.Files, path.Join(repo.Dir, name))
	}

	if len(items) > 0 {
		if err := p.prepareBuildAccount(ctx, g); err != nil {
			return err
		}
		buildDir := path.Join(p.opts.BuildRoot, p.run.ID)
		p.changes.Files = append(p.changes.Files, buildDir)
		for _, item := range items {
			if err := p.buildItem(ctx, g, item, buildDir, existing); err != nil {
				return err
			}
		}
	}

	if err := g.IndexRepository(ctx, repo.Dir, repo.Name); err != nil {
		return &RepositoryError{Step: "index", Err: err}
	}

	conf, err := g.ReadFile(ctx, p.opts.ConfigPath)
	if err != nil {
		return &RepositoryError{Step: "register", Err: err}
	}
	if updated, changed := EnsureRepositoryStanza(conf, repo); changed {
		if err := g.WriteFile(ctx, p.opts.ConfigPath, updated, 0o644); err != nil {
			return &RepositoryError{Step: "register", Err: err}
		}
		logger.Info("registered local repository", "repository", repo.Name, "prepend", repo.Prepend)
	}
	if err := g.RefreshDatabases(ctx); err != nil {
		return &RepositoryError{Step: "refresh", Err: err}
	}

	names, err := g.RepositoryPackages(ctx, repo.Name)
	if err != nil {
		return &RepositoryError{Step: "list", Err: err}
	}
	if len(names) == 0 {
		logger.Warn("local repository is empty", "repository", repo.Name)
		return nil
	}
	// Qualified targets keep pacman from resolving a name to another repository.
	targets := make([]string, len(names))
	for i, name := range names {
		targets[i] = repo.Name + "/" + name
	}
	logger.Info("installing local packages", "count", len(targets))
	if err := g.InstallPackages(ctx, targets); err != nil {
		return &InstallError{Packages: targets, ExitCode: guest.ExitCodeOf(err), Err: err}
	}
	return nil
}

// preserve moves a repository file that was there before the run into the
// run's state directory, so rollback can put it back after the run replaced
// it. Each original is saved once.
func (p *Provisioner) preserve(ctx context.Context, g Guest, existing map[string]struct{}, dir, name string) error {
	if _, ok := existing[name]; !ok {
		return nil
	}
	original := path.Join(dir, name)
	backup := path.Join(p.stateDir(), "repo.before", name)
	if err := g.Rename(ctx, original, backup); err != nil {
		return err
	}
	delete(existing, name)
	p.changes.Restore = append(p.changes.Restore, FileRestore{Original: original, Backup: backup})
	p.logger().Info("saved pre-existing repository file", "file", original, "backup", backup)
	return nil
}

func (p *Provisioner) prepareBuildAccount(ctx context.Context, g Guest) error {
	user := p.opts.BuildUser
	created, err := g.EnsureUser(ctx, user, UserOptions{System: true, Home: path.Join("/var/lib", user)})
	if err != nil {
		return &RepositoryError{Step: "build account", Err: err}
	}
	if created {
		p.changes.Users = append(p.changes.Users, user)
	}
	grant := path.Join(p.opts.SudoersDir, user)
	if err := p.writeGrant(ctx, g, grant, user+" ALL=(root) NOPASSWD: /usr/bin/pacman\n"); err != nil {
		return &RepositoryError{Step: "build account", Err: err}
	}
	return nil
}

// writeGrant (re)writes a sudoers drop-in and tracks it for rollback when
// the run created it.
func (p *Provisioner) writeGrant(ctx context.Context, g Guest, name, content string) error {
	existed, err := g.PathExists(ctx, name)
	if err != nil {
		return err
	}
	if err := g.WriteFile(ctx, name, []byte(content), 0o440); err != nil {
		return err
	}
	if !existed {
		p.changes.Files = append(p.changes.Files, name)
	}
	return nil
}

func (p *Provisioner) buildItem(ctx context.Context, g Guest, item BuildItem, buildDir string, existing map[string]struct{}) error {
	logger := p.logger()
	if p.stager == nil {
		return &BuildError{Item: item.Source, ExitCode: -1, Err: errors.New("no stager configured")}
	}
	staged, err := p.stager.Stage(ctx, p.run.ID, item.Source)
	if err != nil {
		return &BuildError{Item: item.Source, ExitCode: -1, Err: err}
	}
	name := filepath.Base(staged)
	workDir := path.Join(buildDir, name)

	if err := g.CopyIn(ctx, staged, buildDir); err != nil {
		return &BuildError{Item: name, ExitCode: -1, Err: err}
	}

	spec := BuildSpec{Dir: workDir, User: p.opts.BuildUser, Env: item.Env, Flags: item.Flags}
	if item.Variant == BuildHelperAssisted {
		spec.Helper = p.opts.Helper
	}
	logger.Info("building package", "item", name, "variant", item.Variant)
	if err := g.Build(ctx, spec); err != nil {
		return &BuildError{Item: name, ExitCode: guest.ExitCodeOf(err), Err: err}
	}

	repoDir := p.run.Repository.Dir
	outputs, err := g.ListFiles(ctx, workDir)
	if err != nil {
		return &BuildError{Item: name, ExitCode: -1, Err: err}
	}
	for _, output := range outputs {
		if !recipes.IsPackageFile(output) {
			continue
		}
		if err := p.preserve(ctx, g, existing, repoDir, output); err != nil {
			return &BuildError{Item: name, ExitCode: -1, Err: err}
		}
	}

	moved, err := g.MoveArtifacts(ctx, workDir, repoDir)
	if err != nil {
		return &BuildError{Item: name, ExitCode: -1, Err: err}
	}
	p.changes.Files = append(p.changes.Files, moved...)
	if len(moved) == 0 {
		logger.Warn("build produced no package files", "item", name)
	} else {
		logger.Info("collected artifacts", "item", name, "count", len(moved))
	}
	return nil
}

// CreateUser ensures the account exists and (re)applies its password and
// administrative grant. Running it twice leaves the guest unchanged.
func (p *Provisioner) CreateUser(ctx context.Context, name, password string) error {
	if !ValidUserName(name) {
		return &UserError{User: name, Err: errors.New("invalid user name")}
	}
	g, err := p.bound()
	if err != nil {
		return &UserError{User: name, Err: err}
	}
	created, err := g.EnsureUser(ctx, name, UserOptions{Groups: []string{"wheel"}})
	if err != nil {
		return &UserError{User: name, Err: err}
	}
	if created {
		p.changes.Users = append(p.changes.Users, name)
		p.logger().Info("created user", "user", name)
	}
	if err := g.SetPassword(ctx, name, password); err != nil {
		return &UserError{User: name, Err: err}
	}
	grant := path.Join(p.opts.SudoersDir, "10-archguest-"+name)
	if err := p.writeGrant(ctx, g, grant, name+" ALL=(ALL:ALL) ALL\n"); err != nil {
		return &UserError{User: name, Err: err}
	}
	return nil
}

// FinalizeSuccess leaves a success marker and the final package list in the
// run's state directory.
func (p *Provisioner) FinalizeSuccess(ctx context.Context) error {
	g, err := p.bound()
	if err != nil {
		return err
	}
	if installed, err := g.InstalledPackages(ctx); err == nil {
		p.recordFinalPackages(ctx, g, installed)
	}
	marker := time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := g.WriteFile(ctx, path.Join(p.stateDir(), "success"), []byte(marker), 0o644); err != nil {
		return fmt.Errorf("write success marker: %w", err)
	}
	return nil
}

// recordFinalPackages writes packages.after unless an earlier step already
// did; run state files are written once.
func (p *Provisioner) recordFinalPackages(ctx context.Context, g Guest, installed PackageSet) {
	name := path.Join(p.stateDir(), "packages.after")
	recorded, err := g.PathExists(ctx, name)
	if err == nil && recorded {
		return
	}
	if err := g.WriteFile(ctx, name, packageList(installed), 0o644); err != nil {
		p.logger().Warn("failed to record final package list", "error", err)
	}
}

// Rollback restores the snapshot. Packages that refuse to go are logged and
// reported but do not fail the rollback; every other failure does.
func (p *Provisioner) Rollback(ctx context.Context) (RollbackReport, error) {
	var report RollbackReport
	if p.snapshot == nil {
		return report, &RollbackError{Errs: []error{errNoSnapshot}}
	}
	p.rollbackAttempted = true
	g, err := p.bound()
	if err != nil {
		return report, &RollbackError{Errs: []error{err}}
	}
	logger := p.logger()

	var errs []error
	fail := func(err error) {
		errs = append(errs, err)
		report.Errors = append(report.Errors, err.Error())
	}

	after, err := g.InstalledPackages(ctx)
	if err != nil {
		fail(err)
		after = p.snapshot.Installed
	} else {
		p.recordFinalPackages(ctx, g, after)
	}
	plan := PlanRollback(*p.snapshot, after, p.changes)

	if err := g.WriteFile(ctx, plan.ConfigPath, plan.RestoreConfig, 0o644); err != nil {
		fail(fmt.Errorf("restore %s: %w", plan.ConfigPath, err))
	} else {
		report.RestoredConfig = true
	}

	report.RemovedPackages, report.UnremovedPackages = p.removePackages(ctx, g, plan.RemovePackages)

	if err := g.RemoveFiles(ctx, plan.DeleteFiles); err != nil {
		fail(err)
	} else {
		report.DeletedFiles = plan.DeleteFiles
	}

	for _, r := range plan.RestoreFiles {
		if err := g.Rename(ctx, r.Backup, r.Original); err != nil {
			fail(fmt.Errorf("restore %s: %w", r.Original, err))
			continue
		}
		report.RestoredFiles = append(report.RestoredFiles, r.Original)
	}

	for _, user := range plan.RemoveUsers {
		if err := g.RemoveUser(ctx, user); err != nil {
			fail(fmt.Errorf("remove user %s: %w", user, err))
			continue
		}
		report.RemovedUsers = append(report.RemovedUsers, user)
	}

	if plan.Reindex {
		if err := g.IndexRepository(ctx, p.run.Repository.Dir, p.run.Repository.Name); err != nil {
			fail(fmt.Errorf("reindex local repository: %w", err))
		}
	}

	if len(errs) > 0 {
		return report, &RollbackError{Errs: errs}
	}
	logger.Info("rollback complete", "removed_packages", len(report.RemovedPackages), "deleted_files", len(report.DeletedFiles), "restored_files", len(report.RestoredFiles))
	return report, nil
}

// removePackages tries the whole set in one transaction first. When that
// fails it falls back to removing packages one at a time, repeating passes
// while progress is made so that dependency order sorts itself out.
func (p *Provisioner) removePackages(ctx context.Context, g Guest, names []string) (removed, unremoved []string) {
	if len(names) == 0 {
		return nil, nil
	}
	logger := p.logger()
	err := g.RemovePackages(ctx, names)
	if err == nil {
		return names, nil
	}
	logger.Warn("bulk package removal failed, removing individually", "count", len(names), "error", err)

	pending := names
	for len(pending) > 0 {
		var next []string
		for _, name := range pending {
			if err := g.RemovePackages(ctx, []string{name}); err != nil {
				next = append(next, name)
				continue
			}
			removed = append(removed, name)
		}
		if len(next) == len(pending) {
			break
		}
		pending = next
	}
	for _, name := range pending {
		logger.Warn("package could not be removed during rollback", "package", name)
	}
	return removed, pending
}

// DestroyGuest irreversibly removes the guest. It refuses to run before a
// rollback has been attempted.
func (p *Provisioner) DestroyGuest(ctx context.Context) error {
	if !p.rollbackAttempted {
		return errRollbackNotAttempted
	}
	name := p.run.Guest
	if name == "" {
		name = p.run.Distribution
	}
	p.logger().Warn("destroying guest", "guest", name)
	if err := p.driver.Destroy(ctx, name); err != nil {
		return &DestroyError{Guest: name, Err: err}
	}
	return nil
}
