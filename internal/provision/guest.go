package provision

import (
	"context"
	"encoding/base64"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/cochaviz/archguest/internal/guest"
	"github.com/cochaviz/archguest/internal/script"
)

// Guest is the set of operations the provisioner performs inside a guest.
// ShellGuest implements it on top of a guest.Driver.
type Guest interface {
	Ping(ctx context.Context) error
	ReadFile(ctx context.Context, name string) ([]byte, error)
	WriteFile(ctx context.Context, name string, data []byte, mode fs.FileMode) error
	MakeDir(ctx context.Context, dir string) error
	PathExists(ctx context.Context, name string) (bool, error)
	RemoveFiles(ctx context.Context, names []string) error
	ListFiles(ctx context.Context, dir string) ([]string, error)
	Rename(ctx context.Context, from, to string) error
	CopyIn(ctx context.Context, hostPath, guestDir string) error

	InstalledPackages(ctx context.Context) (PackageSet, error)
	InstallPackages(ctx context.Context, names []string) error
	RemovePackages(ctx context.Context, names []string) error
	RefreshDatabases(ctx context.Context) error
	RepositoryPackages(ctx context.Context, repo string) ([]string, error)

	Build(ctx context.Context, spec BuildSpec) error
	MoveArtifacts(ctx context.Context, fromDir, toDir string) ([]string, error)
	IndexRepository(ctx context.Context, dir, name string) error

	EnsureUser(ctx context.Context, name string, opts UserOptions) (bool, error)
	SetPassword(ctx context.Context, name, password string) error
	RemoveUser(ctx context.Context, name string) error
}

// BuildSpec describes one recipe build inside the guest.
type BuildSpec struct {
	Dir   string
	User  string
	Env   map[string]string
	Flags []string
	// Helper names the AUR helper binary; empty means makepkg.
	Helper string
}

// UserOptions shapes a new account.
type UserOptions struct {
	System bool
	Home   string
	Groups []string
}

var (
	envName  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	userName = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)
	repoName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// ValidUserName reports whether name is acceptable to useradd.
func ValidUserName(name string) bool { return userName.MatchString(name) }

// ValidEnvName reports whether name can be exported to a build.
func ValidEnvName(name string) bool { return envName.MatchString(name) }

// ValidRepositoryName reports whether name is usable as a pacman section and
// database file name.
func ValidRepositoryName(name string) bool {
	return repoName.MatchString(name) && name != "options"
}

// ShellGuest runs every operation as a root shell script through a driver.
type ShellGuest struct {
	Driver guest.Driver
	Name   string
	Logger *slog.Logger
}

// NewShellGuest binds driver to the named guest.
func NewShellGuest(driver guest.Driver, name string, logger *slog.Logger) *ShellGuest {
	return &ShellGuest{Driver: driver, Name: name, Logger: logger}
}

func (g *ShellGuest) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func (g *ShellGuest) exec(ctx context.Context, b *script.Builder) (guest.CommandResult, error) {
	src, err := b.String()
	if err != nil {
		return guest.CommandResult{}, err
	}
	result, err := g.Driver.Exec(ctx, g.Name, src)
	if err != nil {
		g.logger().Debug("guest script failed", "guest", g.Name, "exit_code", guest.ExitCodeOf(err), "stderr", strings.TrimSpace(result.Stderr))
	}
	return result, err
}

func (g *ShellGuest) Ping(ctx context.Context) error {
	_, err := g.exec(ctx, script.New().Command("true"))
	return err
}

// ReadFile transfers the file base64-encoded so that it survives the driver's
// text channel byte for byte.
func (g *ShellGuest) ReadFile(ctx context.Context, name string) ([]byte, error) {
	b := script.New()
	b.Command("base64", "-w0", "--", name)
	result, err := g.exec(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(result.Stdout))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return data, nil
}

// WriteFile replaces name atomically through a temporary file in the same
// directory.
func (g *ShellGuest) WriteFile(ctx context.Context, name string, data []byte, mode fs.FileMode) error {
	b := script.New()
	b.Linef("tmp=$(mktemp %s)", b.Q(path.Join(path.Dir(name), ".archguest.XXXXXX")))
	b.Linef("printf '%%s' %s | base64 -d > \"$tmp\"", b.Q(base64.StdEncoding.EncodeToString(data)))
	b.Linef("chmod %04o \"$tmp\"", mode.Perm())
	b.Linef("mv -f \"$tmp\" %s", b.Q(name))
	if _, err := g.exec(ctx, b); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (g *ShellGuest) MakeDir(ctx context.Context, dir string) error {
	if _, err := g.exec(ctx, script.New().Command("mkdir", "-p", "--", dir)); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

func (g *ShellGuest) PathExists(ctx context.Context, name string) (bool, error) {
	b := script.New()
	b.Linef("if [ -e %s ]; then echo yes; else echo no; fi", b.Q(name))
	result, err := g.exec(ctx, b)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", name, err)
	}
	return strings.TrimSpace(result.Stdout) == "yes", nil
}

func (g *ShellGuest) RemoveFiles(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	b := script.New()
	b.Command("rm", append([]string{"-rf", "--"}, names...)...)
	if _, err := g.exec(ctx, b); err != nil {
		return fmt.Errorf("remove %d path(s): %w", len(names), err)
	}
	return nil
}

// ListFiles returns the names of regular files directly inside dir. A
// missing dir has none.
func (g *ShellGuest) ListFiles(ctx context.Context, dir string) ([]string, error) {
	b := script.New()
	b.Linef("[ -d %s ] || exit 0", b.Q(dir))
	b.Linef("cd %s", b.Q(dir))
	b.Line("for f in *; do")
	b.Line("  if [ -f \"$f\" ]; then printf '%s\\n' \"$f\"; fi")
	b.Line("done")
	result, err := g.exec(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	return splitLines(result.Stdout), nil
}

// Rename moves from to to, creating the parent of to and replacing any file
// already there.
func (g *ShellGuest) Rename(ctx context.Context, from, to string) error {
	b := script.New()
	b.Command("mkdir", "-p", "--", path.Dir(to))
	b.Command("mv", "-f", "--", from, to)
	if _, err := g.exec(ctx, b); err != nil {
		return fmt.Errorf("move %s to %s: %w", from, to, err)
	}
	return nil
}

func (g *ShellGuest) CopyIn(ctx context.Context, hostPath, guestDir string) error {
	if err := g.MakeDir(ctx, guestDir); err != nil {
		return err
	}
	if err := g.Driver.CopyIn(ctx, g.Name, hostPath, guestDir); err != nil {
		return fmt.Errorf("copy %s into %s: %w", hostPath, guestDir, err)
	}
	return nil
}

func (g *ShellGuest) InstalledPackages(ctx context.Context) (PackageSet, error) {
	result, err := g.exec(ctx, script.New().Command("pacman", "-Qq"))
	if err != nil {
		return nil, fmt.Errorf("list installed packages: %w", err)
	}
	return NewPackageSet(splitLines(result.Stdout)...), nil
}

// InstallPackages synchronizes the databases, upgrades the system and
// installs names in a single transaction. Packages already at their latest
// version are skipped.
func (g *ShellGuest) InstallPackages(ctx context.Context, names []string) error {
	b := script.New()
	b.Command("pacman", append([]string{"-Syu", "--needed", "--noconfirm", "--"}, names...)...)
	_, err := g.exec(ctx, b)
	return err
}

func (g *ShellGuest) RemovePackages(ctx context.Context, names []string) error {
	b := script.New()
	b.Command("pacman", append([]string{"-Rn", "--noconfirm", "--"}, names...)...)
	_, err := g.exec(ctx, b)
	return err
}

func (g *ShellGuest) RefreshDatabases(ctx context.Context) error {
	_, err := g.exec(ctx, script.New().Command("pacman", "-Sy", "--noconfirm"))
	return err
}

func (g *ShellGuest) RepositoryPackages(ctx context.Context, repo string) ([]string, error) {
	result, err := g.exec(ctx, script.New().Command("pacman", "-Slq", repo))
	if err != nil {
		return nil, fmt.Errorf("list packages in %s: %w", repo, err)
	}
	return splitLines(result.Stdout), nil
}

// Build hands the recipe directory to the build account and runs makepkg, or
// the AUR helper, as that account. makepkg refuses to run as root.
func (g *ShellGuest) Build(ctx context.Context, spec BuildSpec) error {
	b := script.New()
	b.Command("chown", "-R", spec.User+":", spec.Dir)
	b.Linef("cd %s", b.Q(spec.Dir))

	keys := make([]string, 0, len(spec.Env))
	for key := range spec.Env {
		if !ValidEnvName(key) {
			return fmt.Errorf("invalid environment variable name %q", key)
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	args := []string{"-u", spec.User, "--", "env"}
	for _, key := range keys {
		args = append(args, key+"="+spec.Env[key])
	}
	if spec.Helper == "" {
		args = append(args, "makepkg", "--syncdeps", "--noconfirm", "--cleanbuild")
		args = append(args, spec.Flags...)
	} else {
		args = append(args, spec.Helper, "-B", "--noconfirm")
		args = append(args, spec.Flags...)
		args = append(args, ".")
	}
	b.Command("runuser", args...)

	_, err := g.exec(ctx, b)
	return err
}

// MoveArtifacts moves built package files (not signatures) into toDir and
// returns their new paths.
func (g *ShellGuest) MoveArtifacts(ctx context.Context, fromDir, toDir string) ([]string, error) {
	b := script.New()
	b.Command("mkdir", "-p", "--", toDir)
	b.Linef("cd %s", b.Q(fromDir))
	b.Line("for f in *.pkg.tar*; do")
	b.Line("  [ -f \"$f\" ] || continue")
	b.Line("  case \"$f\" in *.sig) continue ;; esac")
	b.Linef("  mv -f -- \"$f\" %s/", b.Q(toDir))
	b.Linef("  printf '%%s/%%s\\n' %s \"$f\"", b.Q(toDir))
	b.Line("done")
	result, err := g.exec(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("collect artifacts from %s: %w", fromDir, err)
	}
	return splitLines(result.Stdout), nil
}

// IndexRepository regenerates the repository database from every package
// file in dir.
func (g *ShellGuest) IndexRepository(ctx context.Context, dir, name string) error {
	b := script.New()
	b.Linef("cd %s", b.Q(dir))
	b.Command("rm", "-f", "--", name+".db", name+".db.tar.gz", name+".files", name+".files.tar.gz")
	b.Line("set --")
	b.Line("for f in *.pkg.tar*; do")
	b.Line("  [ -f \"$f\" ] || continue")
	b.Line("  case \"$f\" in *.sig) continue ;; esac")
	b.Line("  set -- \"$@\" \"$f\"")
	b.Line("done")
	b.Linef("repo-add -q %s \"$@\"", b.Q(name+".db.tar.gz"))
	_, err := g.exec(ctx, b)
	return err
}

// EnsureUser creates the account unless it exists and reports whether it was
// created.
func (g *ShellGuest) EnsureUser(ctx context.Context, name string, opts UserOptions) (bool, error) {
	if !ValidUserName(name) {
		return false, fmt.Errorf("invalid user name %q", name)
	}
	args := []string{"--create-home"}
	if opts.System {
		args = append(args, "--system")
	}
	if opts.Home != "" {
		args = append(args, "--home-dir", opts.Home)
	}
	if len(opts.Groups) > 0 {
		args = append(args, "--groups", strings.Join(opts.Groups, ","))
	}
	args = append(args, "--", name)

	b := script.New()
	b.Linef("if id -u %s >/dev/null 2>&1; then echo exists; exit 0; fi", b.Q(name))
	b.Command("useradd", args...)
	b.Line("echo created")
	result, err := g.exec(ctx, b)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(result.Stdout) == "created", nil
}

// SetPassword pipes the credential into chpasswd instead of passing it as an
// argument.
func (g *ShellGuest) SetPassword(ctx context.Context, name, password string) error {
	b := script.New()
	b.Linef("printf '%%s' %s | base64 -d | chpasswd", b.Q(base64.StdEncoding.EncodeToString([]byte(name+":"+password))))
	_, err := g.exec(ctx, b)
	return err
}

func (g *ShellGuest) RemoveUser(ctx context.Context, name string) error {
	b := script.New()
	b.Linef("if id -u %s >/dev/null 2>&1; then userdel --remove %s; fi", b.Q(name), b.Q(name))
	_, err := g.exec(ctx, b)
	return err
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
