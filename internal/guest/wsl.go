package guest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"github.com/cochaviz/archguest/internal/script"
)

// DefaultWSLExecutable is the host binary used to manage WSL distributions.
const DefaultWSLExecutable = "wsl.exe"

var _ Driver = (*WSLDriver)(nil)

// runResult is the raw outcome of a host process.
type runResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// runFunc starts a host process. It only returns an error when the process
// could not be run at all; a non-zero exit is reported through ExitCode.
type runFunc func(ctx context.Context, stdin io.Reader, name string, args ...string) (runResult, error)

// WSLDriver manages guests through the Windows Subsystem for Linux CLI.
type WSLDriver struct {
	Executable string
	Logger     *slog.Logger

	run runFunc
}

// NewWSLDriver returns a driver using wsl.exe from PATH.
func NewWSLDriver(logger *slog.Logger) *WSLDriver {
	return &WSLDriver{Executable: DefaultWSLExecutable, Logger: logger}
}

func (d *WSLDriver) Name() string { return "wsl" }

func (d *WSLDriver) logger() *slog.Logger {
	if d != nil && d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *WSLDriver) executable() string {
	if d.Executable != "" {
		return d.Executable
	}
	return DefaultWSLExecutable
}

func (d *WSLDriver) runner() runFunc {
	if d.run != nil {
		return d.run
	}
	return runHostCommand
}

// Create installs the distribution without launching its first-run setup.
func (d *WSLDriver) Create(ctx context.Context, distribution string) error {
	distribution = strings.TrimSpace(distribution)
	if distribution == "" {
		return errors.New("distribution name is required")
	}

	d.logger().Info("installing wsl distribution", "distribution", distribution)
	res, err := d.runner()(ctx, nil, d.executable(), "--install", "--distribution", distribution, "--no-launch")
	if err != nil {
		return fmt.Errorf("run %s --install: %w", d.executable(), err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("install distribution %s: exit code %d: %s", distribution, res.ExitCode, decodeWSLOutput(append(res.Stdout, res.Stderr...)))
	}
	return nil
}

// Exec feeds script to /bin/sh over stdin so no Windows argv quoting is involved.
func (d *WSLDriver) Exec(ctx context.Context, guest, src string) (CommandResult, error) {
	if strings.TrimSpace(guest) == "" {
		return CommandResult{}, errors.New("guest name is required")
	}

	res, err := d.runner()(ctx, strings.NewReader(src), d.executable(),
		"--distribution", guest, "--user", "root", "--exec", "/bin/sh", "-s")
	if err != nil {
		return CommandResult{}, fmt.Errorf("run command in %s: %w", guest, err)
	}

	result := CommandResult{
		Stdout:   string(res.Stdout),
		Stderr:   string(res.Stderr),
		ExitCode: res.ExitCode,
	}
	if res.ExitCode != 0 {
		return result, &ExitError{Guest: guest, ExitCode: res.ExitCode, Stderr: result.Stderr}
	}
	return result, nil
}

// List parses `wsl --list --verbose`.
func (d *WSLDriver) List(ctx context.Context) ([]Info, error) {
	res, err := d.runner()(ctx, nil, d.executable(), "--list", "--verbose")
	if err != nil {
		return nil, fmt.Errorf("run %s --list: %w", d.executable(), err)
	}
	output := decodeWSLOutput(res.Stdout)
	if res.ExitCode != 0 {
		// wsl exits non-zero when no distribution is installed at all.
		if strings.Contains(strings.ToLower(output), "no installed distributions") {
			return nil, nil
		}
		return nil, fmt.Errorf("list distributions: exit code %d: %s", res.ExitCode, strings.TrimSpace(output))
	}
	return parseWSLList(output), nil
}

// Destroy unregisters the distribution, deleting its filesystem.
func (d *WSLDriver) Destroy(ctx context.Context, guest string) error {
	if strings.TrimSpace(guest) == "" {
		return errors.New("guest name is required")
	}
	d.logger().Warn("unregistering wsl distribution", "guest", guest)
	res, err := d.runner()(ctx, nil, d.executable(), "--unregister", guest)
	if err != nil {
		return fmt.Errorf("run %s --unregister: %w", d.executable(), err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("unregister %s: exit code %d: %s", guest, res.ExitCode, decodeWSLOutput(append(res.Stdout, res.Stderr...)))
	}
	return nil
}

// CopyIn uses the Windows drive mounts inside the guest; wslpath maps the host
// path to its /mnt/<drive> location.
func (d *WSLDriver) CopyIn(ctx context.Context, guest, hostPath, guestDir string) error {
	b := script.New()
	b.Linef("src=$(wslpath -u %s)", b.Q(hostPath))
	b.Linef("mkdir -p %s", b.Q(guestDir))
	b.Linef("cp -a \"$src\" %s/", b.Q(guestDir))
	src, err := b.String()
	if err != nil {
		return err
	}
	if _, err := d.Exec(ctx, guest, src); err != nil {
		return fmt.Errorf("copy %s into %s:%s: %w", hostPath, guest, guestDir, err)
	}
	return nil
}

func runHostCommand(ctx context.Context, stdin io.Reader, name string, args ...string) (runResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = stdin
	}

	err := cmd.Run()
	res := runResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	return res, err
}

// decodeWSLOutput handles wsl.exe's habit of writing UTF-16LE for its own
// messages while passing Linux output through untouched.
func decodeWSLOutput(raw []byte) string {
	if looksUTF16(raw) {
		decoded, err := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder().Bytes(raw)
		if err == nil {
			raw = decoded
		}
	}
	return strings.ReplaceAll(string(raw), "\r", "")
}

func looksUTF16(raw []byte) bool {
	if len(raw) < 2 {
		return false
	}
	if raw[0] == 0xff && raw[1] == 0xfe {
		return true
	}
	zeros := 0
	for i := 1; i < len(raw); i += 2 {
		if raw[i] == 0 {
			zeros++
		}
	}
	return zeros*2 >= len(raw)/2
}

func parseWSLList(output string) []Info {
	var guests []Info
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		isDefault := false
		if strings.HasPrefix(line, "*") {
			isDefault = true
			line = strings.TrimSpace(strings.TrimPrefix(line, "*"))
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || strings.EqualFold(fields[0], "NAME") {
			continue
		}
		guests = append(guests, Info{
			Name:    fields[0],
			Running: strings.EqualFold(fields[1], "Running"),
			Default: isDefault,
		})
	}
	return guests
}
