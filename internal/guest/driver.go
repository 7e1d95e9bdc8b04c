// Package guest talks to the virtualization layer that hosts the Arch guest.
// A Driver knows how to create, enumerate, enter and tear down guests; it has
// no idea what is being provisioned inside them.
package guest

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrGuestNotFound is returned when no guest matches a requested name.
var ErrGuestNotFound = errors.New("guest not found")

// Info describes a guest known to the virtualization layer.
type Info struct {
	Name    string
	Running bool
	Default bool
}

// CommandResult captures the outcome of a command executed inside a guest.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExitError reports a guest command that ran but exited non-zero.
type ExitError struct {
	Guest    string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("guest %s: command exited with code %d", e.Guest, e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + lastLine(stderr)
	}
	return msg
}

// ExitCodeOf extracts the guest exit code from err, or -1 when err did not come
// from a guest command.
func ExitCodeOf(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode
	}
	return -1
}

// Driver is the boundary between the provisioner and a virtualization layer.
type Driver interface {
	// Name identifies the driver in logs and summaries.
	Name() string
	// Create installs or starts the guest for distribution.
	Create(ctx context.Context, distribution string) error
	// Exec runs script with /bin/sh inside the guest as root. A non-zero exit
	// is reported as *ExitError alongside the captured result.
	Exec(ctx context.Context, guest, script string) (CommandResult, error)
	// List enumerates guests with their running state.
	List(ctx context.Context) ([]Info, error)
	// Destroy removes the guest irreversibly.
	Destroy(ctx context.Context, guest string) error
	// CopyIn copies hostPath (file or directory) into guestDir, keeping its base name.
	CopyIn(ctx context.Context, guest, hostPath, guestDir string) error
}

// Resolve finds the guest created for distribution. An exact (case-insensitive)
// name match wins; otherwise a single guest whose name contains the
// distribution, or is contained by it, is accepted.
func Resolve(ctx context.Context, driver Driver, distribution string) (Info, error) {
	want := strings.ToLower(strings.TrimSpace(distribution))
	if want == "" {
		return Info{}, errors.New("distribution name is required")
	}

	guests, err := driver.List(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("list guests: %w", err)
	}

	var candidates []Info
	for _, info := range guests {
		name := strings.ToLower(info.Name)
		if name == want {
			return info, nil
		}
		if strings.Contains(name, want) || strings.Contains(want, name) {
			candidates = append(candidates, info)
		}
	}

	switch len(candidates) {
	case 0:
		return Info{}, fmt.Errorf("%w: %s", ErrGuestNotFound, distribution)
	case 1:
		return candidates[0], nil
	default:
		names := make([]string, 0, len(candidates))
		for _, c := range candidates {
			names = append(names, c.Name)
		}
		return Info{}, fmt.Errorf("distribution %q matches several guests: %s", distribution, strings.Join(names, ", "))
	}
}

func lastLine(s string) string {
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[idx+1:])
	}
	return s
}
