package setup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/archguest/internal/guest"
	"github.com/cochaviz/archguest/internal/provision"
)

const (
	DefaultKVMDevice     = "/dev/kvm"
	DefaultLibvirtSocket = "/var/run/libvirt/libvirt-sock"
)

var pkgLogger atomic.Pointer[slog.Logger]

// SetLogger sets the logger preflight checks report to. nil restores the
// default logger.
func SetLogger(l *slog.Logger) {
	pkgLogger.Store(l)
}

func currentLogger() *slog.Logger {
	if l := pkgLogger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// Options selects what Verify checks.
type Options struct {
	Driver        string
	WSLExecutable string
	KVMDevice     string
	LibvirtSocket string
	ConnectionURI string
	// Bridge is the host bridge libvirt guests attach to. Empty skips the check.
	Bridge string
}

// Checker holds the host probes. The zero value uses the real host.
type Checker struct {
	LookPath   func(file string) (string, error)
	Access     func(path string, mode uint32) error
	LinkByName func(name string) (netlink.Link, error)
}

func (c Checker) lookPath(file string) (string, error) {
	if c.LookPath != nil {
		return c.LookPath(file)
	}
	return exec.LookPath(file)
}

func (c Checker) access(path string, mode uint32) error {
	if c.Access != nil {
		return c.Access(path, mode)
	}
	return unix.Access(path, mode)
}

func (c Checker) linkByName(name string) (netlink.Link, error) {
	if c.LinkByName != nil {
		return c.LinkByName(name)
	}
	return netlink.LinkByName(name)
}

// Verify runs the checks for opts.Driver against the real host.
func Verify(ctx context.Context, opts Options) error {
	return Checker{}.Verify(ctx, opts)
}

// Verify returns the first missing prerequisite for opts.Driver.
func (c Checker) Verify(ctx context.Context, opts Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger := currentLogger().With("driver", opts.Driver)

	switch opts.Driver {
	case "wsl":
		exe := opts.WSLExecutable
		if exe == "" {
			exe = guest.DefaultWSLExecutable
		}
		path, err := c.lookPath(exe)
		if err != nil {
			return &provision.EnvironmentError{Tool: exe, Err: err}
		}
		logger.Debug("found virtualization CLI", "path", path)
		return nil

	case "libvirt":
		device := opts.KVMDevice
		if device == "" {
			device = DefaultKVMDevice
		}
		if err := c.access(device, unix.R_OK|unix.W_OK); err != nil {
			return &provision.EnvironmentError{Tool: device, Err: fmt.Errorf("no read/write access: %w", err)}
		}
		if isLocalSystemURI(opts.ConnectionURI) {
			socket := opts.LibvirtSocket
			if socket == "" {
				socket = DefaultLibvirtSocket
			}
			if err := c.access(socket, unix.F_OK); err != nil {
				return &provision.EnvironmentError{Tool: "libvirtd", Err: fmt.Errorf("socket %s: %w", socket, err)}
			}
		}
		if opts.Bridge != "" {
			if err := c.verifyBridge(opts.Bridge); err != nil {
				return err
			}
		}
		logger.Debug("libvirt host prerequisites present", "bridge", opts.Bridge)
		return nil

	default:
		return &provision.EnvironmentError{Tool: "driver", Err: fmt.Errorf("unsupported driver %q", opts.Driver)}
	}
}

func (c Checker) verifyBridge(name string) error {
	link, err := c.linkByName(name)
	if err != nil {
		if isLinkNotFound(err) {
			return &provision.EnvironmentError{Tool: "bridge " + name, Err: errors.New("link does not exist")}
		}
		return &provision.EnvironmentError{Tool: "bridge " + name, Err: err}
	}
	attrs := link.Attrs()
	if link.Type() != "bridge" {
		return &provision.EnvironmentError{Tool: "bridge " + name, Err: fmt.Errorf("link is a %s, not a bridge", link.Type())}
	}
	if attrs.Flags&net.FlagUp == 0 {
		return &provision.EnvironmentError{Tool: "bridge " + name, Err: errors.New("link is down")}
	}
	return nil
}

func isLocalSystemURI(uri string) bool {
	return uri == "" || strings.HasPrefix(uri, "qemu:///system")
}

func isLinkNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ENODEV) {
		return true
	}
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}
