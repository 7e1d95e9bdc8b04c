package guest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	libvirt "libvirt.org/go/libvirt"
)

const (
	// DefaultConnectionURI is the libvirt URI used when none is configured.
	DefaultConnectionURI = "qemu:///system"

	defaultGuestCommandTimeout = 30 * time.Minute
	guestExecPollInterval      = 500 * time.Millisecond
)

// ErrGuestCommandTimedOut is returned when a guest-agent command outlives its timeout.
var ErrGuestCommandTimedOut = errors.New("guest command timed out")

var _ Driver = (*LibvirtDriver)(nil)

// LibvirtDriver manages persistent libvirt domains and reaches into them through
// the QEMU guest agent. The distribution name is the domain name.
type LibvirtDriver struct {
	ConnectionURI string
	Logger        *slog.Logger

	// WorkDir holds transfer images built by CopyIn.
	WorkDir string
	// TransferTarget is the guest cdrom device used for CopyIn (e.g. "sdb").
	TransferTarget string
	// CommandTimeout bounds a single guest command; zero selects a default.
	CommandTimeout time.Duration
}

type qemuAgent interface {
	QemuAgentCommand(command string, timeout libvirt.DomainQemuAgentCommandTimeout, flags uint32) (string, error)
}

type guestExecRequest struct {
	Execute   string             `json:"execute"`
	Arguments guestExecArguments `json:"arguments"`
}

type guestExecArguments struct {
	Path          string   `json:"path"`
	Arg           []string `json:"arg"`
	CaptureOutput bool     `json:"capture-output"`
}

type guestExecResponse struct {
	Return struct {
		PID int `json:"pid"`
	} `json:"return"`
}

type guestExecStatusRequest struct {
	Execute   string                   `json:"execute"`
	Arguments guestExecStatusArguments `json:"arguments"`
}

type guestExecStatusArguments struct {
	PID int `json:"pid"`
}

type guestExecStatusResponse struct {
	Return guestExecStatusResult `json:"return"`
}

type guestExecStatusResult struct {
	Exited   bool   `json:"exited"`
	ExitCode int    `json:"exitcode"`
	OutData  string `json:"out-data"`
	ErrData  string `json:"err-data"`
}

// NewLibvirtDriver returns a driver bound to uri.
func NewLibvirtDriver(uri, workDir string, logger *slog.Logger) *LibvirtDriver {
	return &LibvirtDriver{ConnectionURI: uri, WorkDir: workDir, Logger: logger}
}

func (d *LibvirtDriver) Name() string { return "libvirt" }

func (d *LibvirtDriver) logger() *slog.Logger {
	if d != nil && d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *LibvirtDriver) connect() (*libvirt.Connect, error) {
	uri := d.ConnectionURI
	if uri == "" {
		uri = DefaultConnectionURI
	}
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, fmt.Errorf("open libvirt connection %s: %w", uri, err)
	}
	return conn, nil
}

func (d *LibvirtDriver) withDomain(name string, fn func(*libvirt.Domain) error) error {
	conn, err := d.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	domain, err := conn.LookupDomainByName(name)
	if err != nil {
		var lverr libvirt.Error
		if errors.As(err, &lverr) && lverr.Code == libvirt.ERR_NO_DOMAIN {
			return fmt.Errorf("%w: %s", ErrGuestNotFound, name)
		}
		return fmt.Errorf("lookup domain %s: %w", name, err)
	}
	defer domain.Free()

	return fn(domain)
}

// Create starts the domain named after distribution. The domain itself must
// already be defined; libvirt has no notion of installing a distribution.
func (d *LibvirtDriver) Create(ctx context.Context, distribution string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.withDomain(distribution, func(domain *libvirt.Domain) error {
		active, err := domain.IsActive()
		if err != nil {
			return fmt.Errorf("query domain state: %w", err)
		}
		if active {
			d.logger().Info("domain already running", "domain", distribution)
			return nil
		}
		if err := domain.Create(); err != nil {
			return fmt.Errorf("start domain %s: %w", distribution, err)
		}
		d.logger().Info("started domain", "domain", distribution)
		return nil
	})
}

func (d *LibvirtDriver) Exec(ctx context.Context, guest, src string) (CommandResult, error) {
	timeout := d.CommandTimeout
	if timeout <= 0 {
		timeout = defaultGuestCommandTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	var result CommandResult
	err := d.withDomain(guest, func(domain *libvirt.Domain) error {
		var err error
		result, err = runGuestCommand(domain, "/bin/sh", []string{"-c", src}, timeout)
		return err
	})
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			exitErr.Guest = guest
		}
		return result, err
	}
	return result, nil
}

func (d *LibvirtDriver) List(ctx context.Context) ([]Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := d.connect()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	domains, err := conn.ListAllDomains(0)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}

	guests := make([]Info, 0, len(domains))
	for i := range domains {
		domain := &domains[i]
		name, nameErr := domain.GetName()
		active, activeErr := domain.IsActive()
		_ = domain.Free()
		if nameErr != nil {
			return nil, fmt.Errorf("read domain name: %w", nameErr)
		}
		if activeErr != nil {
			return nil, fmt.Errorf("query domain %s state: %w", name, activeErr)
		}
		guests = append(guests, Info{Name: name, Running: active})
	}
	return guests, nil
}

// Destroy stops the domain and removes its definition including snapshots and
// managed save state. Storage volumes are left to the operator.
func (d *LibvirtDriver) Destroy(ctx context.Context, guest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.withDomain(guest, func(domain *libvirt.Domain) error {
		active, err := domain.IsActive()
		if err != nil {
			return fmt.Errorf("query domain state: %w", err)
		}
		if active {
			if err := domain.Destroy(); err != nil {
				return fmt.Errorf("destroy domain %s: %w", guest, err)
			}
		}
		flags := libvirt.DOMAIN_UNDEFINE_MANAGED_SAVE |
			libvirt.DOMAIN_UNDEFINE_SNAPSHOTS_METADATA |
			libvirt.DOMAIN_UNDEFINE_NVRAM
		if err := domain.UndefineFlags(flags); err != nil {
			return fmt.Errorf("undefine domain %s: %w", guest, err)
		}
		d.logger().Warn("domain destroyed", "domain", guest)
		return nil
	})
}

// waitForGuestAgent polls guest-ping until the agent answers. It is used by
// CopyIn after media changes, which may briefly stall the agent.
func waitForGuestAgent(ctx context.Context, agent qemuAgent, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := agent.QemuAgentCommand(`{"execute":"guest-ping"}`, libvirt.DOMAIN_QEMU_AGENT_COMMAND_DEFAULT, 0); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for guest agent: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func runGuestCommand(agent qemuAgent, path string, args []string, timeout time.Duration) (CommandResult, error) {
	if strings.TrimSpace(path) == "" {
		return CommandResult{}, errors.New("guest command path is required")
	}
	if args == nil {
		args = []string{}
	}

	req := guestExecRequest{
		Execute: "guest-exec",
		Arguments: guestExecArguments{
			Path:          path,
			Arg:           args,
			CaptureOutput: true,
		},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return CommandResult{}, fmt.Errorf("marshal guest exec request: %w", err)
	}

	resp, err := agent.QemuAgentCommand(string(payload), libvirt.DOMAIN_QEMU_AGENT_COMMAND_DEFAULT, 0)
	if err != nil {
		return CommandResult{}, fmt.Errorf("invoke guest exec: %w", err)
	}

	var execResp guestExecResponse
	if err := json.Unmarshal([]byte(resp), &execResp); err != nil {
		return CommandResult{}, fmt.Errorf("decode guest exec response: %w", err)
	}
	if execResp.Return.PID == 0 {
		return CommandResult{}, errors.New("guest exec returned invalid pid")
	}

	return waitForGuestCommand(agent, execResp.Return.PID, timeout)
}

// waitForGuestCommand polls guest-exec-status. A zero timeout waits forever.
func waitForGuestCommand(agent qemuAgent, pid int, timeout time.Duration) (CommandResult, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	req := guestExecStatusRequest{
		Execute:   "guest-exec-status",
		Arguments: guestExecStatusArguments{PID: pid},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return CommandResult{}, fmt.Errorf("marshal guest exec status request: %w", err)
	}

	for {
		resp, err := agent.QemuAgentCommand(string(payload), libvirt.DOMAIN_QEMU_AGENT_COMMAND_DEFAULT, 0)
		if err != nil {
			return CommandResult{}, fmt.Errorf("query guest exec status: %w", err)
		}

		var status guestExecStatusResponse
		if err := json.Unmarshal([]byte(resp), &status); err != nil {
			return CommandResult{}, fmt.Errorf("decode guest exec status: %w", err)
		}

		if status.Return.Exited {
			result := CommandResult{
				ExitCode: status.Return.ExitCode,
				Stdout:   decodeBase64(status.Return.OutData),
				Stderr:   decodeBase64(status.Return.ErrData),
			}
			if result.ExitCode != 0 {
				return result, &ExitError{ExitCode: result.ExitCode, Stderr: result.Stderr}
			}
			return result, nil
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return CommandResult{}, ErrGuestCommandTimedOut
		}
		time.Sleep(guestExecPollInterval)
	}
}

func decodeBase64(data string) string {
	if strings.TrimSpace(data) == "" {
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return ""
	}
	return string(decoded)
}
