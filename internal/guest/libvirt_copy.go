package guest

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kdomanski/iso9660"
	libvirt "libvirt.org/go/libvirt"

	"github.com/cochaviz/archguest/internal/script"
)

const (
	defaultTransferTarget = "sdb"
	transferPayloadName   = "payload.tar"
	transferMediaWait     = 30
)

// CopyIn packs hostPath into a tar archive inside a small ISO image, inserts the
// image into the domain's transfer cdrom, and unpacks it from within the guest.
// The tar wrapper keeps file names intact; ISO9660 would mangle them.
func (d *LibvirtDriver) CopyIn(ctx context.Context, guest, hostPath, guestDir string) error {
	workDir := d.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	target := d.TransferTarget
	if target == "" {
		target = defaultTransferTarget
	}

	token := uuid.NewString()
	label := sanitizeVolumeLabel("AGX", token[:8])
	imagePath := filepath.Join(workDir, "transfer-"+token+".iso")
	if err := buildTransferImage(hostPath, imagePath, label); err != nil {
		return fmt.Errorf("build transfer image for %s: %w", hostPath, err)
	}
	defer os.Remove(imagePath)

	logger := d.logger().With("domain", guest, "host_path", hostPath, "guest_dir", guestDir)
	logger.Debug("inserting transfer media", "image", imagePath, "target", target)

	return d.withDomain(guest, func(domain *libvirt.Domain) (err error) {
		if err := domain.UpdateDeviceFlags(cdromXML(imagePath, target), libvirt.DOMAIN_DEVICE_MODIFY_LIVE); err != nil {
			return fmt.Errorf("insert transfer media: %w", err)
		}
		defer func() {
			if ejectErr := domain.UpdateDeviceFlags(cdromXML("", target), libvirt.DOMAIN_DEVICE_MODIFY_LIVE); ejectErr != nil {
				err = errors.Join(err, fmt.Errorf("eject transfer media: %w", ejectErr))
			}
		}()

		waitCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := waitForGuestAgent(waitCtx, domain, time.Second); err != nil {
			return err
		}

		src, err := buildUnpackScript(label, guestDir)
		if err != nil {
			return err
		}
		timeout := d.CommandTimeout
		if timeout <= 0 {
			timeout = defaultGuestCommandTimeout
		}
		if _, err := runGuestCommand(domain, "/bin/sh", []string{"-c", src}, timeout); err != nil {
			var exitErr *ExitError
			if errors.As(err, &exitErr) {
				exitErr.Guest = guest
			}
			return fmt.Errorf("unpack transfer media: %w", err)
		}
		logger.Debug("transfer complete")
		return nil
	})
}

func cdromXML(source, target string) string {
	sourceElem := ""
	if source != "" {
		sourceElem = fmt.Sprintf("<source file='%s'/>", source)
	}
	return fmt.Sprintf(`<disk type='file' device='cdrom'><driver name='qemu' type='raw'/>%s<target dev='%s'/><readonly/></disk>`, sourceElem, target)
}

func buildUnpackScript(label, guestDir string) (string, error) {
	b := script.New()
	b.Linef("label=%s", b.Q(label))
	b.Linef("dest=%s", b.Q(guestDir))
	b.Line(`dev=""`)
	b.Line("i=0")
	b.Linef(`while [ -z "$dev" ] && [ "$i" -lt %d ]; do`, transferMediaWait)
	b.Line(`    dev=$(lsblk -nrpo NAME,LABEL,TYPE 2>/dev/null | awk -v l="$label" '$2 == l && $3 == "rom" { print $1; exit }')`)
	b.Line(`    if [ -z "$dev" ]; then i=$((i + 1)); sleep 1; fi`)
	b.Line("done")
	b.Line(`if [ -z "$dev" ]; then echo "transfer media $label not found" >&2; exit 1; fi`)
	b.Line(`mnt=$(mktemp -d)`)
	b.Line(`mount -o ro "$dev" "$mnt"`)
	b.Line(`mkdir -p "$dest"`)
	b.Line("rc=0")
	b.Linef(`tar -xpf "$mnt/%s" -C "$dest" || rc=$?`, iso9660RelativePath(transferPayloadName))
	b.Line(`umount "$mnt" || true`)
	b.Line(`rmdir "$mnt" || true`)
	b.Line(`exit "$rc"`)
	return b.String()
}

func buildTransferImage(hostPath, imagePath, label string) error {
	stagingDir, err := os.MkdirTemp(filepath.Dir(imagePath), "transfer-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	if err := writeTarPayload(hostPath, filepath.Join(stagingDir, transferPayloadName)); err != nil {
		return err
	}
	return createISOFromDirectory(stagingDir, imagePath, label)
}

// writeTarPayload archives hostPath under its base name.
func writeTarPayload(hostPath, payloadPath string) error {
	srcAbs, err := filepath.Abs(hostPath)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", hostPath, err)
	}
	if _, err := os.Stat(srcAbs); err != nil {
		return fmt.Errorf("stat %q: %w", srcAbs, err)
	}

	out, err := os.OpenFile(payloadPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create payload: %w", err)
	}
	tw := tar.NewWriter(out)

	parent := filepath.Dir(srcAbs)
	walkErr := filepath.WalkDir(srcAbs, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("symlinks are not supported in transfers (%s)", path)
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return fmt.Errorf("unsupported file type %s in %s", info.Mode(), path)
		}

		rel, err := filepath.Rel(parent, path)
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(tw, in)
		return err
	})

	closeErr := errors.Join(tw.Close(), out.Close())
	if walkErr != nil {
		return fmt.Errorf("archive %s: %w", srcAbs, walkErr)
	}
	if closeErr != nil {
		return fmt.Errorf("finalize payload: %w", closeErr)
	}
	return nil
}

func createISOFromDirectory(sourceDir, imagePath, volumeLabel string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(sourceDir, "/"); err != nil {
		return fmt.Errorf("stage directory: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(imagePath), 0o755); err != nil {
		return fmt.Errorf("ensure image directory: %w", err)
	}

	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}

	if err := writer.WriteTo(out, volumeLabel); err != nil {
		out.Close()
		_ = os.Remove(imagePath)
		return fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(imagePath)
		return fmt.Errorf("finalize iso: %w", err)
	}
	return nil
}

func sanitizeVolumeLabel(parts ...string) string {
	const maxLen = 32

	label := strings.Join(parts, "_")
	var b strings.Builder
	for _, r := range label {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "ARCHGUEST"
	}
	return b.String()
}
