// Package pkgfile understands the file names makepkg gives built packages:
// name-pkgver-pkgrel-arch.pkg.tar[.ext].
package pkgfile

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// Architecture is a value pacman accepts in a package's arch field.
type Architecture string

const (
	Any      Architecture = "any"
	X86_64   Architecture = "x86_64"
	I686     Architecture = "i686"
	Pentium4 Architecture = "pentium4"
	AArch64  Architecture = "aarch64"
	ARMV7H   Architecture = "armv7h"
	RISCV64  Architecture = "riscv64"
)

// Supported returns every architecture Parse accepts.
func Supported() []Architecture {
	return []Architecture{Any, X86_64, I686, Pentium4, AArch64, ARMV7H, RISCV64}
}

func (a Architecture) String() string {
	return string(a)
}

// Normalize maps common spellings, including Go's GOARCH names, to an
// Architecture. It returns "" when value is not recognised.
func Normalize(value string) Architecture {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "any":
		return Any
	case "x86_64", "x86-64", "amd64":
		return X86_64
	case "i686", "i386", "386", "x86":
		return I686
	case "pentium4":
		return Pentium4
	case "aarch64", "arm64":
		return AArch64
	case "armv7h", "armv7", "armv7l", "arm":
		return ARMV7H
	case "riscv64":
		return RISCV64
	default:
		return ""
	}
}

// Native is the architecture of the host running archguest.
func Native() Architecture {
	return Normalize(runtime.GOARCH)
}

// Compatible reports whether a package built for a installs on host.
func (a Architecture) Compatible(host Architecture) bool {
	return a == Any || a == host
}

// File is a parsed package file name.
type File struct {
	Name    string
	Version string // pkgver-pkgrel, with epoch when present
	Arch    Architecture
	// Compression is the suffix after .pkg.tar, empty for an uncompressed archive.
	Compression string
}

// Parse splits the base name of path into its package fields.
func Parse(path string) (File, error) {
	base := filepath.Base(path)
	idx := strings.Index(base, ".pkg.tar")
	if idx <= 0 || strings.HasSuffix(base, ".sig") {
		return File{}, fmt.Errorf("%s is not a package archive", base)
	}
	stem, suffix := base[:idx], strings.TrimPrefix(base[idx+len(".pkg.tar"):], ".")

	parts := strings.Split(stem, "-")
	if len(parts) < 4 {
		return File{}, fmt.Errorf("%s does not follow name-version-release-arch", base)
	}
	n := len(parts)
	archValue, pkgrel, pkgver := parts[n-1], parts[n-2], parts[n-3]
	name := strings.Join(parts[:n-3], "-")
	if name == "" || pkgver == "" || pkgrel == "" {
		return File{}, fmt.Errorf("%s does not follow name-version-release-arch", base)
	}

	arch := Normalize(archValue)
	if arch == "" || arch.String() != archValue {
		return File{}, fmt.Errorf("%s: unsupported architecture %q (supported: %s)", base, archValue, strings.Join(supportedStrings(), ", "))
	}
	return File{Name: name, Version: pkgver + "-" + pkgrel, Arch: arch, Compression: suffix}, nil
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
