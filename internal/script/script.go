// Package script assembles the POSIX shell scripts that are executed inside a
// guest. Every interpolated value goes through Quote, and finished scripts are
// parsed before they are handed to a driver so that a quoting mistake surfaces
// on the host instead of as a half-executed command in the guest.
package script

import (
	"errors"
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Quote returns s as a single POSIX shell word.
func Quote(s string) (string, error) {
	quoted, err := syntax.Quote(s, syntax.LangPOSIX)
	if err != nil {
		return "", fmt.Errorf("quote %q: %w", s, err)
	}
	return quoted, nil
}

// Validate parses src as a POSIX shell program.
func Validate(src string) error {
	parser := syntax.NewParser(syntax.Variant(syntax.LangPOSIX))
	if _, err := parser.Parse(strings.NewReader(src), "guest-script"); err != nil {
		return fmt.Errorf("invalid guest script: %w", err)
	}
	return nil
}

// Builder accumulates script lines. Quoting failures are remembered and
// reported by String so call sites can stay linear.
type Builder struct {
	lines []string
	errs  []error
}

// New returns a builder whose script aborts on the first failing command.
func New() *Builder {
	return &Builder{lines: []string{"set -eu"}}
}

// Q quotes a single value for use inside Linef.
func (b *Builder) Q(value string) string {
	quoted, err := Quote(value)
	if err != nil {
		b.errs = append(b.errs, err)
		return "''"
	}
	return quoted
}

// Words quotes every value and joins them with spaces.
func (b *Builder) Words(values ...string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, b.Q(value))
	}
	return strings.Join(quoted, " ")
}

// Line appends a line verbatim.
func (b *Builder) Line(line string) *Builder {
	b.lines = append(b.lines, line)
	return b
}

// Linef appends a formatted line. Arguments must already be quoted.
func (b *Builder) Linef(format string, args ...any) *Builder {
	return b.Line(fmt.Sprintf(format, args...))
}

// Command appends a command whose name and arguments are all quoted.
func (b *Builder) Command(name string, args ...string) *Builder {
	return b.Line(b.Words(append([]string{name}, args...)...))
}

// String renders and validates the script.
func (b *Builder) String() (string, error) {
	if len(b.errs) > 0 {
		return "", errors.Join(b.errs...)
	}
	src := strings.Join(b.lines, "\n") + "\n"
	if err := Validate(src); err != nil {
		return "", err
	}
	return src, nil
}
