package guest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"unicode/utf16"
)

type recordedCall struct {
	name  string
	args  []string
	stdin string
}

type fakeRunner struct {
	calls   []recordedCall
	results []runResult
}

func (f *fakeRunner) run(_ context.Context, stdin io.Reader, name string, args ...string) (runResult, error) {
	call := recordedCall{name: name, args: append([]string(nil), args...)}
	if stdin != nil {
		data, _ := io.ReadAll(stdin)
		call.stdin = string(data)
	}
	f.calls = append(f.calls, call)
	if len(f.results) == 0 {
		return runResult{}, nil
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res, nil
}

func newTestWSLDriver(f *fakeRunner) *WSLDriver {
	return &WSLDriver{
		Executable: "wsl.exe",
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		run:        f.run,
	}
}

func utf16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := []byte{0xff, 0xfe}
	for _, u := range units {
		out = append(out, byte(u), byte(u>>8))
	}
	return out
}

func TestWSLListParsesUTF16Output(t *testing.T) {
	t.Parallel()

	listing := "  NAME            STATE           VERSION\r\n* Ubuntu          Stopped         2\r\n  archlinux       Running         2\r\n"
	runner := &fakeRunner{results: []runResult{{Stdout: utf16LE(listing)}}}

	guests, err := newTestWSLDriver(runner).List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	want := []Info{
		{Name: "Ubuntu", Running: false, Default: true},
		{Name: "archlinux", Running: true},
	}
	if !reflect.DeepEqual(guests, want) {
		t.Fatalf("List() = %#v, want %#v", guests, want)
	}
	if got := runner.calls[0].args; !reflect.DeepEqual(got, []string{"--list", "--verbose"}) {
		t.Fatalf("unexpected args %v", got)
	}
}

func TestWSLListNoDistributions(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{results: []runResult{{
		Stdout:   utf16LE("Windows Subsystem for Linux has no installed distributions.\r\n"),
		ExitCode: 1,
	}}}
	guests, err := newTestWSLDriver(runner).List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(guests) != 0 {
		t.Fatalf("expected no guests, got %v", guests)
	}
}

func TestWSLExecPassesScriptOnStdin(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{results: []runResult{{Stdout: []byte("ok\n")}}}
	result, err := newTestWSLDriver(runner).Exec(context.Background(), "archlinux", "echo ok\n")
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if result.Stdout != "ok\n" {
		t.Fatalf("stdout = %q", result.Stdout)
	}

	call := runner.calls[0]
	wantArgs := []string{"--distribution", "archlinux", "--user", "root", "--exec", "/bin/sh", "-s"}
	if !reflect.DeepEqual(call.args, wantArgs) {
		t.Fatalf("args = %v, want %v", call.args, wantArgs)
	}
	if call.stdin != "echo ok\n" {
		t.Fatalf("stdin = %q", call.stdin)
	}
}

func TestWSLExecReportsExitCode(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{results: []runResult{{Stderr: []byte("error: target not found: nope\n"), ExitCode: 1}}}
	result, err := newTestWSLDriver(runner).Exec(context.Background(), "archlinux", "pacman -S nope\n")

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %v", err)
	}
	if exitErr.ExitCode != 1 || result.ExitCode != 1 {
		t.Fatalf("exit code = %d/%d, want 1", exitErr.ExitCode, result.ExitCode)
	}
	if !strings.Contains(exitErr.Error(), "target not found") {
		t.Fatalf("error message lacks stderr: %v", exitErr)
	}
}

func TestWSLCreateAndDestroyArgs(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	driver := newTestWSLDriver(runner)
	if err := driver.Create(context.Background(), "archlinux"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := driver.Destroy(context.Background(), "archlinux"); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}

	if got := runner.calls[0].args; !reflect.DeepEqual(got, []string{"--install", "--distribution", "archlinux", "--no-launch"}) {
		t.Fatalf("create args = %v", got)
	}
	if got := runner.calls[1].args; !reflect.DeepEqual(got, []string{"--unregister", "archlinux"}) {
		t.Fatalf("destroy args = %v", got)
	}
}

func TestWSLCopyInTranslatesHostPath(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{}
	err := newTestWSLDriver(runner).CopyIn(context.Background(), "archlinux", `C:\Users\me\pkgs\foo.pkg.tar.zst`, "/srv/repo")
	if err != nil {
		t.Fatalf("CopyIn() error = %v", err)
	}
	stdin := runner.calls[0].stdin
	for _, want := range []string{`wslpath -u 'C:\Users\me\pkgs\foo.pkg.tar.zst'`, "mkdir -p /srv/repo", `cp -a "$src" /srv/repo/`} {
		if !strings.Contains(stdin, want) {
			t.Fatalf("copy script missing %q:\n%s", want, stdin)
		}
	}
}
