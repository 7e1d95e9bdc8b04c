package provision

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
)

var sectionHeader = regexp.MustCompile(`^\s*\[([^\]]+)\]\s*$`)

// DefaultSigLevel is used for the local repository when none is configured.
// Packages built inside the guest are unsigned.
const DefaultSigLevel = "Optional TrustAll"

// Sections returns the section names of a pacman configuration in order.
func Sections(conf []byte) []string {
	var names []string
	for _, line := range strings.Split(string(conf), "\n") {
		if match := sectionHeader.FindStringSubmatch(line); match != nil {
			names = append(names, strings.TrimSpace(match[1]))
		}
	}
	return names
}

// RepositoryStanza renders the configuration block for repo.
func RepositoryStanza(repo RepositoryConfig) string {
	sigLevel := repo.SigLevel
	if sigLevel == "" {
		sigLevel = DefaultSigLevel
	}
	return fmt.Sprintf("[%s]\nSigLevel = %s\nServer = file://%s\n", repo.Name, sigLevel, repo.Dir)
}

// EnsureRepositoryStanza returns conf with a stanza for repo and reports
// whether conf changed. A configuration that already has a section named
// after the repository is returned untouched, so applying the function twice
// is the same as applying it once.
//
// With Prepend set the stanza is inserted before the first repository section
// ([options] is not a repository); otherwise it is appended.
func EnsureRepositoryStanza(conf []byte, repo RepositoryConfig) ([]byte, bool) {
	for _, name := range Sections(conf) {
		if name == repo.Name {
			return conf, false
		}
	}

	stanza := RepositoryStanza(repo)
	lines := strings.SplitAfter(string(conf), "\n")

	if repo.Prepend {
		for i, line := range lines {
			match := sectionHeader.FindStringSubmatch(strings.TrimRight(line, "\n"))
			if match == nil || strings.TrimSpace(match[1]) == "options" {
				continue
			}
			var out bytes.Buffer
			for _, before := range lines[:i] {
				out.WriteString(before)
			}
			out.WriteString(stanza)
			out.WriteString("\n")
			for _, after := range lines[i:] {
				out.WriteString(after)
			}
			return out.Bytes(), true
		}
	}

	var out bytes.Buffer
	out.Write(conf)
	if len(conf) > 0 {
		if !bytes.HasSuffix(conf, []byte("\n")) {
			out.WriteString("\n")
		}
		out.WriteString("\n")
	}
	out.WriteString(stanza)
	return out.Bytes(), true
}
