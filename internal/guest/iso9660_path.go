package guest

import (
	"path"
	"strings"
)

const (
	iso9660DirectoryIdentifierMaxLength = 31
	iso9660FileIdentifierMaxLength      = 30
)

// iso9660Characters is the D-string character set accepted by the iso9660 writer.
const iso9660Characters = "abcdefghijklmnopqrstuvwxyz0123456789_!\"%&'()*+,-./:;<=>?"

// iso9660RelativePath returns the path under which the guest sees a file the
// writer stored as rel, after the kernel strips the ";1" version suffix.
func iso9660RelativePath(rel string) string {
	var clean []string
	for _, segment := range strings.Split(strings.ReplaceAll(rel, "\\", "/"), "/") {
		if segment != "" {
			clean = append(clean, segment)
		}
	}
	if len(clean) == 0 {
		return ""
	}

	segments := make([]string, len(clean))
	for i, segment := range clean {
		if i == len(clean)-1 {
			segments[i] = strings.TrimSuffix(iso9660MangleFileName(segment), ";1")
			continue
		}
		segments[i] = iso9660MangleDString(segment, iso9660DirectoryIdentifierMaxLength)
	}
	return path.Join(segments...)
}

func iso9660MangleFileName(input string) string {
	parts := strings.Split(strings.ToLower(input), ".")

	filename := parts[0]
	extension := ""
	if len(parts) > 1 {
		filename = strings.Join(parts[:len(parts)-1], "_")
		extension = parts[len(parts)-1]
	}
	extension = iso9660MangleDString(extension, 8)

	maxFilenameLen := iso9660FileIdentifierMaxLength - 2
	if extension != "" {
		maxFilenameLen -= 1 + len(extension)
	}
	filename = iso9660MangleDString(filename, maxFilenameLen)

	if extension != "" {
		return filename + "." + extension + ";1"
	}
	return filename + ";1"
}

func iso9660MangleDString(input string, maxLen int) string {
	input = strings.ToLower(input)
	var b strings.Builder
	for i := 0; i < len(input) && b.Len() < maxLen; i++ {
		c := rune(input[i])
		if strings.ContainsRune(iso9660Characters, c) {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
