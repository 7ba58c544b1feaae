package nfs

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// DefaultEtabPath is where nfs-utils keeps the kernel export table.
const DefaultEtabPath = "/var/lib/nfs/etab"

// fallbackFSID is handed out when the export table cannot be read at all.
const fallbackFSID = 100

// Export is one line of the export table.
type Export struct {
	// Path is the exported directory with \040 escapes decoded
	Path string

	Host    string
	Options string

	// FSID is 0 when the options carry no fsid=
	FSID int
}

// encodePath escapes spaces the way exportfs writes them to etab.
func encodePath(p string) string {
	return strings.ReplaceAll(p, " ", `\040`)
}

func decodePath(p string) string {
	return strings.ReplaceAll(p, `\040`, " ")
}

// parseExport parses "path<TAB>host(opts)". Lines without a tab are skipped.
func parseExport(line string) (Export, bool) {
	tab := strings.IndexByte(line, '\t')
	if tab < 0 {
		return Export{}, false
	}

	e := Export{Path: decodePath(line[:tab])}
	rest := strings.TrimSpace(line[tab+1:])
	if open := strings.IndexByte(rest, '('); open >= 0 {
		e.Host = rest[:open]
		e.Options = strings.TrimSuffix(rest[open+1:], ")")
	} else {
		e.Host = rest
	}
	e.FSID = fsidOf(line)
	return e, true
}

// fsidOf returns the leading integer after the first "fsid=", or 0.
func fsidOf(s string) int {
	i := strings.Index(s, "fsid=")
	if i < 0 {
		return 0
	}
	digits := s[i+len("fsid="):]
	end := 0
	for end < len(digits) && digits[end] >= '0' && digits[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(digits[:end])
	if err != nil {
		return 0
	}
	return n
}

// ParseEtab reads every well-formed export from r.
func ParseEtab(r io.Reader) ([]Export, error) {
	var out []Export
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if e, ok := parseExport(scanner.Text()); ok {
			out = append(out, e)
		}
	}
	return out, scanner.Err()
}

// ReadEtab parses the export table at path.
func ReadEtab(path string) ([]Export, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open export table: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseEtab(f)
}

// NextFSID picks the fsid for exporting mountpoint: the fsid already used by
// the first export of that mountpoint, otherwise one more than the largest
// fsid in the table.
func NextFSID(exports []Export, mountpoint string) int {
	highest := 0
	for _, e := range exports {
		if e.FSID == 0 {
			continue
		}
		if e.FSID > highest {
			highest = e.FSID
		}
		if e.Path == mountpoint {
			return e.FSID
		}
	}
	return highest + 1
}
