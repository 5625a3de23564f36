package diag

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// ViolationMarker prefixes the stderr line the runtime guard emits before aborting.
const ViolationMarker = "SANDBOX-VIOLATION:"

const (
	// DefaultTailLines bounds how much of stderr is inspected and excerpted.
	DefaultTailLines = 40
	maxExcerptBytes  = 4096
)

var (
	frameRe     = regexp.MustCompile(`^\s*File "([^"]+)", line (\d+)`)
	exceptionRe = regexp.MustCompile(`^([A-Za-z_][\w.]*(?:Error|Exception|Exit|Interrupt|Warning|Fault))(?::\s?(.*))?$`)
)

// Traceback is the exception signature recovered from the tail of captured error output.
type Traceback struct {
	Subtype  string
	Message  string
	Location *Location
	Excerpt  string
}

// Found reports whether an exception line was recognized.
func (t Traceback) Found() bool {
	return t.Subtype != ""
}

// Tail returns the last n lines of s, trimmed and capped in size.
func Tail(s string, n int) string {
	s = strings.TrimRight(s, "\r\n\t ")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := strings.Join(lines, "\n")
	if len(out) > maxExcerptBytes {
		out = out[len(out)-maxExcerptBytes:]
	}
	return out
}

// ParseTraceback scans the tail of stderr for the last exception signature and
// the innermost frame that points at user code. Frames in files whose base name
// starts with one of harnessPrefixes are only used when nothing else is available.
func ParseTraceback(stderr string, harnessPrefixes ...string) Traceback {
	excerpt := Tail(stderr, DefaultTailLines)
	tb := Traceback{Excerpt: excerpt}
	if excerpt == "" {
		return tb
	}

	lines := strings.Split(excerpt, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if m := exceptionRe.FindStringSubmatch(line); m != nil {
			tb.Subtype = m[1]
			tb.Message = strings.TrimSpace(m[2])
			break
		}
	}

	var fallback *Location
	for _, line := range lines {
		m := frameRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		loc := &Location{File: m[1], Line: n}
		if isHarness(m[1], harnessPrefixes) {
			fallback = loc
			continue
		}
		tb.Location = loc
	}
	if tb.Location == nil {
		tb.Location = fallback
	}
	return tb
}

func isHarness(file string, prefixes []string) bool {
	base := filepath.Base(file)
	for _, p := range prefixes {
		if strings.HasPrefix(base, p) {
			return true
		}
	}
	return false
}

// TrimDir makes paths under dir relative to it, in the location and the
// excerpt, so diagnostics read the same whichever workspace produced them.
func (d *Diagnostic) TrimDir(dir string) {
	if d == nil || dir == "" {
		return
	}
	dir = filepath.Clean(dir)
	if d.Location != nil && filepath.IsAbs(d.Location.File) {
		if rel, err := filepath.Rel(dir, d.Location.File); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			d.Location.File = rel
		}
	}
	d.Excerpt = strings.ReplaceAll(d.Excerpt, dir+string(filepath.Separator), "")
}

// FindViolation returns the text after ViolationMarker, if the guard reported one.
func FindViolation(stderr string) (string, bool) {
	idx := strings.LastIndex(stderr, ViolationMarker)
	if idx < 0 {
		return "", false
	}
	rest := stderr[idx+len(ViolationMarker):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	return strings.TrimSpace(rest), true
}

// CategoryForSubtype maps an exception name to the taxonomy.
func CategoryForSubtype(subtype string) Category {
	switch subtype {
	case "SyntaxError", "IndentationError", "TabError":
		return CompileOrSyntaxError
	case "MemoryError":
		return ResourceExhausted
	default:
		return RuntimeException
	}
}
