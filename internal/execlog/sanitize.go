// Package execlog normalizes subprocess output lines before they enter
// the executor's event stream.
package execlog

import "strings"

// maxLogChars bounds a sanitized line before truncation.
const maxLogChars = 4096

type escapeMode int

const (
	modeNone escapeMode = iota
	modeEsc
	modeCSI
	modeOSC
	modeOSCEsc
	modeSTTerminated
	modeSTEsc
)

// SanitizeLogLine strips ANSI escape sequences (CSI, OSC, ST-terminated),
// drops CR/LF and other control/bidi-format characters, replaces TAB with
// a space, and truncates at maxLogChars.
func SanitizeLogLine(input string) string {
	var out strings.Builder
	out.Grow(minInt(len(input), maxLogChars))

	mode := modeNone
	truncated := false
	count := 0

	for _, c := range input {
		if mode != modeNone {
			switch mode {
			case modeEsc:
				switch c {
				case '[':
					mode = modeCSI
				case ']':
					mode = modeOSC
				case 'P', 'X', '^', '_':
					mode = modeSTTerminated
				default:
					mode = modeNone
				}
			case modeCSI:
				if c >= '@' && c <= '~' {
					mode = modeNone
				}
			case modeOSC:
				switch c {
				case '\x07':
					mode = modeNone
				case '\x1b':
					mode = modeOSCEsc
				}
			case modeOSCEsc:
				switch c {
				case '\\':
					mode = modeNone
				case '\x1b':
					// stay in modeOSCEsc
				default:
					mode = modeOSC
				}
			case modeSTTerminated:
				if c == '\x1b' {
					mode = modeSTEsc
				}
			case modeSTEsc:
				switch c {
				case '\\':
					mode = modeNone
				case '\x1b':
					// stay in modeSTEsc
				default:
					mode = modeSTTerminated
				}
			}
			continue
		}

		switch {
		case c == '\x1b':
			mode = modeEsc
			continue
		case c == '\r' || c == '\n':
			continue
		case c == '\t':
			out.WriteByte(' ')
			count++
		case isControl(c) || isFormatControl(c):
			continue
		default:
			out.WriteRune(c)
			count++
		}

		if count >= maxLogChars {
			truncated = true
			break
		}
	}

	if truncated {
		out.WriteString(" ...[truncated]")
	}

	return out.String()
}

func isControl(c rune) bool {
	return c < 0x20 || c == 0x7f || (c >= 0x80 && c <= 0x9f)
}

func isFormatControl(c rune) bool {
	switch {
	case c == 0x061C, c == 0x200E, c == 0x200F:
		return true
	case c >= 0x202A && c <= 0x202E:
		return true
	case c >= 0x2066 && c <= 0x2069:
		return true
	default:
		return false
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
