package protocol

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/kballard/go-shellquote"
)

// Wire defaults.
const (
	DefaultHeader = "SCMD "
	DefaultPort   = 7700
)

var escapes = strings.NewReplacer(`\r`, "\r", `\n`, "\n", `\t`, "\t")

// RenderEscapes turns literal \r, \n and \t sequences into control characters.
func RenderEscapes(msg string) string {
	if !strings.Contains(msg, `\`) {
		return msg
	}
	return escapes.Replace(msg)
}

// Frame renders escapes and, when wrap is set, adds the header and a trailing newline.
func Frame(msg, header string, wrap bool) string {
	msg = RenderEscapes(msg)
	if wrap {
		msg = header + msg
		if !strings.HasSuffix(msg, "\n") {
			msg += "\n"
		}
	}
	return msg
}

// Unframe is the inverse of Frame for a wrapped line.
func Unframe(line, header string) string {
	line = strings.TrimPrefix(line, header)
	return strings.TrimSuffix(line, "\n")
}

// unwrapResponse strips every header occurrence and trailing whitespace from a response line.
func unwrapResponse(line, header string) string {
	if header != "" {
		line = strings.ReplaceAll(line, header, "")
	}
	return strings.TrimRightFunc(line, unicode.IsSpace)
}

// FormatResponse builds the line written back to a sender.
func FormatResponse(header string, wrap bool, body string) string {
	if wrap {
		return header + body + "\n"
	}
	return body + "\n"
}

// Tokenize splits a command line with POSIX shell rules. Without uniparse, runes
// outside latin-1 are replaced by backslash escapes before splitting, so they
// do not survive tokenizing intact.
func Tokenize(line string, uniparse bool) ([]string, error) {
	if !uniparse {
		line = latin1Escape(line)
	}
	return shellquote.Split(line)
}

func latin1Escape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r <= 0xFF:
			b.WriteRune(r)
		case r <= 0xFFFF:
			fmt.Fprintf(&b, `\u%04x`, r)
		default:
			fmt.Fprintf(&b, `\U%08x`, r)
		}
	}
	return b.String()
}

// ParseRequest splits a received line into a case-folded command name and its arguments.
func ParseRequest(line, header string, wrap, uniparse bool) (string, []string, error) {
	tokens, err := Tokenize(line, uniparse)
	if err != nil {
		return "", nil, Errorf(KindMalformedLine, "%v", err)
	}
	if wrap {
		if len(tokens) < 2 || tokens[0] != strings.TrimSpace(header) {
			return "", nil, Errorf(KindMalformedLine, "unrecognized data received.")
		}
		tokens = tokens[1:]
	}
	if len(tokens) == 0 {
		return "", nil, Errorf(KindMalformedLine, "no command given.")
	}
	return strings.ToLower(tokens[0]), tokens[1:], nil
}
