package dkim

import (
	"errors"
	"fmt"
	"strings"
)

type header struct {
	Name   string
	Value  string
	Source string
}

type headers []header

// FindAll the headers with the given name, in order of appearance.
func (h headers) FindAll(name string) headers {
	hs := make(headers, 0)
	for _, header := range h {
		if strings.EqualFold(header.Name, name) {
			hs = append(hs, header)
		}
	}
	return hs
}

var errInvalidHeader = errors.New("invalid header")

// splitMessage finds the blank line separating headers from body, and
// returns both halves (without the separator itself).
//
// Well-formed messages use CRLF CRLF; LF LF, CR CR, CR LF LF and LF CR
// are also accepted, to tolerate malformed input.
func splitMessage(message string) (string, string) {
	for i := 0; i < len(message); i++ {
		rest := message[i:]
		switch {
		case strings.HasPrefix(rest, "\r\n\r\n"):
			return message[:i], message[i+4:]
		case strings.HasPrefix(rest, "\r\n\n"):
			return message[:i], message[i+3:]
		case strings.HasPrefix(rest, "\n\n"),
			strings.HasPrefix(rest, "\n\r"),
			strings.HasPrefix(rest, "\r\r"):
			return message[:i], message[i+2:]
		}
	}

	// No body.
	return message, ""
}

// Parse a RFC822 message, return the header table, body, and error if
// any. Does NOT touch whitespace; the original header bytes have to be
// preserved for simple canonicalization to work.
func parseMessage(message string) (headers, string, error) {
	rawHeaders, body := splitMessage(message)

	hs := make(headers, 0)
	for _, line := range splitLines(rawHeaders) {
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			// Continuation of the previous header.
			if len(hs) == 0 {
				return nil, "", fmt.Errorf(
					"%w: bad continuation", errInvalidHeader)
			}
			hs[len(hs)-1].Value += "\r\n" + line
			hs[len(hs)-1].Source += "\r\n" + line
		} else {
			// New header.
			h, err := parseHeader(line)
			if err != nil {
				return nil, "", err
			}

			hs = append(hs, h)
		}
	}

	return hs, body, nil
}

// splitLines splits the headers section into lines. Lines normally end
// with CRLF; lone LF and lone CR are tolerated.
func splitLines(s string) []string {
	lines := []string{}
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\n':
			lines = append(lines, s[start:i])
			start = i + 1
		case '\r':
			lines = append(lines, s[start:i])
			if i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func parseHeader(line string) (header, error) {
	name, value, found := strings.Cut(line, ":")
	if !found {
		return header{}, fmt.Errorf("%w: no colon", errInvalidHeader)
	}

	return header{
		Name:   name,
		Value:  value,
		Source: line,
	}, nil
}
