package dkim

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

var errUnknownCanonicalization = errors.New("unknown canonicalization")

type canonicalization string

var (
	simpleCanonicalization  canonicalization = "simple"
	relaxedCanonicalization canonicalization = "relaxed"
)

func stringToCanonicalization(s string) (canonicalization, error) {
	switch s {
	case "simple":
		return simpleCanonicalization, nil
	case "relaxed":
		return relaxedCanonicalization, nil
	default:
		return "", fmt.Errorf("%w: %s", errUnknownCanonicalization, s)
	}
}

// bodyWriter returns a writer that canonicalizes the body bytes written
// to it and emits them into w (normally a hash). Close completes the
// handling of the trailing lines; nothing may be written afterwards.
func (c canonicalization) bodyWriter(w io.Writer) io.WriteCloser {
	switch c {
	case simpleCanonicalization:
		return &simpleBodyWriter{w: w}
	case relaxedCanonicalization:
		return &relaxedBodyWriter{w: w}
	default:
		panic("unknown canonicalization")
	}
}

func (c canonicalization) header(h header) header {
	switch c {
	case simpleCanonicalization:
		return h
	case relaxedCanonicalization:
		return relaxHeader(h)
	default:
		panic("unknown canonicalization")
	}
}

// Simple body canonicalization: the body is unchanged, except that
// trailing empty lines are collapsed into a single CRLF, which is also
// added if missing. An empty body becomes a single CRLF.
// https://datatracker.ietf.org/doc/html/rfc6376#section-3.4.3
type simpleBodyWriter struct {
	w       io.Writer
	crlfBuf []byte
}

func (c *simpleBodyWriter) Write(b []byte) (int, error) {
	written := len(b)
	b = append(c.crlfBuf, b...)

	end := len(b)
	// A trailing \r may be completed to \r\n by the next write.
	if end > 0 && b[end-1] == '\r' {
		end--
	}
	// Hold back the trailing run of CRLFs.
	for end >= 2 && b[end-2] == '\r' && b[end-1] == '\n' {
		end -= 2
	}

	c.crlfBuf = append([]byte(nil), b[end:]...)

	var err error
	if end > 0 {
		_, err = c.w.Write(b[:end])
	}
	return written, err
}

func (c *simpleBodyWriter) Close() error {
	// An unmatched trailing \r is content, not a line break.
	if len(c.crlfBuf) > 0 && c.crlfBuf[len(c.crlfBuf)-1] == '\r' {
		if _, err := c.w.Write(c.crlfBuf); err != nil {
			return err
		}
	}
	c.crlfBuf = nil

	// All bodies, including an empty one, end with a single CRLF.
	_, err := c.w.Write([]byte("\r\n"))
	return err
}

// Relaxed body canonicalization: runs of whitespace are reduced to a
// single space, whitespace at the end of each line is dropped, and
// trailing empty lines are collapsed as in simple.
// https://datatracker.ietf.org/doc/html/rfc6376#section-3.4.4
type relaxedBodyWriter struct {
	w       io.Writer
	crlfBuf []byte
	wsp     bool
}

func (c *relaxedBodyWriter) Write(b []byte) (int, error) {
	written := len(b)

	out := make([]byte, 0, len(b))
	for _, ch := range b {
		switch {
		case ch == ' ' || ch == '\t':
			c.wsp = true
		case ch == '\r' || ch == '\n':
			// Whitespace right before a line break is dropped.
			c.wsp = false
			c.crlfBuf = append(c.crlfBuf, ch)
		default:
			if len(c.crlfBuf) > 0 {
				out = append(out, c.crlfBuf...)
				c.crlfBuf = c.crlfBuf[:0]
			}
			if c.wsp {
				out = append(out, ' ')
				c.wsp = false
			}
			out = append(out, ch)
		}
	}

	_, err := c.w.Write(out)
	return written, err
}

func (c *relaxedBodyWriter) Close() error {
	// Line breaks left in crlfBuf are trailing and get dropped; the
	// body, even an empty one, ends with exactly one CRLF.
	_, err := c.w.Write([]byte("\r\n"))
	return err
}

// Notes on whitespace reduction:
// https://datatracker.ietf.org/doc/html/rfc6376#section-2.8
// There are only 3 forms of whitespace:
//  - WSP  =  SP / HTAB
//    Simple whitespace: space or tab.
//  - LWSP =  *(WSP / CRLF WSP)
//    Linear whitespace: any number of { simple whitespace OR CRLF followed
//    by simple whitespace }.
//  - FWS  =  [*WSP CRLF] 1*WSP
//    Folding whitespace: optional { simple whitespace OR CRLF } followed
//    by one or more simple whitespace.

var (
	// Continued header: WSP after CRLF.
	continuedHeader = regexp.MustCompile(`\r\n[ \t]+`)

	// Repeated WSP.
	repeatedWSP = regexp.MustCompile(`[ \t]+`)
)

func relaxHeader(h header) header {
	// https://datatracker.ietf.org/doc/html/rfc6376#section-3.4.2
	// Convert the header field name to lowercase, and remove the WSP
	// around it.
	name := strings.TrimSpace(strings.ToLower(h.Name))

	// Unfold continuation lines in the value.
	value := continuedHeader.ReplaceAllString(h.Value, " ")

	// Reduce all sequences of WSP to a single SP.
	value = repeatedWSP.ReplaceAllLiteralString(value, " ")

	// Delete the WSP at both ends of the unfolded value.
	value = strings.Trim(value, " \t\r\n")

	return header{
		Name:  name,
		Value: value,

		// The "source" is the relaxed field: name, colon, and value
		// (with no space around the colon).
		Source: name + ":" + value,
	}
}

// Regular expression that matches the "b=" tag and its value. The first
// capture group is the "b=" part, including any whitespace up to the '='.
var bTag = regexp.MustCompile(`(b[ \t\r\n]*=)[^;]*`)

// selfCanonicalize produces the bytes the DKIM-Signature header itself
// contributes to the headers hash: canonicalized like any other header,
// but with the b= value elided and with no trailing line break.
// https://datatracker.ietf.org/doc/html/rfc6376#section-3.7
func (c canonicalization) selfCanonicalize(h header) string {
	src := c.header(h).Source
	src = bTag.ReplaceAllString(src, "$1")
	return strings.TrimRight(src, "\r\n")
}
