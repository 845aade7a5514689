// Package normalize contains functions to normalize usernames, domains
// and message bytes.
package normalize

import (
	"bytes"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// User normalizes an username using PRECIS.
// On error, it will also return the original username to simplify
// callers.
func User(user string) (string, error) {
	norm, err := precis.UsernameCaseMapped.String(user)
	if err != nil {
		return user, err
	}

	return norm, nil
}

// Domain normalizes a domain to its lowercase, A-label (punycode) form.
// On error, it will also return the original domain to simplify callers.
func Domain(domain string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(domain))
	d, err := idna.ToASCII(d)
	if err != nil {
		return domain, err
	}

	return d, nil
}

var (
	crlf = []byte("\r\n")
	lf   = []byte("\n")
)

// ToCRLF converts the given buffer to CRLF line endings. Lines already
// ending with CRLF are left untouched.
func ToCRLF(in []byte) []byte {
	b := bytes.ReplaceAll(in, crlf, lf)
	return bytes.ReplaceAll(b, lf, crlf)
}
