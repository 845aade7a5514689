package dkim

import (
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"
)

// https://datatracker.ietf.org/doc/html/rfc6376#section-3.5

// Used to check t= and x=; a variable so tests can override it.
var now = time.Now

// Parsed DKIM-Signature header, plus the state needed to verify it.
type signature struct {
	// Version. Must be "1".
	v string

	// Hash algorithm, from a=. Only rsa-sha1 and rsa-sha256 are
	// supported, so the key type is implicitly RSA.
	algo crypto.Hash

	// Canonicalization modes, from c=. Both default to simple.
	headerCanon canonicalization
	bodyCanon   canonicalization

	// Domain ("SDID", d=) and selector (s=), verbatim.
	domain   string
	selector string

	// Signed header fields from h=, preserving their order.
	headers []string

	// Signature data, decoded from b=.
	b []byte

	// Hash of the canonicalized body, decoded from bh=.
	bh []byte

	// Body octet count from l=; -1 when the whole body is covered.
	bodyLimit int64

	// Timestamp (t=) and expiration (x=); zero when absent.
	timestamp  time.Time
	expiration time.Time

	// Domain where the public key record lives.
	// https://datatracker.ietf.org/doc/html/rfc6376#section-3.6.2
	dnsKey string

	// Running hashes, fed by the body and header canonicalizers.
	bodyHash    hash.Hash
	headersHash hash.Hash
}

// States for the tag-list parser.
const (
	stateTag = iota
	stateAfterTag
	stateValue
	stateSkipWS
)

func isWS(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// String replacer that removes whitespace.
var eatWhitespace = strings.NewReplacer(" ", "", "\t", "", "\r", "", "\n", "")

// parseSignature parses the value of a DKIM-Signature header.
//
// Tags may appear in any order, and a trailing ";" is optional.
// Duplicate tags are not expected, but are tolerated; the last value
// wins.
func parseSignature(value string) (*signature, error) {
	sig := &signature{
		headerCanon: simpleCanonicalization,
		bodyCanon:   simpleCanonicalization,
		bodyLimit:   -1,
	}

	var (
		state = stateSkipWS
		next  = stateTag // where stateSkipWS goes back to
		tag   string
		start int
	)

	// One extra iteration with eof set, to flush the last value.
	for i := 0; i <= len(value); i++ {
		eof := i == len(value)
		var c byte
		if !eof {
			c = value[i]
		}

		switch state {
		case stateSkipWS:
			if eof {
				if next == stateValue {
					// The header ends right after "tag=".
					if err := sig.setTag(tag, ""); err != nil {
						return nil, err
					}
				}
				continue
			}
			if isWS(c) {
				continue
			}
			state = next
			start = i
			i-- // reprocess this byte in the new state

		case stateTag:
			if eof || c == ';' {
				return nil, fmt.Errorf("%w: tag %q with no value",
					errMalformedTagList, value[start:i])
			}
			if c == '=' || isWS(c) {
				tag = value[start:i]
				state = stateAfterTag
				i--
			}

		case stateAfterTag:
			if eof {
				return nil, fmt.Errorf("%w: tag %q with no value",
					errMalformedTagList, tag)
			}
			if isWS(c) {
				continue
			}
			if c != '=' {
				return nil, fmt.Errorf("%w: expected '=' after %q",
					errMalformedTagList, tag)
			}
			state = stateSkipWS
			next = stateValue

		case stateValue:
			if eof || c == ';' {
				val := strings.TrimRight(value[start:i], " \t\r\n")
				if err := sig.setTag(tag, val); err != nil {
					return nil, err
				}
				state = stateSkipWS
				next = stateTag
			}
		}
	}

	if err := sig.checkRequiredTags(); err != nil {
		return nil, err
	}

	sig.dnsKey = sig.selector + "._domainkey." + sig.domain
	sig.bodyHash = sig.algo.New()
	sig.headersHash = sig.algo.New()

	return sig, nil
}

func (sig *signature) setTag(tag, val string) error {
	switch tag {
	case "v":
		// Must be exactly "1".
		if val != "1" {
			return fmt.Errorf("%w: %q", ErrInvalidVersion, val)
		}
		sig.v = val

	case "a":
		switch val {
		case "rsa-sha1":
			sig.algo = crypto.SHA1
		case "rsa-sha256":
			sig.algo = crypto.SHA256
		default:
			return fmt.Errorf("%w: %q", ErrInvalidAlgorithm, val)
		}

	case "b":
		// base64, and whitespace in it must be ignored.
		b, err := base64.StdEncoding.DecodeString(eatWhitespace.Replace(val))
		if err != nil {
			return fmt.Errorf("%w: bad base64 in b=: %v", ErrBadSignature, err)
		}
		sig.b = b

	case "bh":
		bh, err := base64.StdEncoding.DecodeString(eatWhitespace.Replace(val))
		if err != nil {
			return fmt.Errorf("%w: bad base64 in bh=: %v", ErrBadSignature, err)
		}
		sig.bh = bh

	case "c":
		return sig.setCanonicalization(val)

	case "d":
		sig.domain = val

	case "s":
		sig.selector = val

	case "h":
		// Colon-separated list of header fields, order-significant.
		sig.headers = []string{}
		for _, h := range strings.Split(val, ":") {
			h = strings.Trim(h, " \t\r\n")
			if h == "" {
				continue
			}
			sig.headers = append(sig.headers, h)
		}

	case "l":
		n, err := strconv.ParseUint(val, 10, 63)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidBodyLimit, val)
		}
		sig.bodyLimit = int64(n)

	case "t":
		t, err := unixStrToTime(val)
		if err != nil {
			return fmt.Errorf("failed to parse t=: %w", err)
		}
		sig.timestamp = t

	case "x":
		t, err := unixStrToTime(val)
		if err != nil {
			return fmt.Errorf("failed to parse x=: %w", err)
		}
		sig.expiration = t

	case "i", "q", "z":
		// Legal, but not needed for verification; ignored.

	default:
		return fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}

	return nil
}

func (sig *signature) setCanonicalization(val string) error {
	// Either "header" or "header/body". In the first form, the body
	// algorithm stays at its default (simple).
	// https://datatracker.ietf.org/doc/html/rfc6376#section-3.5
	hs, bs, _ := strings.Cut(val, "/")

	var err error
	sig.headerCanon, err = stringToCanonicalization(strings.TrimSpace(hs))
	if err != nil {
		return fmt.Errorf("header: %w", err)
	}
	if bs != "" {
		sig.bodyCanon, err = stringToCanonicalization(strings.TrimSpace(bs))
		if err != nil {
			return fmt.Errorf("body: %w", err)
		}
	}

	return nil
}

func (sig *signature) checkRequiredTags() error {
	// The order of these checks, and the error each one returns, is part
	// of the external behavior.
	// https://datatracker.ietf.org/doc/html/rfc6376#section-6.1.1
	if len(sig.b) == 0 {
		return ErrMissingB
	}
	if len(sig.bh) == 0 {
		return ErrMissingBH
	}
	if sig.domain == "" {
		return ErrMissingD
	}
	if sig.selector == "" {
		return ErrMissingS
	}
	if sig.v == "" {
		return ErrMissingV
	}
	if sig.headers == nil {
		return ErrMissingH
	}
	if len(sig.headers) == 0 {
		return fmt.Errorf("%w: empty list", ErrInvalidHeaderList)
	}
	hasFrom := false
	for _, h := range sig.headers {
		if strings.EqualFold(h, "from") {
			hasFrom = true
			break
		}
	}
	if !hasFrom {
		return fmt.Errorf("%w: 'from' is not signed", ErrInvalidHeaderList)
	}
	if sig.algo == 0 {
		return ErrMissingA
	}

	// The body hash must be as long as a digest of a=.
	if len(sig.bh) != sig.algo.Size() {
		return fmt.Errorf("%w: bh= is %d bytes, expected %d",
			ErrBadSignature, len(sig.bh), sig.algo.Size())
	}

	if !sig.timestamp.IsZero() && sig.timestamp.After(now()) {
		return ErrSignatureInFuture
	}
	if !sig.expiration.IsZero() && !sig.expiration.After(now()) {
		return ErrSignatureExpired
	}

	return nil
}

func unixStrToTime(s string) (time.Time, error) {
	// Technically an "unsigned decimal integer", but time.Unix takes an
	// int64, so we use that and check it's positive.
	ti, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if ti < 0 {
		return time.Time{}, errInvalidTimestamp
	}
	return time.Unix(ti, 0), nil
}
