// Package dkim implements DKIM (DomainKeys Identified Mail, RFC 6376)
// signature verification, plus the signing-policy helper in the policy
// subpackage.
package dkim

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"strings"
)

// Verdict of evaluating one signature. The names mirror the actions an
// SMTP-time filter would take based on it.
type Verdict string

const (
	// The signature verified correctly.
	CONTINUE Verdict = "CONTINUE"

	// The signature is well formed but does not match the message.
	REJECT Verdict = "REJECT"

	// Retriable failure (e.g. a transient DNS error).
	TEMPFAIL Verdict = "TEMPFAIL"

	// Permanent failure (malformed signature, unusable key).
	PERMFAIL Verdict = "PERMFAIL"

	// The message and its header table disagree: the signature header
	// could not be re-located for canonicalization.
	RECORDERROR Verdict = "RECORD_ERROR"
)

// VerifyResult is the result of verifying all signatures in a message.
type VerifyResult struct {
	// How many signatures were found and evaluated (at most the
	// WithMaxHeaders cap).
	Found uint

	// How many signatures were verified successfully.
	Valid uint

	// The details for each signature that was found.
	Results []*OneResult
}

// OneResult is the result of evaluating a single signature.
type OneResult struct {
	// The raw signature header value.
	SignatureHeader string

	// Domain and selector from the signature header.
	Domain   string
	Selector string

	// Base64-encoded signature. May be missing if it is not present in
	// the header.
	B string

	// The result of the evaluation.
	Verdict Verdict
	Error   error
}

// AuthenticationResults returns the DKIM-specific contents for an
// Authentication-Results header. It is just the contents, the header
// still needs to be constructed; the output will need to be indented by
// the caller.
// https://datatracker.ietf.org/doc/html/rfc8601#section-2.7.1
func (r *VerifyResult) AuthenticationResults() string {
	// The weird placement of the ";" is due to the specification saying
	// they have to be before each method, not at the end. By doing it
	// this way, the output can be concatenated with other results.
	ar := &strings.Builder{}
	if r.Found == 0 {
		ar.WriteString(";dkim=none\r\n")
		return ar.String()
	}

	for _, res := range r.Results {
		// Map the verdict to the corresponding result.
		// https://datatracker.ietf.org/doc/html/rfc8601#section-2.7.1
		switch res.Verdict {
		case CONTINUE:
			ar.WriteString(";dkim=pass")
		case TEMPFAIL:
			// The reason must come before the properties.
			fmt.Fprintf(ar, ";dkim=temperror  reason=%q\r\n", res.Error)
		case REJECT:
			fmt.Fprintf(ar, ";dkim=fail  reason=%q\r\n", res.Error)
		case PERMFAIL, RECORDERROR:
			fmt.Fprintf(ar, ";dkim=permerror  reason=%q\r\n", res.Error)
		}

		if res.B != "" {
			// Include a partial b= tag to help identify which signature
			// is being referred to.
			// https://datatracker.ietf.org/doc/html/rfc6008#section-4
			fmt.Fprintf(ar, "  header.b=%.12s", res.B)
		}

		ar.WriteString("  header.d=" + res.Domain + "\r\n")
	}

	return ar.String()
}

// VerifyMessage verifies the DKIM signatures of the given message, and
// returns one result per signature found.
func VerifyMessage(ctx context.Context, message string) (*VerifyResult, error) {
	// https://datatracker.ietf.org/doc/html/rfc6376#section-6
	headers, body, err := parseMessage(message)
	if err != nil {
		trace(ctx, "Error parsing message: %v", err)
		return nil, err
	}

	results := &VerifyResult{
		Results: []*OneResult{},
	}

	for i, sig := range headers.FindAll("DKIM-Signature") {
		trace(ctx, "Found DKIM-Signature header: %s", sig.Value)

		if i >= maxHeaders(ctx) {
			// Protect from potential DoS by capping the number of
			// signatures we evaluate.
			// https://datatracker.ietf.org/doc/html/rfc6376#section-8.4
			trace(ctx, "Too many DKIM-Signature headers found")
			break
		}

		results.Found++
		res := verifySignature(ctx, sig, headers, body)
		results.Results = append(results.Results, res)
		if res.Verdict == CONTINUE {
			results.Valid++
		}
	}

	trace(ctx, "Found %d signatures, %d valid", results.Found, results.Valid)
	return results, nil
}

func verifySignature(ctx context.Context, sigH header,
	headers headers, body string) *OneResult {
	result := &OneResult{
		SignatureHeader: sigH.Value,
	}

	sig, err := parseSignature(sigH.Value)
	if err != nil {
		// Header validation errors are a PERMFAIL.
		// https://datatracker.ietf.org/doc/html/rfc6376#section-6.1.1
		result.Error = err
		result.Verdict = PERMFAIL
		return result
	}

	result.Domain = sig.domain
	result.Selector = sig.selector
	result.B = base64.StdEncoding.EncodeToString(sig.b)

	// Get the public key.
	// https://datatracker.ietf.org/doc/html/rfc6376#section-6.1.2
	key, err := findPublicKey(ctx, sig.dnsKey)
	if err != nil {
		result.Error = err
		result.Verdict = PERMFAIL

		// Transient DNS errors are a TEMPFAIL so the caller can retry
		// the message later; NXDOMAIN and unusable records are
		// permanent.
		// https://datatracker.ietf.org/doc/html/rfc6376#section-6.1.2
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.Temporary() {
			result.Verdict = TEMPFAIL
		}
		return result
	}

	// Step 1: canonicalize and hash the body, truncated to l= if
	// present. The limit applies to the raw body bytes.
	// https://datatracker.ietf.org/doc/html/rfc6376#section-3.7
	b := body
	if sig.bodyLimit >= 0 && int64(len(b)) > sig.bodyLimit {
		b = b[:sig.bodyLimit]
	}
	if err := feedBody(sig.bodyCanon.bodyWriter(sig.bodyHash), b); err != nil {
		result.Error = err
		result.Verdict = PERMFAIL
		return result
	}

	// Step 2: compare the body hash with bh=. This always happens before
	// the headers hash is finalized; on mismatch, the signature is not
	// even looked at.
	bodySum := sig.bodyHash.Sum(nil)
	if !bytes.Equal(bodySum, sig.bh) {
		bodySumStr := base64.StdEncoding.EncodeToString(bodySum)
		trace(ctx, "Body hash mismatch: %q", bodySumStr)

		result.Error = fmt.Errorf("%w (got %s)", ErrBodyHashMismatch, bodySumStr)
		result.Verdict = REJECT
		return result
	}
	trace(ctx, "Body hash matches: %q",
		base64.StdEncoding.EncodeToString(bodySum))

	// Step 3: hash the (canonicalized) headers that appear in the h=
	// tag, in the order given there. Headers that do not exist in the
	// message contribute nothing.
	// https://datatracker.ietf.org/doc/html/rfc6376#section-3.7
	for _, h := range headersToInclude(sigH, sig.headers, headers) {
		hsrc := sig.headerCanon.header(h).Source + "\r\n"
		trace(ctx, "Hashing header: %q", hsrc)
		io.WriteString(sig.headersHash, hsrc)
	}

	// Step 4: hash the (canonicalized) DKIM-Signature header itself,
	// with an empty b= tag, and without a trailing line break. We
	// re-locate it in the header table to make sure we hash what the
	// message actually carries.
	selfH, ok := findSelf(sigH, headers)
	if !ok {
		result.Error = ErrSignatureHeaderLost
		result.Verdict = RECORDERROR
		return result
	}
	selfSrc := sig.headerCanon.selfCanonicalize(selfH)
	trace(ctx, "Hashing header: %q", selfSrc)
	io.WriteString(sig.headersHash, selfSrc)
	headersSum := sig.headersHash.Sum(nil)
	trace(ctx, "Resulting hash: %q",
		base64.StdEncoding.EncodeToString(headersSum))

	// Step 5: validate the signature.
	if len(sig.b) != key.size() {
		result.Error = fmt.Errorf("%w: signature is %d bytes, key wants %d",
			ErrBadSignature, len(sig.b), key.size())
		result.Verdict = REJECT
		return result
	}
	if err := key.verify(sig.algo, headersSum, sig.b); err != nil {
		trace(ctx, "Verification failed: %v", err)
		result.Error = fmt.Errorf("%w: %v", ErrBadSignature, err)
		result.Verdict = REJECT
		return result
	}

	trace(ctx, "Verification succeeded")
	result.Verdict = CONTINUE
	return result
}

// The body is fed to the canonicalizers in fixed-size chunks, so
// arbitrarily large messages hash in bounded memory.
const bodyChunkSize = 4096

func feedBody(w io.WriteCloser, body string) error {
	for len(body) > 0 {
		n := bodyChunkSize
		if n > len(body) {
			n = len(body)
		}
		if _, err := io.WriteString(w, body[:n]); err != nil {
			return err
		}
		body = body[n:]
	}
	return w.Close()
}

func findSelf(sigH header, headers headers) (header, bool) {
	for _, h := range headers.FindAll("DKIM-Signature") {
		if h == sigH {
			return h, true
		}
	}
	return header{}, false
}

func headersToInclude(sigH header, hTag []string, headers headers) []header {
	// Return the actual headers to include in the hash, based on the
	// list given in the h= tag.
	// This is complicated because:
	//  - Headers can be included multiple times. In that case, we must
	//    pick the last instance (which hasn't been already included).
	//    https://datatracker.ietf.org/doc/html/rfc6376#section-5.4.2
	//  - Headers may appear fewer times than they are requested.
	//  - DKIM-Signature may be included, but we must not include the one
	//    being verified.
	//    https://datatracker.ietf.org/doc/html/rfc6376#section-3.7
	//  - Headers may be missing, and that's allowed.
	//    https://datatracker.ietf.org/doc/html/rfc6376#section-5.4
	seen := map[string]int{}
	include := []header{}
	for _, h := range hTag {
		all := headers.FindAll(h)
		slices.Reverse(all)

		// We keep track of the last instance of each header that we
		// included, and find the next one every time it appears in h=.
		// We have to be careful because the header itself may not be
		// present, or we may be asked to include it more times than it
		// appears.
		lh := strings.ToLower(h)
		i := seen[lh]
		if i >= len(all) {
			continue
		}
		seen[lh]++

		selected := all[i]

		if selected == sigH {
			continue
		}

		include = append(include, selected)
	}

	return include
}
