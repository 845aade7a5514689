package dkim

import "errors"

// Errors returned when parsing a DKIM-Signature header. They map to the
// signature error codes of RFC 6376 section 7.8, and can be matched with
// errors.Is.
var (
	ErrInvalidVersion    = errors.New("invalid version")
	ErrInvalidAlgorithm  = errors.New("invalid a= tag")
	ErrInvalidHeaderList = errors.New("invalid h= tag")
	ErrInvalidBodyLimit  = errors.New("invalid l= tag")
	ErrUnknownTag        = errors.New("unknown tag")

	ErrMissingV  = errors.New("missing v= tag")
	ErrMissingA  = errors.New("missing a= tag")
	ErrMissingB  = errors.New("missing b= tag")
	ErrMissingBH = errors.New("missing bh= tag")
	ErrMissingD  = errors.New("missing d= tag")
	ErrMissingS  = errors.New("missing s= tag")
	ErrMissingH  = errors.New("missing h= tag")

	ErrSignatureInFuture = errors.New("signature timestamp is in the future")
	ErrSignatureExpired  = errors.New("signature has expired")
)

// Errors returned when retrieving or parsing the public key record.
var (
	// The DNS lookup itself failed.
	ErrNoKey = errors.New("public key unavailable")

	// The TXT record could not be turned into a usable key.
	ErrKeyUnparseable = errors.New("unparseable key record")

	// The record has an empty p= tag, which means the key was revoked.
	// https://datatracker.ietf.org/doc/html/rfc6376#section-3.6.1
	ErrKeyRevoked = errors.New("key revoked")
)

// Errors returned when the verification itself fails, but the signature
// header is well formed.
var (
	ErrBodyHashMismatch = errors.New("body hash mismatch")
	ErrBadSignature     = errors.New("bad signature")

	// The DKIM-Signature header could not be re-located in the message
	// while canonicalizing it.
	ErrSignatureHeaderLost = errors.New("signature header not in message")
)

// Malformed tag-list structure (e.g. a tag with no '='). Individual tags
// have their own, more specific errors above.
var errMalformedTagList = errors.New("malformed tag list")

var errInvalidTimestamp = errors.New("invalid timestamp")
