package policy

import "net/netip"

// DomainKey is the signing material configured for a single domain.
type DomainKey struct {
	// Selector to use.
	Selector string

	// Path to the private key.
	Path string
}

// DomainSource names where the signing domain is taken from.
type DomainSource string

const (
	FromHeader    DomainSource = "header"
	FromEnvelope  DomainSource = "envelope"
	FromAuth      DomainSource = "auth"
	FromRecipient DomainSource = "recipient"
)

// Config controls the signing decision. The zero value of every field
// means "not set"; missing required pieces make the decision fail
// closed (do not sign).
type Config struct {
	// Take the signing parameters from the request headers instead of
	// deciding locally.
	UseHTTPHeaders bool

	// Header names for the HTTP-header mode. When empty, the defaults
	// below apply.
	HTTPSignHeader         string // default: PerformDkimSign
	HTTPSignOnRejectHeader string // default: SignOnAuthFailed
	HTTPDomainHeader       string // default: DkimDomain
	HTTPSelectorHeader     string // default: DkimSelector
	HTTPKeyHeader          string // default: DkimPrivateKey

	// Sign only mail from authenticated senders.
	AuthOnly bool

	// Networks whose mail is signed regardless of authentication.
	SignNetworks []netip.Prefix

	// Sign mail from local addresses (loopback, RFC 1918, ...).
	SignLocal bool

	// Sign mail arriving from non-local, unauthenticated sources.
	SignInbound bool

	// Relax the corresponding envelope/header checks.
	AllowEnvfromEmpty    bool
	AllowHdrfromMultiple bool

	// Sign even when the From: domain does not match the envelope
	// domain; the Local/SignNetworks variants only relax the check for
	// those senders.
	AllowHdrfromMismatch             bool
	AllowHdrfromMismatchLocal        bool
	AllowHdrfromMismatchSignNetworks bool

	// Sign even when the authenticated user's domain does not match the
	// signing domain.
	AllowUsernameMismatch bool

	// Where the signing domain is taken from. UseDomain is the default;
	// the others, when set, take precedence for the matching senders.
	UseDomain             DomainSource
	UseDomainSignNetworks DomainSource
	UseDomainSignLocal    DomainSource
	UseDomainSignInbound  DomainSource

	// Collapse domains to their effective second-level domain, per the
	// public suffix list.
	UseESLD bool

	// Per-domain selectors and keys.
	Domain map[string]DomainKey

	// Fallback per-domain maps, consulted when Domain misses.
	SelectorMap map[string]string
	PathMap     map[string]string

	// Global defaults, used only when TryFallback is set.
	Selector    string
	Path        string
	TryFallback bool

	// The key is resolved from Redis, outside this module. SignParams
	// comes back with an empty Key in that case.
	UseRedis bool
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (c *Config) signHeader() string {
	return orDefault(c.HTTPSignHeader, "PerformDkimSign")
}

func (c *Config) signOnRejectHeader() string {
	return orDefault(c.HTTPSignOnRejectHeader, "SignOnAuthFailed")
}

func (c *Config) domainHeader() string {
	return orDefault(c.HTTPDomainHeader, "DkimDomain")
}

func (c *Config) selectorHeader() string {
	return orDefault(c.HTTPSelectorHeader, "DkimSelector")
}

func (c *Config) keyHeader() string {
	return orDefault(c.HTTPKeyHeader, "DkimPrivateKey")
}
