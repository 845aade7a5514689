// Package policy decides, for each message, whether it should be
// DKIM-signed, and with which domain, selector and key.
//
// It only makes the decision; the signing itself (and the loading of the
// key material) is up to the caller.
package policy

import (
	"net/netip"
	"strings"

	"blitiri.com.ar/go/log"

	"blitiri.com.ar/go/dkim/internal/envelope"
	"blitiri.com.ar/go/dkim/internal/normalize"
	"blitiri.com.ar/go/dkim/internal/set"
	"golang.org/x/net/publicsuffix"
)

// Flavor selects which per-task variables drive the key resolution.
type Flavor string

const (
	DKIM Flavor = "dkim"
	ARC  Flavor = "arc"
)

// Symbol left on a task when its DKIM check failed.
const SymDKIMReject = "R_DKIM_REJECT"

// SignParams is what a signer needs: the signing domain, the selector,
// and the key material (normally a path to the private key; the raw key
// itself when it came in a request header).
type SignParams struct {
	Domain   string
	Selector string
	Key      string
}

// Task describes the message under consideration.
type Task struct {
	// Authenticated SMTP user (e.g. "alice@example.com"); empty if the
	// session did not authenticate.
	AuthUser string

	// IP the message came from.
	SourceIP netip.Addr

	// Envelope MAIL FROM addresses.
	EnvelopeFrom []string

	// Addresses in the From: header.
	HeaderFrom []string

	// Envelope recipients.
	Recipients []string

	// Per-task variables, as set by other filters.
	Vars map[string]string

	// Request headers, used in HTTP-header mode.
	RequestHeaders map[string]string

	// Symbols other checks have left on the task.
	Symbols *set.String
}

// Eval decides whether the message described by task should be signed.
//
// It never fails: whenever a required piece is missing, the decision is
// to not sign.
func Eval(cfg *Config, task *Task, flavor Flavor) (*SignParams, bool) {
	if cfg == nil || task == nil {
		return nil, false
	}

	if cfg.UseHTTPHeaders {
		return evalHTTPHeaders(cfg, task)
	}
	return evalNative(cfg, task, flavor)
}

func evalHTTPHeaders(cfg *Config, task *Task) (*SignParams, bool) {
	// The presence of the sign header is the switch; its value is not
	// looked at.
	if _, ok := task.RequestHeaders[cfg.signHeader()]; !ok {
		return nil, false
	}

	domain, okD := task.RequestHeaders[cfg.domainHeader()]
	selector, okS := task.RequestHeaders[cfg.selectorHeader()]
	key, okK := task.RequestHeaders[cfg.keyHeader()]
	if !okD || !okS || !okK {
		log.Debugf("dkim policy: http mode: domain/selector/key header missing")
		return nil, false
	}

	if _, ok := task.RequestHeaders[cfg.signOnRejectHeader()]; !ok {
		if task.Symbols.Has(SymDKIMReject) {
			log.Debugf("dkim policy: message already failed DKIM, not signing")
			return nil, false
		}
	}

	return &SignParams{Domain: domain, Selector: selector, Key: key}, true
}

func evalNative(cfg *Config, task *Task, flavor Flavor) (*SignParams, bool) {
	local := isLocal(task.SourceIP)
	networks := inSignNetworks(cfg, task.SourceIP)
	authed := task.AuthUser != ""

	// Gate: is this a sender we sign for?
	sign := cfg.AuthOnly && authed ||
		networks ||
		cfg.SignLocal && local ||
		cfg.SignInbound && !local && !authed
	if !sign {
		log.Debugf("dkim policy: sender matches no signing condition")
		return nil, false
	}

	// Envelope and From sanity.
	if !cfg.AllowEnvfromEmpty && len(task.EnvelopeFrom) == 0 {
		log.Debugf("dkim policy: empty envelope from")
		return nil, false
	}
	if !cfg.AllowHdrfromMultiple && len(task.HeaderFrom) != 1 {
		log.Debugf("dkim policy: %d From: addresses", len(task.HeaderFrom))
		return nil, false
	}

	// Candidate domains, in normalized form.
	var hdom, edom, udom, tdom string
	if len(task.HeaderFrom) > 0 {
		hdom = normDomain(envelope.DomainOf(task.HeaderFrom[0]))
	}
	if len(task.EnvelopeFrom) > 0 {
		edom = normDomain(envelope.DomainOf(task.EnvelopeFrom[0]))
	}
	if authed {
		udom = normDomain(envelope.DomainOf(task.AuthUser))
	}
	if len(task.Recipients) > 0 {
		tdom = normDomain(envelope.DomainOf(task.Recipients[0]))
	}

	// Which of them becomes the signing domain.
	source := cfg.UseDomain
	switch {
	case networks && cfg.UseDomainSignNetworks != "":
		source = cfg.UseDomainSignNetworks
	case local && cfg.UseDomainSignLocal != "":
		source = cfg.UseDomainSignLocal
	case !local && !authed && cfg.UseDomainSignInbound != "":
		source = cfg.UseDomainSignInbound
	}
	if source == "" {
		source = FromHeader
	}

	dkimDomain := ""
	switch source {
	case FromHeader:
		dkimDomain = hdom
	case FromEnvelope:
		dkimDomain = edom
	case FromAuth:
		dkimDomain = udom
	case FromRecipient:
		dkimDomain = tdom
	}
	if dkimDomain == "" {
		log.Debugf("dkim policy: no signing domain (source %q)", source)
		return nil, false
	}

	if cfg.UseESLD {
		dkimDomain = esld(dkimDomain)
		hdom = esld(hdom)
		edom = esld(edom)
	}

	// From: domain vs envelope domain. Only checked when both are
	// present; an empty envelope can only get this far when it is
	// explicitly allowed.
	if hdom != "" && edom != "" && hdom != edom && !cfg.AllowHdrfromMismatch {
		allowed := cfg.AllowHdrfromMismatchLocal && local ||
			cfg.AllowHdrfromMismatchSignNetworks && networks
		if !allowed {
			log.Debugf("dkim policy: From: domain %q != envelope domain %q",
				hdom, edom)
			return nil, false
		}
	}

	// Authenticated user's domain vs signing domain.
	if authed && !cfg.AllowUsernameMismatch {
		u := udom
		if cfg.UseESLD {
			u = esld(u)
		}
		if u != dkimDomain {
			log.Debugf("dkim policy: user domain %q != signing domain %q",
				u, dkimDomain)
			return nil, false
		}
	}

	selector, key := resolveKey(cfg, task, flavor, dkimDomain)
	if selector == "" {
		log.Debugf("dkim policy: no selector for %q", dkimDomain)
		return nil, false
	}
	if key == "" && !cfg.UseRedis {
		log.Debugf("dkim policy: no key for %q", dkimDomain)
		return nil, false
	}

	return &SignParams{Domain: dkimDomain, Selector: selector, Key: key}, true
}

// resolveKey runs the selector/key resolution chain: per-domain
// configuration, per-task variables, the fallback maps, and finally the
// global defaults.
func resolveKey(cfg *Config, task *Task, flavor Flavor, domain string) (string, string) {
	var selector, key string

	if dk, ok := cfg.Domain[domain]; ok {
		selector, key = dk.Selector, dk.Path
	}

	// Per-task variables override the configuration.
	keyVar, selVar := "dkim_key", "dkim_selector"
	if flavor == ARC {
		keyVar, selVar = "arc_key", "arc_selector"
	}
	if v := task.Vars[keyVar]; v != "" {
		key = v
	}
	if v := task.Vars[selVar]; v != "" {
		selector = v
	}

	if selector == "" && cfg.SelectorMap != nil {
		selector = cfg.SelectorMap[domain]
	}
	if key == "" && cfg.PathMap != nil {
		key = cfg.PathMap[domain]
	}

	// Global defaults, only when explicitly allowed. With UseRedis the
	// key is resolved elsewhere, so only the selector applies.
	if cfg.TryFallback {
		if selector == "" {
			selector = cfg.Selector
		}
		if key == "" && !cfg.UseRedis {
			key = cfg.Path
		}
	}

	return selector, expandPath(key, domain, selector)
}

// expandPath substitutes $domain and $selector in a configured key path.
func expandPath(path, domain, selector string) string {
	path = strings.ReplaceAll(path, "$domain", domain)
	return strings.ReplaceAll(path, "$selector", selector)
}

// isLocal checks if the IP is from a loopback, link-local or private
// (RFC 1918 / ULA) range.
func isLocal(ip netip.Addr) bool {
	if !ip.IsValid() {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

func inSignNetworks(cfg *Config, ip netip.Addr) bool {
	if !ip.IsValid() {
		return false
	}
	for _, n := range cfg.SignNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Candidate domains are compared in normalized (lowercase, A-label)
// form.
func normDomain(domain string) string {
	d, err := normalize.Domain(domain)
	if err != nil {
		return strings.ToLower(domain)
	}
	return d
}

// esld collapses a domain to its effective second-level domain, per the
// public suffix list. Domains that are already minimal are returned
// unchanged; under a TLD the list does not know, the list's default rule
// applies (the last label is the suffix).
func esld(domain string) string {
	if domain == "" {
		return ""
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return domain
	}
	return d
}
