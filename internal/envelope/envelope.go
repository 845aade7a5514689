// Package envelope implements functions for handling email addresses as
// they appear in envelopes and headers.
package envelope

import (
	"strings"

	"blitiri.com.ar/go/dkim/internal/set"
)

// Split an user@domain address into user and domain.
func Split(addr string) (string, string) {
	ps := strings.SplitN(addr, "@", 2)
	if len(ps) != 2 {
		return addr, ""
	}

	return ps[0], ps[1]
}

// UserOf user@domain returns user.
func UserOf(addr string) string {
	user, _ := Split(addr)
	return user
}

// DomainOf user@domain returns domain.
func DomainOf(addr string) string {
	_, domain := Split(addr)
	return domain
}

// DomainIn checks that the domain of the address is on the given set.
func DomainIn(addr string, domains *set.String) bool {
	domain := DomainOf(addr)
	if domain == "" {
		return true
	}

	return domains.Has(domain)
}
