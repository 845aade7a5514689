package dkim

import (
	"context"
	"fmt"
)

// findPublicKey queries DNS for the signature's key record, and returns
// the first usable key.
func findPublicKey(ctx context.Context, dnsKey string) (*publicKey, error) {
	// Multiple strings in a single TXT record are already concatenated
	// by the resolver, as RFC 6376 section 3.6.2.2 requires.
	values, err := lookupTXT(ctx, dnsKey)
	if err != nil {
		trace(ctx, "TXT lookup of %q failed: %v", dnsKey, err)
		return nil, fmt.Errorf("%w: %w", ErrNoKey, err)
	}

	// There should be only a single record; RFC 6376 says the results
	// are undefined if there are multiple. We walk them in reply order
	// and use the first one that parses as a key, forgetting the errors
	// from the records before it: any key wins.
	var lastErr error
	for _, v := range values {
		trace(ctx, "TXT record for %q: %q", dnsKey, v)
		pk, err := parseKeyRecord(v)
		if err != nil {
			trace(ctx, "Skipping: %v", err)
			lastErr = err
			continue
		}
		trace(ctx, "Parsed public key: %v", pk)
		return pk, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no TXT records", ErrNoKey)
	}
	return nil, lastErr
}
