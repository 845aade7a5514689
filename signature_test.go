package dkim

import (
	"crypto"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Placeholder base64 blobs of the right sizes; the parser only checks
// shape, not cryptographic validity.
var (
	bh256 = base64.StdEncoding.EncodeToString(make([]byte, 32))
	bh1   = base64.StdEncoding.EncodeToString(make([]byte, 20))
	b1024 = base64.StdEncoding.EncodeToString(make([]byte, 128))
)

func TestParseSignature(t *testing.T) {
	in := "v=1; a=rsa-sha256; c=simple/relaxed; d=Example.COM; s=sel;\r\n" +
		" h=From : To: subject ; l=100; t=1528637909;\r\n" +
		" bh=" + bh256 + ";\r\n" +
		" b=" + b1024 + ";"

	sig, err := parseSignature(in)
	if err != nil {
		t.Fatalf("parseSignature() = %v, want nil", err)
	}

	if sig.v != "1" {
		t.Errorf("v: got %q, want \"1\"", sig.v)
	}
	if sig.algo != crypto.SHA256 {
		t.Errorf("algo: got %v, want SHA256", sig.algo)
	}
	if sig.headerCanon != simpleCanonicalization ||
		sig.bodyCanon != relaxedCanonicalization {
		t.Errorf("canonicalization: got %v/%v, want simple/relaxed",
			sig.headerCanon, sig.bodyCanon)
	}
	if sig.domain != "Example.COM" || sig.selector != "sel" {
		t.Errorf("domain/selector: got %q/%q", sig.domain, sig.selector)
	}
	if diff := cmp.Diff([]string{"From", "To", "subject"}, sig.headers); diff != "" {
		t.Errorf("headers diff (-want +got): %s", diff)
	}
	if sig.bodyLimit != 100 {
		t.Errorf("bodyLimit: got %d, want 100", sig.bodyLimit)
	}
	if sig.timestamp != time.Unix(1528637909, 0) {
		t.Errorf("timestamp: got %v", sig.timestamp)
	}
	if !sig.expiration.IsZero() {
		t.Errorf("expiration: got %v, want zero", sig.expiration)
	}
	if sig.dnsKey != "sel._domainkey.Example.COM" {
		t.Errorf("dnsKey: got %q", sig.dnsKey)
	}
	if len(sig.bh) != sig.algo.Size() {
		t.Errorf("bh length %d does not match digest size %d",
			len(sig.bh), sig.algo.Size())
	}
	if sig.bodyHash == nil || sig.headersHash == nil {
		t.Errorf("hash states not initialized: %v / %v",
			sig.bodyHash, sig.headersHash)
	}
}

func TestParseSignatureSHA1(t *testing.T) {
	in := "v=1; a=rsa-sha1; d=example.com; s=sel; h=from;" +
		" bh=" + bh1 + "; b=" + b1024

	sig, err := parseSignature(in)
	if err != nil {
		t.Fatalf("parseSignature() = %v, want nil", err)
	}
	if sig.algo != crypto.SHA1 {
		t.Errorf("algo: got %v, want SHA1", sig.algo)
	}
	// Defaults when c= is absent.
	if sig.headerCanon != simpleCanonicalization ||
		sig.bodyCanon != simpleCanonicalization {
		t.Errorf("canonicalization: got %v/%v, want simple/simple",
			sig.headerCanon, sig.bodyCanon)
	}
}

// Parts of a minimally valid signature, used to build broken variants.
var sigParts = []string{
	"v=1", "a=rsa-sha256", "d=example.com", "s=sel", "h=from:to",
	"bh=" + bh256, "b=" + b1024,
}

func sigWithout(tag string) string {
	out := []string{}
	for _, p := range sigParts {
		if !strings.HasPrefix(p, tag+"=") {
			out = append(out, p)
		}
	}
	return strings.Join(out, "; ")
}

func TestParseSignatureErrors(t *testing.T) {
	all := strings.Join(sigParts, "; ")

	cases := []struct {
		in  string
		err error
	}{
		// Missing required tags, and the specific error for each.
		{sigWithout("b"), ErrMissingB},
		{sigWithout("bh"), ErrMissingBH},
		{sigWithout("d"), ErrMissingD},
		{sigWithout("s"), ErrMissingS},
		{sigWithout("v"), ErrMissingV},
		{sigWithout("h"), ErrMissingH},
		{sigWithout("a"), ErrMissingA},
		{"", ErrMissingB},

		// Invalid tag values.
		{strings.Replace(all, "v=1", "v=2", 1), ErrInvalidVersion},
		{strings.Replace(all, "v=1", "v=", 1), ErrInvalidVersion},
		{strings.Replace(all, "a=rsa-sha256", "a=rsa-md5", 1),
			ErrInvalidAlgorithm},
		{strings.Replace(all, "a=rsa-sha256", "a=ed25519-sha256", 1),
			ErrInvalidAlgorithm},
		{strings.Replace(all, "h=from:to", "h=to:cc", 1),
			ErrInvalidHeaderList},
		{strings.Replace(all, "h=from:to", "h=", 1), ErrInvalidHeaderList},
		{all + "; l=abc", ErrInvalidBodyLimit},
		{all + "; l=-1", ErrInvalidBodyLimit},

		// Unknown tags are rejected.
		{all + "; zz=1", ErrUnknownTag},
		{all + "; vv=1", ErrUnknownTag},

		// bh= must be as long as a digest.
		{strings.Replace(all, "bh="+bh256, "bh="+bh1, 1), ErrBadSignature},

		// Bad base64 in b= / bh=.
		{strings.Replace(all, "b="+b1024, "b=****", 1), ErrBadSignature},
		{strings.Replace(all, "bh="+bh256, "bh=****", 1), ErrBadSignature},

		// Malformed tag-list structure.
		{all + "; d", errMalformedTagList},
		{all + "; ;", errMalformedTagList},
		{"v", errMalformedTagList},
	}

	for i, c := range cases {
		sig, err := parseSignature(c.in)
		if sig != nil {
			t.Errorf("%d: parseSignature(%q) returned a signature: %v",
				i, c.in, sig)
		}
		if diff := cmp.Diff(c.err, err, cmpopts.EquateErrors()); diff != "" {
			t.Errorf("%d: parseSignature(%q) err diff (-want +got): %s",
				i, c.in, diff)
		}
	}
}

func TestParseSignatureWhitespace(t *testing.T) {
	// Whitespace around '=', folded values, and a trailing ';' are all
	// tolerated.
	in := "v \t = 1 ;a=rsa-sha256\r\n\t; d = example.com;s=sel;\r\n" +
		"\th = from : to;bh=" + bh256 + " ;\r\n" +
		" b = " + b1024[:20] + "\r\n " + b1024[20:] + " ;"

	sig, err := parseSignature(in)
	if err != nil {
		t.Fatalf("parseSignature() = %v, want nil", err)
	}
	if sig.domain != "example.com" || sig.selector != "sel" {
		t.Errorf("domain/selector: got %q/%q", sig.domain, sig.selector)
	}
	if len(sig.b) != 128 {
		t.Errorf("b: got %d bytes, want 128", len(sig.b))
	}
}

func TestParseSignatureDuplicates(t *testing.T) {
	// Duplicate tags are tolerated, the last value wins.
	in := strings.Join(sigParts, "; ") + "; s=sel2"
	sig, err := parseSignature(in)
	if err != nil {
		t.Fatalf("parseSignature() = %v, want nil", err)
	}
	if sig.selector != "sel2" {
		t.Errorf("selector: got %q, want \"sel2\"", sig.selector)
	}
}

func TestSignatureTimes(t *testing.T) {
	defer func() { now = time.Now }()
	now = func() time.Time { return time.Unix(1000000, 0) }

	all := strings.Join(sigParts, "; ")

	cases := []struct {
		in  string
		err error
	}{
		// t= up to and including now is fine; x= must be in the future.
		{all + "; t=999999", nil},
		{all + "; t=1000000", nil},
		{all + "; t=1000001", ErrSignatureInFuture},
		{all + "; x=1000001", nil},
		{all + "; x=1000000", ErrSignatureExpired},
		{all + "; x=999999", ErrSignatureExpired},
		{all + "; t=999999; x=1000001", nil},
		{all + "; t=-3", errInvalidTimestamp},
	}

	for i, c := range cases {
		_, err := parseSignature(c.in)
		if diff := cmp.Diff(c.err, err, cmpopts.EquateErrors()); diff != "" {
			t.Errorf("%d: parseSignature(%q) err diff (-want +got): %s",
				i, c.in, diff)
		}
	}
}

func FuzzParseSignature(f *testing.F) {
	f.Add(strings.Join(sigParts, "; "))
	f.Add(sigWithout("v"))
	f.Add("v=1; a=rsa-sha1; bh=xx; b")
	f.Add("v \t = 1 ;a=rsa-sha256; d = example.com")
	f.Add("h = from : to ; l=12; t=99; x=1234; q=dns/txt; i=@e.com; z=a")

	f.Fuzz(func(t *testing.T, in string) {
		parseSignature(in)
	})
}
