package index

import (
	"encoding/json"
	"testing"
)

func newTransformer(t *testing.T) *Transformer {
	tr, err := NewTransformer()
	if err != nil {
		t.Fatalf("unexpected error while creating transformer: %s", err)
	}
	return tr
}

func TestTransform(t *testing.T) {
	tr := newTransformer(t)

	rec := json.RawMessage(`{
		"message_type": "certificate_update",
		"data": {
			"update_type": "X509LogEntry",
			"cert_index": 100,
			"cert_link": "https://ct.example.net/ct/v1/get-entries?start=100&end=100",
			"seen": 1650000000.125,
			"source": {"name": "example-log", "url": "ct.example.net"},
			"leaf_cert": {
				"serial_number": "01",
				"fingerprint": "AA:BB:CC",
				"signature_algorithm": "sha256, rsa",
				"not_before": 1000,
				"not_after": 1000000,
				"as_der": "aGVsbG8=",
				"issuer": {"aggregated": "/C=US/O=Example CA"},
				"subject": {"CN": "sub.example.com"},
				"all_domains": ["sub.example.com"],
				"extensions": {
					"keyUsage": "Digital Signature",
					"subjectAltName": "DNS:sub.example.com",
					"certificatePolicies": "Policy: 2.23.140.1.2.1"
				}
			},
			"chain": [{
				"serial_number": "02",
				"fingerprint": "DD:EE:FF",
				"signature_algorithm": "sha256, rsa",
				"not_before": 500,
				"not_after": 2000000,
				"issuer": {"aggregated": "/C=US/O=Example Root"},
				"subject": {"aggregated": "/C=US/O=Example CA"},
				"extensions": {"keyUsage": "Certificate Sign", "basicConstraints": "CA:TRUE"}
			}]
		}
	}`)

	doc, err := tr.Transform(rec)
	if err != nil {
		t.Fatalf("unexpected error while transforming record: %s", err)
	}

	if expected := "100-aabbcc"; doc.ID != expected {
		t.Fatalf("expected id %s, but got %s", expected, doc.ID)
	}
	if expected := int64(999000); doc.Lifetime != expected {
		t.Fatalf("expected lifetime %d, but got %d", expected, doc.Lifetime)
	}
	// "hello" is 5 bytes of DER
	if expected := 5; doc.EncodedSize != expected {
		t.Fatalf("expected encoded size %d, but got %d", expected, doc.EncodedSize)
	}
	if expected := int64(1650000000125); doc.Seen != expected {
		t.Fatalf("expected seen %d, but got %d", expected, doc.Seen)
	}
	if len(doc.AllPublicSuffixes) != 1 || doc.AllPublicSuffixes[0] != "example.com" {
		t.Fatalf("expected public suffixes [example.com], but got %v", doc.AllPublicSuffixes)
	}
	if expected := "/C=US/O=Example CA"; doc.RootCAName != expected {
		t.Fatalf("expected root ca name %s, but got %s", expected, doc.RootCAName)
	}
	if expected := "example-log"; doc.SourceName != expected {
		t.Fatalf("expected source name %s, but got %s", expected, doc.SourceName)
	}

	// extension allow-listing on the leaf
	if len(doc.Extensions) != 2 {
		t.Fatalf("expected %d extensions, but got %d: %v", 2, len(doc.Extensions), doc.Extensions)
	}
	if v := doc.Extensions["keyUsage"]; v != "Digital Signature" {
		t.Fatalf("expected keyUsage value to be retained verbatim, but got %v", v)
	}
	if _, ok := doc.Extensions["subjectAltName"]; ok {
		t.Fatalf("expected subjectAltName to be dropped, but it is present")
	}

	// chain flattening
	if expected := 1; doc.ChainLength != expected {
		t.Fatalf("expected chain length %d, but got %d", expected, doc.ChainLength)
	}
	if len(doc.Chain) != 1 {
		t.Fatalf("expected %d chain entries, but got %d", 1, len(doc.Chain))
	}
	entry := doc.Chain[0]
	if expected := "DD:EE:FF"; entry.Fingerprint != expected {
		t.Fatalf("expected chain fingerprint %s, but got %s", expected, entry.Fingerprint)
	}
	if _, ok := entry.Extensions["basicConstraints"]; ok {
		t.Fatalf("expected basicConstraints to be dropped from chain entry, but it is present")
	}
}

func TestTransformDeterministicId(t *testing.T) {
	tr := newTransformer(t)

	rec := json.RawMessage(`{"data":{"cert_index":42,"leaf_cert":{"fingerprint":"AB:CD","all_domains":[]}}}`)
	first, err := tr.Transform(rec)
	if err != nil {
		t.Fatalf("unexpected error while transforming record: %s", err)
	}
	second, err := tr.Transform(rec)
	if err != nil {
		t.Fatalf("unexpected error while transforming record: %s", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected identical ids, but got %s and %s", first.ID, second.ID)
	}
	if expected := "42-abcd"; first.ID != expected {
		t.Fatalf("expected id %s, but got %s", expected, first.ID)
	}
}

func TestTransformMissingFields(t *testing.T) {
	tr := newTransformer(t)

	tests := []struct {
		name     string
		rec      string
		expected error
	}{
		{"no leaf cert", `{"data":{"cert_index":1}}`, MissingLeafErr},
		{"no fingerprint", `{"data":{"cert_index":1,"leaf_cert":{"serial_number":"01"}}}`, MissingFingerprintErr},
		{"no cert index", `{"data":{"leaf_cert":{"fingerprint":"AA:BB"}}}`, MissingCertIndexErr},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tr.Transform(json.RawMessage(tc.rec)); err != tc.expected {
				t.Fatalf("expected error %s, but got %s", tc.expected, err)
			}
		})
	}
}

func TestPublicSuffixDedup(t *testing.T) {
	tr := newTransformer(t)

	suffixes := tr.publicSuffixes([]string{"a.example.com", "b.example.com", "example.org"})
	if len(suffixes) != 2 {
		t.Fatalf("expected %d suffixes, but got %d: %v", 2, len(suffixes), suffixes)
	}
	if suffixes[0] != "example.com" || suffixes[1] != "example.org" {
		t.Fatalf("expected suffixes [example.com example.org], but got %v", suffixes)
	}
}

func TestPublicSuffix(t *testing.T) {
	tr := newTransformer(t)

	tests := []struct {
		name     string
		domain   string
		expected string
		ok       bool
	}{
		{"subdomain", "sub.example.com", "example.com", true},
		{"apex", "example.com", "example.com", true},
		{"wildcard", "*.example.co.uk", "example.co.uk", true},
		{"trailing dot", "example.org.", "example.org", true},
		{"uppercase", "WWW.EXAMPLE.COM", "example.com", true},
		{"suffix itself", "co.uk", "co.uk", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			suffix, ok := tr.publicSuffix(tc.domain)
			if ok != tc.ok {
				t.Fatalf("expected ok=%t, but got %t", tc.ok, ok)
			}
			if suffix != tc.expected {
				t.Fatalf("expected suffix %s, but got %s", tc.expected, suffix)
			}
		})
	}
}

func TestFilterExtensionsSubset(t *testing.T) {
	extensions := map[string]interface{}{
		"keyUsage":               "Digital Signature",
		"extendedKeyUsage":       "TLS Web Server Authentication",
		"certificatePolicies":    "Policy: 2.23.140.1.2.1",
		"subjectAltName":         "DNS:example.com",
		"authorityInfoAccess":    "CA Issuers - URI:http://example.com",
		"subjectKeyIdentifier":   "DE:AD",
		"authorityKeyIdentifier": "BE:EF",
	}

	filtered := filterExtensions(extensions)

	allowed := map[string]bool{}
	for _, name := range allowedExtensions {
		allowed[name] = true
	}
	for name, v := range filtered {
		if !allowed[name] {
			t.Fatalf("extension %s is not in the allow-list, but was retained", name)
		}
		if v != extensions[name] {
			t.Fatalf("expected value %v for %s, but got %v", extensions[name], name, v)
		}
	}
	if len(filtered) != 3 {
		t.Fatalf("expected %d extensions, but got %d", 3, len(filtered))
	}
}
