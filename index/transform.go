package index

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/aau-network-security/certflow/stream"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/weppos/publicsuffix-go/net/publicsuffix"
)

var (
	MissingLeafErr        = errors.New("record has no leaf certificate")
	MissingFingerprintErr = errors.New("leaf certificate has no fingerprint")
	MissingCertIndexErr   = errors.New("record has no certificate index")
)

// extensions retained in documents; everything else is dropped
var allowedExtensions = []string{
	"certificatePolicies",
	"extendedKeyUsage",
	"keyUsage",
}

const suffixCacheSize = 4096

// Document is the indexable projection of a single feed record.
type Document struct {
	ID string `json:"-"`

	// metadata
	UpdateType string `json:"update_type"`
	CertIndex  int64  `json:"cert_index"`
	CertLink   string `json:"cert_link"`
	Seen       int64  `json:"seen"` // unix milliseconds
	SourceName string `json:"ctlog_source_name"`

	// leaf cert
	SerialNumber       string                 `json:"serial_number"`
	Fingerprint        string                 `json:"fingerprint"`
	SignatureAlgorithm string                 `json:"signature_algorithm"`
	NotAfter           int64                  `json:"not_after"`
	NotBefore          int64                  `json:"not_before"`
	Lifetime           int64                  `json:"lifetime"`
	EncodedSize        int                    `json:"encoded_size"`
	RootCAName         string                 `json:"root_ca_name"`
	Subject            stream.Subject         `json:"subject"`
	AllDomains         []string               `json:"all_domains"`
	AllPublicSuffixes  []string               `json:"all_public_suffixes"`
	Extensions         map[string]interface{} `json:"extensions"`

	ChainLength int          `json:"chain_length"`
	Chain       []ChainEntry `json:"chain"`
}

type ChainEntry struct {
	SerialNumber       string                 `json:"serial_number"`
	Fingerprint        string                 `json:"fingerprint"`
	SignatureAlgorithm string                 `json:"signature_algorithm"`
	NotAfter           int64                  `json:"not_after"`
	NotBefore          int64                  `json:"not_before"`
	Extensions         map[string]interface{} `json:"extensions"`
	Issuer             stream.Subject         `json:"issuer"`
	Subject            stream.Subject         `json:"subject"`
}

// document id: log index and lowercased fingerprint with separators stripped
func DocumentId(index int64, fingerprint string) string {
	fp := strings.ToLower(strings.ReplaceAll(fingerprint, ":", ""))
	return fmt.Sprintf("%d-%s", index, fp)
}

// Transformer normalizes feed records into documents. Transformation is pure:
// no I/O, no mutation of the input record.
type Transformer struct {
	cache *lru.Cache // domain -> public suffix
}

func NewTransformer() (*Transformer, error) {
	cache, err := lru.New(suffixCacheSize)
	if err != nil {
		return nil, err
	}
	return &Transformer{
		cache: cache,
	}, nil
}

func (t *Transformer) Transform(rec json.RawMessage) (*Document, error) {
	var entry stream.Entry
	if err := json.Unmarshal(rec, &entry); err != nil {
		return nil, errors.Wrap(err, "unmarshal feed record")
	}
	return t.TransformEntry(&entry)
}

func (t *Transformer) TransformEntry(entry *stream.Entry) (*Document, error) {
	data := &entry.Data
	leaf := data.LeafCert
	if leaf == nil {
		return nil, MissingLeafErr
	}
	if leaf.Fingerprint == "" {
		return nil, MissingFingerprintErr
	}
	if data.CertIndex == nil {
		return nil, MissingCertIndexErr
	}

	doc := &Document{
		ID:                 DocumentId(*data.CertIndex, leaf.Fingerprint),
		UpdateType:         data.UpdateType,
		CertIndex:          *data.CertIndex,
		CertLink:           data.CertLink,
		Seen:               int64(data.Seen * 1000),
		SourceName:         data.Source.Name,
		SerialNumber:       leaf.SerialNumber,
		Fingerprint:        leaf.Fingerprint,
		SignatureAlgorithm: leaf.SignatureAlgorithm,
		NotAfter:           leaf.NotAfter,
		NotBefore:          leaf.NotBefore,
		Lifetime:           leaf.NotAfter - leaf.NotBefore,
		EncodedSize:        len(leaf.AsDer),
		RootCAName:         leaf.Issuer.Aggregated(),
		Subject:            leaf.Subject,
		AllDomains:         leaf.AllDomains,
		AllPublicSuffixes:  t.publicSuffixes(leaf.AllDomains),
		Extensions:         filterExtensions(leaf.Extensions),
		ChainLength:        len(data.Chain),
		Chain:              []ChainEntry{},
	}

	for _, cert := range data.Chain {
		doc.Chain = append(doc.Chain, ChainEntry{
			SerialNumber:       cert.SerialNumber,
			Fingerprint:        cert.Fingerprint,
			SignatureAlgorithm: cert.SignatureAlgorithm,
			NotAfter:           cert.NotAfter,
			NotBefore:          cert.NotBefore,
			Extensions:         filterExtensions(cert.Extensions),
			Issuer:             cert.Issuer,
			Subject:            cert.Subject,
		})
	}

	return doc, nil
}

func filterExtensions(extensions map[string]interface{}) map[string]interface{} {
	filtered := map[string]interface{}{}
	for _, name := range allowedExtensions {
		if v, ok := extensions[name]; ok {
			filtered[name] = v
		}
	}
	return filtered
}

// deduplicated registrable suffixes of the leaf's domain list, sorted for
// deterministic output; unusable names (IP addresses, garbage) are skipped
func (t *Transformer) publicSuffixes(domains []string) []string {
	set := map[string]struct{}{}
	for _, d := range domains {
		if suffix, ok := t.publicSuffix(d); ok {
			set[suffix] = struct{}{}
		}
	}
	res := make([]string, 0, len(set))
	for suffix := range set {
		res = append(res, suffix)
	}
	sort.Strings(res)
	return res
}

func (t *Transformer) publicSuffix(domain string) (string, bool) {
	name := strings.ToLower(strings.TrimSuffix(domain, "."))
	name = strings.TrimPrefix(name, "*.")

	if v, ok := t.cache.Get(name); ok {
		return v.(string), true
	}

	suffix, err := publicsuffix.EffectiveTLDPlusOne(name)
	if err != nil {
		if strings.HasSuffix(err.Error(), "is a suffix") {
			// domain is itself a public suffix
			suffix = name
		} else {
			return "", false
		}
	}
	t.cache.Add(name, suffix)
	return suffix, true
}
