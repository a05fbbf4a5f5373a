package stream

// Raw certstream feed message, one per observed certificate. Records travel
// through the pipeline as raw bytes; these types are used where individual
// fields are needed (transformation, validation).
type Entry struct {
	MessageType string `json:"message_type"`
	Data        Data   `json:"data"`
}

type Data struct {
	UpdateType string      `json:"update_type"`
	CertIndex  *int64      `json:"cert_index"`
	CertLink   string      `json:"cert_link"`
	Seen       float64     `json:"seen"` // fractional unix seconds
	Source     Source      `json:"source"`
	LeafCert   *LeafCert   `json:"leaf_cert"`
	Chain      []ChainCert `json:"chain"`
}

type Source struct {
	Name string `json:"name"`
	Url  string `json:"url"`
}

type LeafCert struct {
	SerialNumber       string                 `json:"serial_number"`
	Fingerprint        string                 `json:"fingerprint"`
	SignatureAlgorithm string                 `json:"signature_algorithm"`
	NotBefore          int64                  `json:"not_before"`
	NotAfter           int64                  `json:"not_after"`
	AsDer              []byte                 `json:"as_der"`
	Issuer             Subject                `json:"issuer"`
	Subject            Subject                `json:"subject"`
	AllDomains         []string               `json:"all_domains"`
	Extensions         map[string]interface{} `json:"extensions"`
}

type ChainCert struct {
	SerialNumber       string                 `json:"serial_number"`
	Fingerprint        string                 `json:"fingerprint"`
	SignatureAlgorithm string                 `json:"signature_algorithm"`
	NotBefore          int64                  `json:"not_before"`
	NotAfter           int64                  `json:"not_after"`
	Issuer             Subject                `json:"issuer"`
	Subject            Subject                `json:"subject"`
	Extensions         map[string]interface{} `json:"extensions"`
}

// certstream subject/issuer fields (C, CN, O, aggregated, ...); values may be null
type Subject map[string]*string

func (s Subject) Aggregated() string {
	if v, ok := s["aggregated"]; ok && v != nil {
		return *v
	}
	return ""
}
