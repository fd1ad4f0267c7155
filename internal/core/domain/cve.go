package domain

import "errors"

// CVERecord is one vulnerability entry in the retrieval index. Embedding is
// the dense vector for the summary text; metadata columns mirror the TSV
// export format the index ingests (id, summary, severity, CWE, vendor).
type CVERecord struct {
	ID        string    `json:"id"` // e.g. "CVE-2021-44228"
	Summary   string    `json:"summary"`
	Severity  string    `json:"severity,omitempty"`
	CWE       string    `json:"cwe,omitempty"`
	Vendor    string    `json:"vendor,omitempty"`
	Embedding []float32 `json:"-"`
}

// CVEMatch pairs a record with its similarity score against a query.
type CVEMatch struct {
	Record CVERecord `json:"record"`
	Score  float32   `json:"score"`
}

var ErrCVENotFound = errors.New("cve not found")
