// Package policy implements the Policy View: an immutable, hash-stamped
// projection of the signed policy document the Broker is configured with.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ShaleXIONG/veracruz/internal/brokererr"
)

// Role is one capability a principal may hold.
type Role string

const (
	RoleProgramProvider Role = "ProgramProvider"
	RoleDataProvider    Role = "DataProvider"
	RoleStreamProvider  Role = "StreamProvider"
	RoleResultReceiver  Role = "ResultReceiver"
)

// Principal is one authorized participant, identified by its client
// certificate fingerprint (lowercase hex SHA-256 of the DER cert).
type Principal struct {
	CertificateFingerprint string   `json:"certificate_fingerprint" yaml:"certificate_fingerprint"`
	Roles                  []Role   `json:"roles" yaml:"roles"`
	AllowedDataIndices     []uint32 `json:"allowed_data_indices,omitempty" yaml:"allowed_data_indices,omitempty"`
	AllowedStreamIndices   []uint32 `json:"allowed_stream_indices,omitempty" yaml:"allowed_stream_indices,omitempty"`
}

func (p Principal) hasRole(r Role) bool {
	for _, have := range p.Roles {
		if have == r {
			return true
		}
	}
	return false
}

func (p Principal) allowsDataIndex(idx uint32) bool {
	if len(p.AllowedDataIndices) == 0 {
		return true
	}
	for _, v := range p.AllowedDataIndices {
		if v == idx {
			return true
		}
	}
	return false
}

func (p Principal) allowsStreamIndex(idx uint32) bool {
	if len(p.AllowedStreamIndices) == 0 {
		return true
	}
	for _, v := range p.AllowedStreamIndices {
		if v == idx {
			return true
		}
	}
	return false
}

// document is the on-disk shape of a policy file.
type document struct {
	AttestationVerifierURL     string      `json:"attestation_verifier_url" yaml:"attestation_verifier_url"`
	ExpectedEnclaveMeasurement string      `json:"expected_enclave_measurement" yaml:"expected_enclave_measurement"`
	ExpectedProgramFingerprint string      `json:"expected_program_fingerprint" yaml:"expected_program_fingerprint"`
	Principals                 []Principal `json:"principals" yaml:"principals"`
	DataArity                  uint32      `json:"data_arity" yaml:"data_arity"`
	StreamArity                uint32      `json:"stream_arity" yaml:"stream_arity"`
}

// View is the parsed, immutable projection of a policy. It is read-only
// after construction and may be shared freely across sessions.
type View struct {
	raw    []byte
	digest [32]byte

	verifierURL          string
	expectedMeasurement  [32]byte
	expectedFingerprint  [32]byte
	principalsByCertFP   map[string]Principal
	dataArity            uint32
	streamArity          uint32
}

// Load parses raw policy bytes into a View. filename is used only to
// decide JSON vs YAML, the same extension-sniffing convention used
// elsewhere in this codebase's config loading, falling back to
// JSON-then-YAML when the extension is absent or unrecognized.
func Load(raw []byte, filename string) (*View, error) {
	var doc document
	var err error
	switch {
	case strings.HasSuffix(filename, ".yaml"), strings.HasSuffix(filename, ".yml"):
		err = yaml.Unmarshal(raw, &doc)
	case strings.HasSuffix(filename, ".json"):
		err = json.Unmarshal(raw, &doc)
	default:
		if jerr := json.Unmarshal(raw, &doc); jerr != nil {
			err = yaml.Unmarshal(raw, &doc)
		}
	}
	if err != nil {
		return nil, brokererr.Wrap(brokererr.PolicyInvalid, fmt.Errorf("parse policy: %w", err))
	}

	measurement, err := decodeDigest(doc.ExpectedEnclaveMeasurement)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.PolicyInvalid, fmt.Errorf("expected_enclave_measurement: %w", err))
	}
	fingerprint, err := decodeDigest(doc.ExpectedProgramFingerprint)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.PolicyInvalid, fmt.Errorf("expected_program_fingerprint: %w", err))
	}
	if doc.AttestationVerifierURL == "" {
		return nil, brokererr.New(brokererr.PolicyInvalid, "attestation_verifier_url is required")
	}

	byFP := make(map[string]Principal, len(doc.Principals))
	for _, p := range doc.Principals {
		byFP[strings.ToLower(p.CertificateFingerprint)] = p
	}

	v := &View{
		raw:                 append([]byte(nil), raw...),
		digest:              sha256.Sum256(raw),
		verifierURL:         doc.AttestationVerifierURL,
		expectedMeasurement: measurement,
		expectedFingerprint: fingerprint,
		principalsByCertFP:  byFP,
		dataArity:           doc.DataArity,
		streamArity:         doc.StreamArity,
	}
	return v, nil
}

func decodeDigest(hexStr string) ([32]byte, error) {
	var out [32]byte
	if hexStr == "" {
		return out, nil
	}
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return out, fmt.Errorf("not hex: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("want 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// RawBytes returns the original policy bytes, kept for transmission to
// the enclave via Initialize.
func (v *View) RawBytes() []byte { return append([]byte(nil), v.raw...) }

// Digest returns the lowercase hex SHA-256 digest of the raw policy
// bytes, the form reported to clients via RequestPolicyDigest.
func (v *View) Digest() string { return hex.EncodeToString(v.digest[:]) }

// DigestBytes returns the raw 32-byte digest.
func (v *View) DigestBytes() [32]byte { return v.digest }

func (v *View) VerifierURL() string { return v.verifierURL }

func (v *View) ExpectedMeasurement() [32]byte { return v.expectedMeasurement }

func (v *View) ExpectedProgramFingerprint() [32]byte { return v.expectedFingerprint }

func (v *View) DataArity() uint32 { return v.dataArity }

func (v *View) StreamArity() uint32 { return v.streamArity }

// Principal looks up a principal by client certificate fingerprint.
func (v *View) Principal(certFingerprint string) (Principal, bool) {
	p, ok := v.principalsByCertFP[strings.ToLower(certFingerprint)]
	return p, ok
}

// Authorize checks that the principal identified by certFingerprint
// holds role, returning Unauthorized if not.
func (v *View) Authorize(certFingerprint string, role Role) error {
	p, ok := v.Principal(certFingerprint)
	if !ok {
		return brokererr.New(brokererr.Unauthorized, "certificate not listed in policy")
	}
	if !p.hasRole(role) {
		return brokererr.New(brokererr.Unauthorized, fmt.Sprintf("principal lacks role %s", role))
	}
	return nil
}

// AuthorizeDataIndex checks role + package-id allowlist for a data upload.
func (v *View) AuthorizeDataIndex(certFingerprint string, idx uint32) error {
	if err := v.Authorize(certFingerprint, RoleDataProvider); err != nil {
		return err
	}
	p, _ := v.Principal(certFingerprint)
	if !p.allowsDataIndex(idx) {
		return brokererr.New(brokererr.Unauthorized, "principal not allowed this data index")
	}
	return nil
}

// AuthorizeStreamIndex checks role + package-id allowlist for a stream upload.
func (v *View) AuthorizeStreamIndex(certFingerprint string, idx uint32) error {
	if err := v.Authorize(certFingerprint, RoleStreamProvider); err != nil {
		return err
	}
	p, _ := v.Principal(certFingerprint)
	if !p.allowsStreamIndex(idx) {
		return brokererr.New(brokererr.Unauthorized, "principal not allowed this stream index")
	}
	return nil
}
