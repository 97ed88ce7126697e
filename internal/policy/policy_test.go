package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/ShaleXIONG/veracruz/internal/brokererr"
)

func samplePolicyJSON() []byte {
	return []byte(`{
		"attestation_verifier_url": "https://verifier.example.com",
		"expected_enclave_measurement": "` + hex.EncodeToString(make([]byte, 32)) + `",
		"expected_program_fingerprint": "` + hex.EncodeToString(make([]byte, 32)) + `",
		"data_arity": 2,
		"stream_arity": 1,
		"principals": [
			{
				"certificate_fingerprint": "AA11",
				"roles": ["ProgramProvider", "ResultReceiver"]
			},
			{
				"certificate_fingerprint": "bb22",
				"roles": ["DataProvider"],
				"allowed_data_indices": [0]
			}
		]
	}`)
}

func TestLoadAndDigest(t *testing.T) {
	raw := samplePolicyJSON()
	v, err := Load(raw, "policy.json")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := sha256.Sum256(raw)
	if v.Digest() != hex.EncodeToString(want[:]) {
		t.Fatalf("digest mismatch: got %s", v.Digest())
	}
	if v.DataArity() != 2 || v.StreamArity() != 1 {
		t.Fatalf("arity mismatch: data=%d stream=%d", v.DataArity(), v.StreamArity())
	}
}

func TestAuthorizeCaseInsensitiveFingerprint(t *testing.T) {
	v, err := Load(samplePolicyJSON(), "policy.json")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := v.Authorize("aa11", RoleProgramProvider); err != nil {
		t.Fatalf("expected authorization, got %v", err)
	}
	if err := v.Authorize("aa11", RoleDataProvider); err == nil {
		t.Fatal("expected unauthorized for missing role")
	}
}

func TestAuthorizeUnknownCertificate(t *testing.T) {
	v, err := Load(samplePolicyJSON(), "policy.json")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	err = v.Authorize("cc33", RoleProgramProvider)
	be, ok := err.(*brokererr.Error)
	if !ok || be.Kind != brokererr.Unauthorized {
		t.Fatalf("expected Unauthorized error, got %v", err)
	}
}

func TestAuthorizeDataIndexAllowlist(t *testing.T) {
	v, err := Load(samplePolicyJSON(), "policy.json")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := v.AuthorizeDataIndex("bb22", 0); err != nil {
		t.Fatalf("expected allowed index, got %v", err)
	}
	if err := v.AuthorizeDataIndex("bb22", 1); err == nil {
		t.Fatal("expected unauthorized for disallowed index")
	}
}

func TestLoadRejectsMissingVerifierURL(t *testing.T) {
	_, err := Load([]byte(`{"expected_enclave_measurement":"`+hex.EncodeToString(make([]byte, 32))+`"}`), "policy.json")
	if err == nil {
		t.Fatal("expected error for missing attestation_verifier_url")
	}
}

func TestLoadRejectsMalformedMeasurement(t *testing.T) {
	_, err := Load([]byte(`{
		"attestation_verifier_url": "https://verifier.example.com",
		"expected_enclave_measurement": "not-hex"
	}`), "policy.json")
	if err == nil {
		t.Fatal("expected error for malformed measurement")
	}
}
