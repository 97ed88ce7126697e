package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRequestFrame(t *testing.T) {
	tests := []struct {
		name string
		req  *Request
	}{
		{"upload-program", &Request{Kind: ReqUploadProgram, Payload: []byte("wasm-bytes")}},
		{"upload-data", &Request{Kind: ReqUploadData, PackageID: 2, Payload: []byte{1, 2, 3}}},
		{"upload-stream", &Request{Kind: ReqUploadStream, PackageID: 0, Payload: []byte("chunk")}},
		{"request-result", &Request{Kind: ReqRequestResult}},
		{"request-next-round", &Request{Kind: ReqRequestNextRound}},
		{"request-shutdown", &Request{Kind: ReqRequestShutdown}},
		{"request-program-fingerprint", &Request{Kind: ReqRequestProgramFingerprint}},
		{"request-policy-digest", &Request{Kind: ReqRequestPolicyDigest}},
		{"request-enclave-state", &Request{Kind: ReqRequestEnclaveState}},
		{"request-attestation-token", &Request{Kind: ReqRequestAttestationToken, Challenge: [32]byte{1, 2, 3}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodeRequestFrame(tt.req)
			if err != nil {
				t.Fatalf("EncodeRequestFrame: %v", err)
			}
			got, err := DecodeRequestFrame(bytes.NewReader(frame))
			if err != nil {
				t.Fatalf("DecodeRequestFrame: %v", err)
			}
			if got.Kind != tt.req.Kind {
				t.Fatalf("kind = %v, want %v", got.Kind, tt.req.Kind)
			}
			if got.PackageID != tt.req.PackageID {
				t.Fatalf("package id = %d, want %d", got.PackageID, tt.req.PackageID)
			}
			if !bytes.Equal(got.Payload, tt.req.Payload) {
				t.Fatalf("payload = %v, want %v", got.Payload, tt.req.Payload)
			}
			if got.Challenge != tt.req.Challenge {
				t.Fatalf("challenge = %v, want %v", got.Challenge, tt.req.Challenge)
			}
		})
	}
}

func TestEncodeDecodeResponseFrame(t *testing.T) {
	tests := []struct {
		name string
		resp *Response
	}{
		{"status-success", &Response{Kind: RespStatus, Status: StatusSuccess}},
		{"status-fail-with-message", &Response{Kind: RespStatus, Status: StatusFail, Message: "phase mismatch"}},
		{"program-fingerprint", &Response{Kind: RespProgramFingerprint, ProgramFingerprint: [32]byte{9, 9}}},
		{"policy-digest", &Response{Kind: RespPolicyDigest, PolicyDigest: "deadbeef"}},
		{"enclave-state", &Response{Kind: RespEnclaveState, EnclaveState: PhaseReadyToExecute}},
		{"result", &Response{Kind: RespResult, HasResult: true, Result: []byte("42")}},
		{"no-result", &Response{Kind: RespResult, HasResult: false}},
		{
			"attestation-token",
			&Response{Kind: RespAttestationToken, Token: []byte("tok"), PubKey: []byte("pk"), DeviceID: "dev-0"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodeResponseFrame(tt.resp)
			if err != nil {
				t.Fatalf("EncodeResponseFrame: %v", err)
			}
			got, err := DecodeResponseFrame(bytes.NewReader(frame))
			if err != nil {
				t.Fatalf("DecodeResponseFrame: %v", err)
			}
			if got.Kind != tt.resp.Kind {
				t.Fatalf("kind = %v, want %v", got.Kind, tt.resp.Kind)
			}
			if got.Message != tt.resp.Message {
				t.Fatalf("message = %q, want %q", got.Message, tt.resp.Message)
			}
			if got.Status != tt.resp.Status {
				t.Fatalf("status = %v, want %v", got.Status, tt.resp.Status)
			}
			if got.PolicyDigest != tt.resp.PolicyDigest {
				t.Fatalf("policy digest = %q, want %q", got.PolicyDigest, tt.resp.PolicyDigest)
			}
			if got.EnclaveState != tt.resp.EnclaveState {
				t.Fatalf("enclave state = %v, want %v", got.EnclaveState, tt.resp.EnclaveState)
			}
			if got.HasResult != tt.resp.HasResult {
				t.Fatalf("has result = %v, want %v", got.HasResult, tt.resp.HasResult)
			}
			if !bytes.Equal(got.Result, tt.resp.Result) {
				t.Fatalf("result = %v, want %v", got.Result, tt.resp.Result)
			}
			if got.DeviceID != tt.resp.DeviceID {
				t.Fatalf("device id = %q, want %q", got.DeviceID, tt.resp.DeviceID)
			}
		})
	}
}

func TestDecodeRequestFrameTruncated(t *testing.T) {
	if _, err := DecodeRequestFrame(bytes.NewReader([]byte{0, 0, 0, 5})); err == nil {
		t.Fatal("expected error for truncated frame")
	}
}
