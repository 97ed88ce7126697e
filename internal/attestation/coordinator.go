// Package attestation implements the Attestation Coordinator: the
// remote-attestation protocol run against an external verifier on
// behalf of one freshly-spawned enclave.
package attestation

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/rs/zerolog"

	"github.com/ShaleXIONG/veracruz/internal/brokererr"
	"github.com/ShaleXIONG/veracruz/internal/wire"
)

// TokenSource asks the enclave for an attestation token over a
// challenge, via the plaintext pre-TLS request path.
type TokenSource interface {
	GetAttestationToken(ctx context.Context, challenge [32]byte) (*wire.Message, error)
}

// Coordinator runs the attestation protocol against one verifier URL.
type Coordinator struct {
	log        zerolog.Logger
	httpClient *http.Client
	verifierURL string
}

// New builds a Coordinator targeting verifierURL, e.g.
// "https://verifier.example.com".
func New(log zerolog.Logger, verifierURL string, httpClient *http.Client) *Coordinator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Coordinator{
		log:         log.With().Str("component", "attestation_coordinator").Logger(),
		httpClient:  httpClient,
		verifierURL: verifierURL,
	}
}

// Result is the outcome of a successful attestation run.
type Result struct {
	EnclaveCertFingerprint [32]byte
}

// Run executes the protocol: draw a challenge, ask the enclave for a
// token, POST it to the verifier, and validate the reply's fixed-offset
// fields against the challenge and the policy's expected measurement.
func (c *Coordinator) Run(ctx context.Context, src TokenSource, expectedMeasurement [32]byte) (*Result, error) {
	var challenge [32]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return nil, brokererr.Wrap(brokererr.Internal, fmt.Errorf("draw challenge: %w", err))
	}

	tokenReply, err := src.GetAttestationToken(ctx, challenge)
	if err != nil {
		return nil, err
	}
	if tokenReply.Tag != wire.TagAttestationToken {
		return nil, brokererr.New(brokererr.Decode, "expected AttestationToken reply")
	}

	payload, err := c.verify(ctx, tokenReply.Token)
	if err != nil {
		return nil, err
	}

	if len(payload) < minPayloadLen {
		return nil, brokererr.New(brokererr.AttestationTransport, "verifier payload too short")
	}

	echoedChallenge := payload[offsetChallengeStart:offsetChallengeEnd]
	if !bytes.Equal(echoedChallenge, challenge[:]) {
		return nil, brokererr.WrapField(brokererr.AttestationMismatch, "challenge",
			fmt.Errorf("challenge mismatch"))
	}

	reportedMeasurement := payload[offsetMeasurementStart:offsetMeasurementEnd]
	if !bytes.Equal(reportedMeasurement, expectedMeasurement[:]) {
		return nil, brokererr.WrapField(brokererr.AttestationMismatch, "measurement",
			fmt.Errorf("measurement mismatch"))
	}

	var fp [32]byte
	copy(fp[:], payload[offsetFingerprintStart:offsetFingerprintEnd])

	c.log.Info().Msg("attestation run succeeded")
	return &Result{EnclaveCertFingerprint: fp}, nil
}

// verify POSTs the base64-encoded token to {verifierURL}/VerifyPAT and
// returns the base64-decoded reply body.
func (c *Coordinator) verify(ctx context.Context, token []byte) ([]byte, error) {
	encoded := base64.StdEncoding.EncodeToString(token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.verifierURL+"/VerifyPAT", bytes.NewBufferString(encoded))
	if err != nil {
		return nil, brokererr.Wrap(brokererr.AttestationTransport, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.AttestationTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, brokererr.Wrap(brokererr.AttestationTransport,
			fmt.Errorf("verifier returned status %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.AttestationTransport, err)
	}

	decoded, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(raw)))
	if err != nil {
		return nil, brokererr.Wrap(brokererr.AttestationTransport, fmt.Errorf("decode verifier payload: %w", err))
	}
	return decoded, nil
}

// DeriveSessionKey derives session-binding key material from the
// enclave-cert fingerprint obtained during attestation, so key material
// derived from it traces back to the attested root. Matches the HKDF usage already
// established elsewhere in this codebase for deriving per-session keys
// from a shared secret.
func DeriveSessionKey(fingerprint [32]byte, info string, size int) ([]byte, error) {
	h := hkdf.New(sha256.New, fingerprint[:], nil, []byte(info))
	out := make([]byte, size)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return out, nil
}
