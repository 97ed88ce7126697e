package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShaleXIONG/veracruz/internal/attestation"
	"github.com/ShaleXIONG/veracruz/internal/brokererr"
	"github.com/ShaleXIONG/veracruz/internal/enclave"
	"github.com/ShaleXIONG/veracruz/internal/metrics"
	"github.com/ShaleXIONG/veracruz/internal/policy"
	"github.com/ShaleXIONG/veracruz/internal/wire"
)

// echoVerifier stands in for the external attestation_verifier_url: the
// simulated enclave's token already has the verifier reply's exact
// fixed-offset shape, so echoing the request body back is a faithful
// fake for /VerifyPAT.
func echoVerifier(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
}

func buildTestBroker(t *testing.T, verifierURL string) (*Broker, *enclave.Driver) {
	t.Helper()
	measurement := sha256.Sum256([]byte("veracruz-sim"))

	raw := []byte(`{
		"attestation_verifier_url": "` + verifierURL + `",
		"expected_enclave_measurement": "` + hex.EncodeToString(measurement[:]) + `",
		"data_arity": 1,
		"stream_arity": 0,
		"principals": [
			{"certificate_fingerprint": "prog", "roles": ["ProgramProvider", "ResultReceiver"]},
			{"certificate_fingerprint": "data", "roles": ["DataProvider"]}
		]
	}`)
	pol, err := policy.Load(raw, "policy.json")
	if err != nil {
		t.Fatalf("policy.Load: %v", err)
	}

	driver, err := enclave.Spawn(context.Background(), zerolog.Nop(), enclave.SimulatorSpawner(), enclave.SpawnOptions{
		Image:        "veracruz-sim",
		PolicyJSON:   pol.RawBytes(),
		ReadyTimeout: 2 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	b := New(Config{
		Log:     zerolog.Nop(),
		Driver:  driver,
		Policy:  pol,
		Metrics: metrics.NewCollector("veracruz_test"),
	})
	return b, driver
}

// TestFullSessionLifecycle walks the five-phase provisioning flow end to
// end against the in-process simulator: attest, open a session, upload a
// program and a data package, request the result, then close.
func TestFullSessionLifecycle(t *testing.T) {
	verifier := echoVerifier(t)
	defer verifier.Close()

	b, driver := buildTestBroker(t, verifier.URL)
	defer driver.Close(context.Background())

	coordinator := attestation.New(zerolog.Nop(), verifier.URL, nil)
	if err := b.Attest(context.Background(), coordinator); err != nil {
		t.Fatalf("Attest: %v", err)
	}

	ctx := context.Background()
	s, ticketID, err := b.NewSession(ctx, "prog")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	uploadProgram := &wire.Request{Kind: wire.ReqUploadProgram}
	if err := b.Dispatch(ctx, s, uploadProgram); err != nil {
		t.Fatalf("UploadProgram dispatch: %v", err)
	}
	b.Advance(ctx, s, uploadProgram, false, false)
	if s.Phase != wire.PhaseDataLoading {
		t.Fatalf("expected DataLoading after program upload, got %s", s.Phase)
	}

	// A DataProvider, not the ProgramProvider, uploads the data package;
	// the session object is shared across principals at the transport
	// layer in this simulation, so check authorization independently.
	if err := b.policy.Authorize("data", policy.RoleDataProvider); err != nil {
		t.Fatalf("expected data provider authorized: %v", err)
	}
	if err := s.MarkDataSeen(0); err != nil {
		t.Fatalf("MarkDataSeen: %v", err)
	}
	uploadData := &wire.Request{Kind: wire.ReqUploadData, PackageID: 0}
	b.Advance(ctx, s, uploadData, true, false) // data_arity=1, so one upload completes the round
	if s.Phase != wire.PhaseReadyToExecute {
		t.Fatalf("expected ReadyToExecute after sole data package, got %s", s.Phase)
	}

	if err := b.Dispatch(ctx, s, &wire.Request{Kind: wire.ReqRequestResult}); err != nil {
		t.Fatalf("RequestResult dispatch: %v", err)
	}

	if err := b.CloseSession(ctx, s.ID, ticketID); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if b.Sessions().Count() != 0 {
		t.Fatalf("expected session evicted after close")
	}
}

// TestUnauthorizedClientRejected covers a principal attempting an
// operation its policy entry does not grant.
func TestUnauthorizedClientRejected(t *testing.T) {
	verifier := echoVerifier(t)
	defer verifier.Close()

	b, driver := buildTestBroker(t, verifier.URL)
	defer driver.Close(context.Background())

	ctx := context.Background()
	s, _, err := b.NewSession(ctx, "data") // DataProvider, not ProgramProvider
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	err = b.policy.Authorize("data", policy.RoleProgramProvider)
	be, ok := err.(*brokererr.Error)
	if !ok || be.Kind != brokererr.Unauthorized {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
	_ = s
}

// TestFatalDriverErrorClosesSession simulates a broken enclave channel
// (Close the driver out from under an active session) and verifies
// FailSession tears the session down per the fatal-error propagation
// policy.
func TestFatalDriverErrorClosesSession(t *testing.T) {
	verifier := echoVerifier(t)
	defer verifier.Close()

	b, driver := buildTestBroker(t, verifier.URL)

	ctx := context.Background()
	s, ticketID, err := b.NewSession(ctx, "prog")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	driver.Close(ctx) // sever the channel out from under the session

	_, sendErr := driver.Send(ctx, &wire.Message{Tag: wire.TagGetEnclaveName})
	if sendErr == nil {
		t.Fatal("expected Send to fail on a closed driver")
	}

	b.FailSession(ctx, s.ID, ticketID, sendErr)
	if b.Sessions().Count() != 0 {
		t.Fatal("expected session evicted after fatal failure")
	}
	if b.Tickets().Active() != 0 {
		t.Fatal("expected ticket released after fatal failure")
	}
}

// TestAttestationMeasurementMismatchAbortsBeforeAnySession verifies that
// a policy expecting the wrong enclave measurement fails attestation and
// the broker never proceeds to session work.
func TestAttestationMeasurementMismatchAbortsBeforeAnySession(t *testing.T) {
	verifier := echoVerifier(t)
	defer verifier.Close()

	wrongMeasurement := sha256.Sum256([]byte("not-the-simulator"))
	raw := []byte(`{
		"attestation_verifier_url": "` + verifier.URL + `",
		"expected_enclave_measurement": "` + hex.EncodeToString(wrongMeasurement[:]) + `",
		"data_arity": 0,
		"stream_arity": 0,
		"principals": []
	}`)
	pol, err := policy.Load(raw, "policy.json")
	if err != nil {
		t.Fatalf("policy.Load: %v", err)
	}

	driver, err := enclave.Spawn(context.Background(), zerolog.Nop(), enclave.SimulatorSpawner(), enclave.SpawnOptions{
		Image:        "veracruz-sim",
		PolicyJSON:   pol.RawBytes(),
		ReadyTimeout: 2 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer driver.Close(context.Background())

	b := New(Config{Log: zerolog.Nop(), Driver: driver, Policy: pol, Metrics: metrics.NewCollector("veracruz_test2")})
	coordinator := attestation.New(zerolog.Nop(), verifier.URL, nil)

	err = b.Attest(context.Background(), coordinator)
	be, ok := err.(*brokererr.Error)
	if !ok || be.Kind != brokererr.AttestationMismatch || be.Field != "measurement" {
		t.Fatalf("expected AttestationMismatch[measurement], got %v", err)
	}
}
