// Package broker implements the Broker Frontend and the orchestration
// that ties together the Enclave Driver, Policy View, Attestation
// Coordinator, TLS Relay, Session Registry, and Provisioning State
// Machine into the untrusted host-side orchestrator described in
// spec.md.
package broker

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShaleXIONG/veracruz/internal/attestation"
	"github.com/ShaleXIONG/veracruz/internal/brokererr"
	"github.com/ShaleXIONG/veracruz/internal/enclave"
	"github.com/ShaleXIONG/veracruz/internal/metrics"
	"github.com/ShaleXIONG/veracruz/internal/policy"
	"github.com/ShaleXIONG/veracruz/internal/provisioning"
	"github.com/ShaleXIONG/veracruz/internal/session"
	"github.com/ShaleXIONG/veracruz/internal/ticket"
	"github.com/ShaleXIONG/veracruz/internal/tlsrelay"
	"github.com/ShaleXIONG/veracruz/internal/wire"
)

// Broker exclusively owns the Enclave Driver handle and composes every
// other component. It is the long-lived object the ticket registry and
// continue-flag map live on, per spec.md §9.
type Broker struct {
	log zerolog.Logger

	driver  *enclave.Driver
	policy  *policy.View
	machine *provisioning.Machine
	sessions *session.Registry
	tickets  *ticket.Registry
	metrics  *metrics.Collector

	attestationCoordinator *attestation.Coordinator
	enclaveCertFingerprint [32]byte
	relayPinningKey        []byte
}

// Config bundles what New needs to assemble a Broker.
type Config struct {
	Log          zerolog.Logger
	Driver       *enclave.Driver
	Policy       *policy.View
	SessionStore session.Store
	Metrics      *metrics.Collector
}

// New assembles a Broker from its already-constructed components. The
// enclave must already have been Spawned (see internal/enclave.Spawn)
// and the Policy View already loaded before calling New.
func New(cfg Config) *Broker {
	store := cfg.SessionStore
	if store == nil {
		store = session.NewMemoryStore()
	}
	return &Broker{
		log:      cfg.Log.With().Str("component", "broker").Logger(),
		driver:   cfg.Driver,
		policy:   cfg.Policy,
		machine:  provisioning.New(cfg.Policy),
		sessions: session.NewRegistry(store),
		tickets:  ticket.New(),
		metrics:  cfg.Metrics,
	}
}

// Attest runs the Attestation Coordinator's protocol against the
// already-spawned enclave and caches the resulting enclave-cert
// fingerprint for client TLS pinning.
func (b *Broker) Attest(ctx context.Context, coordinator *attestation.Coordinator) error {
	start := time.Now()
	result, err := coordinator.Run(ctx, tokenSource{b.driver}, b.policy.ExpectedMeasurement())
	if b.metrics != nil {
		b.metrics.RecordAttestationRun(err == nil, time.Since(start))
	}
	if err != nil {
		return err
	}
	b.attestationCoordinator = coordinator
	b.enclaveCertFingerprint = result.EnclaveCertFingerprint

	// Derive a pinning key bound to the attested enclave-cert fingerprint.
	// It is exposed through RelayPinningKeyHex (and the Frontend's /health
	// route); the TLS Relay itself does not use it.
	key, err := attestation.DeriveSessionKey(result.EnclaveCertFingerprint, "tls-relay-pinning", 32)
	if err != nil {
		return fmt.Errorf("derive relay pinning key: %w", err)
	}
	b.relayPinningKey = key
	return nil
}

// EnclaveCertFingerprint returns the trust anchor clients pin against.
func (b *Broker) EnclaveCertFingerprint() [32]byte { return b.enclaveCertFingerprint }

// RelayPinningKeyHex returns the hex-encoded pinning key derived from the
// attested enclave-cert fingerprint, exposed so clients can cross-check
// their own derivation without re-deriving from a raw fingerprint they
// received over a possibly-tampered channel.
func (b *Broker) RelayPinningKeyHex() string { return hex.EncodeToString(b.relayPinningKey) }

// PolicyDigest returns the hex policy digest clients compare against
// their own copy of the policy.
func (b *Broker) PolicyDigest() string { return b.policy.Digest() }

type tokenSource struct {
	driver *enclave.Driver
}

func (t tokenSource) GetAttestationToken(ctx context.Context, challenge [32]byte) (*wire.Message, error) {
	return t.driver.Send(ctx, &wire.Message{Tag: wire.TagGetAttestationToken, Challenge: challenge})
}

// sendDriver wraps a raw driver.Send with the latency/error metrics the
// Broker is in a position to attribute to a request tag. Calls that go
// to the driver directly (the TLS Relay's byte pump, the attestation
// token source, the plaintext-attestation handler) are not recorded.
func (b *Broker) sendDriver(ctx context.Context, req *wire.Message) (*wire.Message, error) {
	start := time.Now()
	reply, err := b.driver.Send(ctx, req)
	if b.metrics != nil {
		b.metrics.RecordDriverCall(tagName(req.Tag), time.Since(start), err)
	}
	return reply, err
}

func tagName(t wire.Tag) string {
	switch t {
	case wire.TagInitialize:
		return "Initialize"
	case wire.TagGetEnclaveCert:
		return "GetEnclaveCert"
	case wire.TagGetEnclaveName:
		return "GetEnclaveName"
	case wire.TagGetAttestationToken:
		return "GetAttestationToken"
	case wire.TagNewTLSSession:
		return "NewTLSSession"
	case wire.TagCloseTLSSession:
		return "CloseTLSSession"
	case wire.TagSendTLSData:
		return "SendTLSData"
	case wire.TagGetTLSData:
		return "GetTLSData"
	case wire.TagGetTLSDataNeeded:
		return "GetTLSDataNeeded"
	case wire.TagReset:
		return "Reset"
	default:
		return "Unknown"
	}
}

// NewSession opens a session for an authenticated client: asks the
// enclave for a new TLS session id, registers it with the Session
// Registry, and issues a ticket for the cooperating server/client
// loops that will service it.
func (b *Broker) NewSession(ctx context.Context, certFingerprint string) (*session.Session, uint32, error) {
	reply, err := b.sendDriver(ctx, &wire.Message{Tag: wire.TagNewTLSSession})
	if err != nil {
		return nil, 0, err
	}
	if reply.Tag != wire.TagTLSSession {
		return nil, 0, brokererr.New(brokererr.Decode, "expected TLSSession reply")
	}

	s, err := b.sessions.Allocate(ctx, reply.SessionID, certFingerprint)
	if err != nil {
		return nil, 0, err
	}

	ticketID := b.tickets.Issue()
	if b.metrics != nil {
		b.metrics.SetSessionsActive(b.sessions.Count())
		b.metrics.SetTicketsActive(b.tickets.Active())
		b.metrics.RecordSessionPhase(fmt.Sprint(s.ID), int(s.Phase))
	}
	return s, ticketID, nil
}

// Relay returns a TLS Relay bound to one session, for the Broker
// Frontend to pump client bytes through.
func (b *Broker) Relay(sessionID uint32) *tlsrelay.Relay {
	return tlsrelay.New(b.log, b.driver, sessionID)
}

// Dispatch validates req against the Provisioning State Machine, and on
// success forwards it to the enclave as the corresponding wire request
// (left to internal/broker/frontend.go's handlers, which know the HTTP
// shape); Dispatch itself only owns the phase-check/authorization gate
// shared by every entry point.
func (b *Broker) Dispatch(ctx context.Context, s *session.Session, req *wire.Request) error {
	// Phase/authorization failures from Check are never fatal: they are
	// reported to the caller and the session stays open, per spec.md
	// §4.6's propagation policy.
	return b.machine.Check(s, req)
}

// Advance applies the Provisioning State Machine's phase transition for
// a successfully processed request, persists the session's new phase,
// and records it for observability. Callers invoke this only after the
// enclave has confirmed the request succeeded; Dispatch's Check alone
// never mutates phase.
func (b *Broker) Advance(ctx context.Context, s *session.Session, req *wire.Request, dataComplete, streamRoundComplete bool) {
	prev := s.Phase
	next := b.machine.NextPhase(prev, req, dataComplete, streamRoundComplete)
	if next == wire.PhaseStreamLoading && prev != wire.PhaseStreamLoading {
		// Entering a fresh round (either from DataLoading the first time,
		// or via RequestNextRound from ReadyToExecute): the per-round
		// package_id dedup set starts empty again.
		s.ResetStreamRound()
	}
	s.Phase = next
	if b.metrics != nil {
		b.metrics.RecordSessionPhase(fmt.Sprint(s.ID), int(s.Phase))
	}
}

// Policy exposes the Policy View for callers that need more than the
// digest (arity counts, fingerprint), such as the Frontend's completion
// checks and always-available query handlers.
func (b *Broker) Policy() *policy.View { return b.policy }

// CloseSession tears down one session: issues CloseTLSSession to the
// enclave, then marks the session closed, evicts the registry slot and
// stops and releases the ticket. It does not drain inbound bytes itself;
// any final drain is the caller's (serveRequest drains before closing).
func (b *Broker) CloseSession(ctx context.Context, sessionID, ticketID uint32) error {
	reply, err := b.sendDriver(ctx, &wire.Message{Tag: wire.TagCloseTLSSession, SessionID: sessionID})
	if err != nil {
		return err
	}
	if reply.Tag != wire.TagStatus || reply.Status != wire.StatusSuccess {
		return brokererr.New(brokererr.Transport, "enclave rejected CloseTLSSession")
	}

	if err := b.sessions.Close(ctx, sessionID); err != nil {
		return err
	}
	b.sessions.Evict(ctx, sessionID)
	b.tickets.Stop(ticketID)
	b.tickets.Release(ticketID)
	if b.metrics != nil {
		b.metrics.SetSessionsActive(b.sessions.Count())
		b.metrics.SetTicketsActive(b.tickets.Active())
	}
	return nil
}

// FailSession closes a session after a fatal (attestation, transport,
// decode, or internal) error, per spec.md §4.6's propagation policy,
// without attempting the graceful CloseTLSSession round trip since the
// channel itself may be the thing that broke.
func (b *Broker) FailSession(ctx context.Context, sessionID, ticketID uint32, cause error) {
	b.log.Error().
		Uint32("session_id", sessionID).
		Str("trace_id", b.tickets.TraceID(ticketID)).
		Err(cause).
		Msg("session closed on fatal error")
	_ = b.sessions.Close(ctx, sessionID)
	b.sessions.Evict(ctx, sessionID)
	b.tickets.Stop(ticketID)
	b.tickets.Release(ticketID)
	if b.metrics != nil {
		var kind string
		if be, ok := cause.(*brokererr.Error); ok {
			kind = string(be.Kind)
		} else {
			kind = "unknown"
		}
		b.metrics.RecordSessionFailure(kind)
	}
}

// Shutdown tears down the enclave driver. Call once, at process exit.
func (b *Broker) Shutdown(ctx context.Context) error {
	if err := b.driver.Close(ctx); err != nil {
		return fmt.Errorf("shutdown enclave driver: %w", err)
	}
	return nil
}

// Sessions exposes the Session Registry for handlers that need direct
// lookup (e.g. feed-tls-bytes resolving a session id from the client).
func (b *Broker) Sessions() *session.Registry { return b.sessions }

// Tickets exposes the ticket/continue-flag registry.
func (b *Broker) Tickets() *ticket.Registry { return b.tickets }
