package broker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShaleXIONG/veracruz/internal/brokererr"
	"github.com/ShaleXIONG/veracruz/internal/policy"
	"github.com/ShaleXIONG/veracruz/internal/session"
	"github.com/ShaleXIONG/veracruz/internal/ticket"
	"github.com/ShaleXIONG/veracruz/internal/tlsrelay"
	"github.com/ShaleXIONG/veracruz/internal/wire"
)

// Frontend exposes the Broker's public entry points: new-session,
// feed-tls-bytes, plaintext-attestation, close. Route shape and JSend
// response envelope are grounded on this codebase's coordinator API.
type Frontend struct {
	broker   *Broker
	upgrader websocket.Upgrader
}

// NewFrontend wraps a Broker with its HTTP surface.
func NewFrontend(b *Broker) *Frontend {
	return &Frontend{
		broker: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Routes registers the Broker Frontend's endpoints onto a chi router.
func (f *Frontend) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", f.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(f.broker.metrics.Registry(), promhttp.HandlerOpts{}))
	r.Get("/plaintext-attestation", f.handlePlaintextAttestation)
	r.Post("/new-session", f.handleNewSession)
	r.Get("/feed-tls-bytes/{session_id}", f.handleFeedTLSBytes)
	r.Post("/close/{session_id}", f.handleClose)
	return r
}

// response is a JSend-compatible envelope, the same shape used
// elsewhere in this codebase's REST API.
type response struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeSuccess(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response{Status: "success", Data: data})
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response{Status: "error", Message: err.Error()})
}

func httpStatusFor(err error) int {
	be, ok := err.(*brokererr.Error)
	if !ok {
		return http.StatusInternalServerError
	}
	switch be.Kind {
	case brokererr.Unauthorized:
		return http.StatusForbidden
	case brokererr.InvalidSession, brokererr.SessionClosed:
		return http.StatusNotFound
	case brokererr.ProtocolOrder, brokererr.ProtocolArity, brokererr.PolicyInvalid, brokererr.PolicyMismatch:
		return http.StatusBadRequest
	case brokererr.AttestationMismatch, brokererr.AttestationTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (f *Frontend) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, map[string]any{
		"policy_digest":        f.broker.PolicyDigest(),
		"sessions":             f.broker.sessions.Count(),
		"uptime_seconds":       f.broker.metrics.Uptime().Seconds(),
		"relay_pinning_key_id": f.broker.RelayPinningKeyHex(),
	})
}

// handlePlaintextAttestation serves the narrow pre-TLS plaintext
// request path: GetAttestationToken. Nonce-in-query, hex/base64 codec,
// grounded on this codebase's nitriding-style attestationHandler.
func (f *Frontend) handlePlaintextAttestation(w http.ResponseWriter, r *http.Request) {
	nonceHex := r.URL.Query().Get("nonce")
	if nonceHex == "" {
		writeError(w, http.StatusBadRequest, brokererr.New(brokererr.Decode, "missing nonce parameter"))
		return
	}
	raw, err := hex.DecodeString(nonceHex)
	if err != nil || len(raw) != 32 {
		writeError(w, http.StatusBadRequest, brokererr.New(brokererr.Decode, "nonce must be 32 bytes hex"))
		return
	}
	var challenge [32]byte
	copy(challenge[:], raw)

	reply, err := f.broker.driver.Send(r.Context(), &wire.Message{
		Tag:       wire.TagGetAttestationToken,
		Challenge: challenge,
	})
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	writeSuccess(w, map[string]any{
		"token":     base64.StdEncoding.EncodeToString(reply.Token),
		"pubkey":    base64.StdEncoding.EncodeToString(reply.PubKey),
		"device_id": reply.DeviceID,
	})
}

type newSessionRequest struct {
	CertificateFingerprint string `json:"certificate_fingerprint"`
}

type newSessionResponse struct {
	SessionID uint32 `json:"session_id"`
	TicketID  uint32 `json:"ticket_id"`
}

func (f *Frontend) handleNewSession(w http.ResponseWriter, r *http.Request) {
	var req newSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, brokererr.Wrap(brokererr.Decode, err))
		return
	}

	s, ticketID, err := f.broker.NewSession(r.Context(), req.CertificateFingerprint)
	if err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	writeSuccess(w, newSessionResponse{SessionID: s.ID, TicketID: ticketID})
}

// handleFeedTLSBytes upgrades to a websocket connection and runs the two
// cooperating loops spec.md §5/§9 describes for one session: a server
// loop that owns the client-facing websocket, and a client loop that
// drives each decoded request through the Provisioning State Machine and
// the Enclave Driver. The two are peers, coupled only by a pair of
// channels and the ticket's continue-flag — neither calls into the
// other directly.
func (f *Frontend) handleFeedTLSBytes(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseSessionID(chi.URLParam(r, "session_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var ticketID uint32
	_, _ = fmt.Sscan(r.URL.Query().Get("ticket_id"), &ticketID)

	if _, err := f.broker.sessions.Get(r.Context(), sessionID); err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	relay := f.broker.Relay(sessionID)
	tickets := f.broker.Tickets()

	reqCh := make(chan *wire.Request)
	respCh := make(chan *wire.Response)
	fatalCh := make(chan error, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.serverLoop(r.Context(), conn, ticketID, tickets, reqCh, respCh, fatalCh)
	}()
	go func() {
		defer wg.Done()
		f.clientLoop(r.Context(), sessionID, ticketID, tickets, relay, reqCh, respCh, fatalCh)
	}()
	wg.Wait()

	select {
	case cause := <-fatalCh:
		f.failOnFatal(r.Context(), sessionID, ticketID, cause)
	default:
	}
}

// serverLoop owns the client-facing websocket: it decodes inbound
// request frames onto reqCh and encodes each response from respCh back
// to the client. It polls the ticket's continue-flag at the top of every
// iteration and stops it on any fatal error it observes, relying on
// reqCh/respCh closing (not a direct call into clientLoop) to unblock
// its peer.
func (f *Frontend) serverLoop(ctx context.Context, conn *websocket.Conn, ticketID uint32, tickets *ticket.Registry, reqCh chan<- *wire.Request, respCh <-chan *wire.Response, fatalCh chan<- error) {
	defer close(reqCh)
	for tickets.Continue(ticketID) {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			tickets.Stop(ticketID)
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		req, err := wire.DecodeRequestFrame(bytes.NewReader(data))
		if err != nil {
			fatalCh <- brokererr.Wrap(brokererr.Decode, err)
			tickets.Stop(ticketID)
			return
		}

		select {
		case reqCh <- req:
		case <-ctx.Done():
			tickets.Stop(ticketID)
			return
		}

		select {
		case resp, ok := <-respCh:
			if !ok {
				return
			}
			frame, err := wire.EncodeResponseFrame(resp)
			if err != nil {
				fatalCh <- brokererr.Wrap(brokererr.Decode, err)
				tickets.Stop(ticketID)
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				tickets.Stop(ticketID)
				return
			}
			if resp.Kind == wire.RespStatus && req.Kind == wire.ReqRequestShutdown && resp.Status == wire.StatusSuccess {
				tickets.Stop(ticketID)
				return
			}
		case <-ctx.Done():
			tickets.Stop(ticketID)
			return
		}
	}
}

// clientLoop is serverLoop's peer: it drains reqCh, runs each request
// through serveRequest (Provisioning State Machine check, then Enclave
// Driver round trip), and pushes the reply onto respCh.
func (f *Frontend) clientLoop(ctx context.Context, sessionID, ticketID uint32, tickets *ticket.Registry, relay *tlsrelay.Relay, reqCh <-chan *wire.Request, respCh chan<- *wire.Response, fatalCh chan<- error) {
	defer close(respCh)
	for tickets.Continue(ticketID) {
		select {
		case req, ok := <-reqCh:
			if !ok {
				return
			}
			resp, err := f.serveRequest(ctx, sessionID, ticketID, relay, req)
			if err != nil {
				fatalCh <- err
				tickets.Stop(ticketID)
				return
			}
			select {
			case respCh <- resp:
			case <-ctx.Done():
				tickets.Stop(ticketID)
				return
			}
		case <-ctx.Done():
			tickets.Stop(ticketID)
			return
		}
	}
}

// serveRequest is the per-request pipeline spec.md §4.6 describes: look
// up the session, run it through the Provisioning State Machine's
// Check, and only on success forward it to the enclave (or, for the
// always-available digest/fingerprint/state queries, answer directly
// from data the Broker already holds). Phase/authorization rejections
// come back as an error Response, not a Go error — those never tear
// down the session. A non-nil error return is reserved for the fatal,
// session-closing cases: relay transport failures and frame corruption.
func (f *Frontend) serveRequest(ctx context.Context, sessionID, ticketID uint32, relay *tlsrelay.Relay, req *wire.Request) (*wire.Response, error) {
	s, err := f.broker.sessions.Get(ctx, sessionID)
	if err != nil {
		return errorResponse(err), nil
	}

	if err := f.broker.Dispatch(ctx, s, req); err != nil {
		return errorResponse(err), nil
	}

	switch req.Kind {
	case wire.ReqRequestPolicyDigest:
		return &wire.Response{Kind: wire.RespPolicyDigest, PolicyDigest: f.broker.PolicyDigest()}, nil
	case wire.ReqRequestProgramFingerprint:
		return &wire.Response{Kind: wire.RespProgramFingerprint, ProgramFingerprint: f.broker.Policy().ExpectedProgramFingerprint()}, nil
	case wire.ReqRequestEnclaveState:
		return &wire.Response{Kind: wire.RespEnclaveState, EnclaveState: s.Phase}, nil
	}

	if err := relay.PumpOutbound(ctx, req.Payload); err != nil {
		return nil, err
	}
	chunks, alive, err := relay.DrainInbound(ctx)
	if err != nil {
		return nil, err
	}

	dataComplete, streamRoundComplete := completionFlags(s, req, f.broker.Policy())
	f.broker.Advance(ctx, s, req, dataComplete, streamRoundComplete)

	if !alive {
		_ = f.broker.CloseSession(ctx, sessionID, ticketID)
	}

	return responseFor(req, chunks), nil
}

// completionFlags reports whether req's upload completes the current
// data phase or stream round, the signal NextPhase needs that it cannot
// derive on its own since upload counts live on the Session, not the
// Machine.
func completionFlags(s *session.Session, req *wire.Request, view *policy.View) (dataComplete, streamRoundComplete bool) {
	switch req.Kind {
	case wire.ReqUploadData:
		return uint32(s.DataUploadCount()) >= view.DataArity(), false
	case wire.ReqUploadStream:
		return false, uint32(s.StreamUploadCount()) >= view.StreamArity()
	default:
		return false, false
	}
}

// responseFor shapes the enclave's drained bytes into the Response kind
// req's kind implies. Every other kind gets a plain status reply; only
// RequestResult surfaces the payload as a result.
func responseFor(req *wire.Request, chunks [][]byte) *wire.Response {
	payload := flattenChunks(chunks)
	if req.Kind == wire.ReqRequestResult {
		return &wire.Response{Kind: wire.RespResult, HasResult: len(payload) > 0, Result: payload}
	}
	return &wire.Response{Kind: wire.RespStatus, Status: wire.StatusSuccess, Result: payload}
}

func flattenChunks(chunks [][]byte) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// errorResponse turns a rejection from Dispatch (or a session lookup
// failure) into the Response the client sees, rather than a torn-down
// session: per spec.md §4.6, phase/authorization failures are reported
// and the session stays open for a corrected retry.
func errorResponse(err error) *wire.Response {
	resp := &wire.Response{Kind: wire.RespStatus, Status: wire.StatusFail}
	if be, ok := err.(*brokererr.Error); ok {
		resp.Message = be.Error()
	} else {
		resp.Message = err.Error()
	}
	return resp
}

// failOnFatal closes the session via the Broker's fatal-error path only
// when err's Kind is one the propagation policy (spec.md §7) marks
// fatal (attestation, transport, decode, internal); phase/authorization
// errors never reach this path since serveRequest turns those into an
// error Response instead of a Go error.
func (f *Frontend) failOnFatal(ctx context.Context, sessionID, ticketID uint32, err error) {
	be, ok := err.(*brokererr.Error)
	if ok && !be.Kind.Fatal() {
		return
	}
	f.broker.FailSession(ctx, sessionID, ticketID, err)
}

func (f *Frontend) handleClose(w http.ResponseWriter, r *http.Request) {
	sessionID, err := parseSessionID(chi.URLParam(r, "session_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var req struct {
		TicketID uint32 `json:"ticket_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := f.broker.CloseSession(r.Context(), sessionID, req.TicketID); err != nil {
		writeError(w, httpStatusFor(err), err)
		return
	}
	writeSuccess(w, nil)
}

func parseSessionID(s string) (uint32, error) {
	var id uint32
	_, err := fmt.Sscan(s, &id)
	if err != nil || id == 0 {
		return 0, brokererr.New(brokererr.InvalidSession, "invalid session id in path")
	}
	return id, nil
}
