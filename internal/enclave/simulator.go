package enclave

import (
	"context"
	"crypto/sha256"
	"io"
	"sync"

	"github.com/ShaleXIONG/veracruz/internal/wire"
)

// pipeTransport is an in-process, in-memory Transport: writes on one
// side become reads on the other. It stands in for a real vsock/EIF
// channel in the simulation backend and in tests.
type pipeTransport struct {
	r io.Reader
	w io.Writer
	closeFn func() error
}

func (p *pipeTransport) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeTransport) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeTransport) Close() error                { return p.closeFn() }

// SimulatorSpawner returns a Spawner backed by an in-process fake
// enclave that answers every request deterministically. It is the
// development/test stand-in for a real SGX or Nitro backend, matching
// the "simulation mode" flag this codebase's coordinator already
// exposes.
func SimulatorSpawner() Spawner {
	return func(ctx context.Context, image string, debug bool) (Transport, error) {
		hostR, enclaveW := io.Pipe()
		enclaveR, hostW := io.Pipe()

		sim := &simulatedEnclave{
			measurement: sha256.Sum256([]byte(image)),
			sessions:    make(map[uint32]*simSession),
		}
		go sim.run(enclaveR, enclaveW)

		return &pipeTransport{
			r: hostR,
			w: hostW,
			closeFn: func() error {
				hostW.Close()
				return hostR.Close()
			},
		}, nil
	}
}

type simSession struct {
	pendingOut [][]byte
}

// simulatedEnclave answers Enclave Messages without any real TEE,
// enough to exercise the Broker's state machine and TLS relay logic in
// tests: it echoes SendTLSData back out of GetTLSData once, then
// reports no more data needed.
type simulatedEnclave struct {
	mu          sync.Mutex
	measurement [32]byte
	nextSession uint32
	sessions    map[uint32]*simSession
}

func (s *simulatedEnclave) run(r io.Reader, w io.Writer) {
	for {
		req, err := wire.DecodeFrame(r)
		if err != nil {
			return
		}
		reply := s.handle(req)
		frame, err := wire.EncodeFrame(reply)
		if err != nil {
			return
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
	}
}

func (s *simulatedEnclave) handle(req *wire.Message) *wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Tag {
	case wire.TagInitialize:
		return &wire.Message{Tag: wire.TagStatus, Status: wire.StatusSuccess}
	case wire.TagGetEnclaveCert:
		return &wire.Message{Tag: wire.TagEnclaveCert, Cert: []byte("simulated-enclave-cert")}
	case wire.TagGetEnclaveName:
		return &wire.Message{Tag: wire.TagEnclaveName, Name: "veracruz-sim"}
	case wire.TagGetAttestationToken:
		return &wire.Message{
			Tag:      wire.TagAttestationToken,
			Token:    s.buildToken(req.Challenge),
			PubKey:   []byte("simulated-pubkey"),
			DeviceID: "sim-device-0",
		}
	case wire.TagNewTLSSession:
		s.nextSession++
		id := s.nextSession
		s.sessions[id] = &simSession{}
		return &wire.Message{Tag: wire.TagTLSSession, SessionID: id}
	case wire.TagCloseTLSSession:
		delete(s.sessions, req.SessionID)
		return &wire.Message{Tag: wire.TagStatus, Status: wire.StatusSuccess}
	case wire.TagSendTLSData:
		sess, ok := s.sessions[req.SessionID]
		if !ok {
			return &wire.Message{Tag: wire.TagStatus, Status: wire.StatusFail}
		}
		sess.pendingOut = append(sess.pendingOut, append([]byte(nil), req.Data...))
		return &wire.Message{Tag: wire.TagStatus, Status: wire.StatusSuccess}
	case wire.TagGetTLSDataNeeded:
		sess, ok := s.sessions[req.SessionID]
		return &wire.Message{Tag: wire.TagTLSDataNeeded, TLSDataNeeded: ok && len(sess.pendingOut) > 0}
	case wire.TagGetTLSData:
		sess, ok := s.sessions[req.SessionID]
		if !ok || len(sess.pendingOut) == 0 {
			return &wire.Message{Tag: wire.TagTLSData, Data: nil, StillAlive: true}
		}
		data := sess.pendingOut[0]
		sess.pendingOut = sess.pendingOut[1:]
		return &wire.Message{Tag: wire.TagTLSData, Data: data, StillAlive: true}
	case wire.TagReset:
		s.sessions = make(map[uint32]*simSession)
		return &wire.Message{Tag: wire.TagStatus, Status: wire.StatusSuccess}
	default:
		return &wire.Message{Tag: wire.TagStatus, Status: wire.StatusFail}
	}
}

// buildToken returns a deterministic fake attestation payload matching
// the layout verifiers in tests expect: challenge echoed at [8,40),
// measurement at [47,79), a fixed fingerprint at [86,118).
func (s *simulatedEnclave) buildToken(challenge [32]byte) []byte {
	buf := make([]byte, 118)
	copy(buf[8:40], challenge[:])
	copy(buf[47:79], s.measurement[:])
	fp := sha256.Sum256([]byte("simulated-enclave-cert"))
	copy(buf[86:118], fp[:])
	return buf
}
