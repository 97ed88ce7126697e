// Package tlsrelay bridges a remote client's TLS connection (carried
// over a websocket to the Broker Frontend) to the in-enclave TLS
// endpoint reachable through the Enclave Driver.
package tlsrelay

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ShaleXIONG/veracruz/internal/brokererr"
	"github.com/ShaleXIONG/veracruz/internal/wire"
)

// EnclaveSender is the subset of the Enclave Driver the relay needs.
type EnclaveSender interface {
	Send(ctx context.Context, req *wire.Message) (*wire.Message, error)
}

// Relay pumps bytes for one session between a client websocket
// connection and the in-enclave TLS endpoint. Ordering within a session
// is strict FIFO on both legs; a single Relay instance must not be
// shared across sessions.
type Relay struct {
	log       zerolog.Logger
	driver    EnclaveSender
	sessionID uint32

	// mu enforces the half-duplex discipline: a session either has data
	// to write or is awaiting bytes, never both at once.
	mu sync.Mutex
}

// New returns a Relay for one session.
func New(log zerolog.Logger, driver EnclaveSender, sessionID uint32) *Relay {
	return &Relay{
		log:       log.With().Uint32("session_id", sessionID).Logger(),
		driver:    driver,
		sessionID: sessionID,
	}
}

// PumpOutbound forwards one ciphertext chunk produced by the client's
// local TLS engine to the enclave via SendTLSData, per spec.md's
// outbound path.
func (r *Relay) PumpOutbound(ctx context.Context, ciphertext []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reply, err := r.driver.Send(ctx, &wire.Message{
		Tag:       wire.TagSendTLSData,
		SessionID: r.sessionID,
		Data:      ciphertext,
	})
	if err != nil {
		return err
	}
	if reply.Tag != wire.TagStatus || reply.Status != wire.StatusSuccess {
		return brokererr.New(brokererr.Transport, "enclave rejected SendTLSData")
	}
	return nil
}

// DrainInbound polls GetTLSDataNeeded/GetTLSData until the enclave has
// nothing more to send, accumulating (bytes, still_alive) pairs exactly
// as the original implementation's tls_data loop does. A
// still_alive=false reply marks the session closed after this drain.
func (r *Relay) DrainInbound(ctx context.Context) (chunks [][]byte, sessionAlive bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionAlive = true
	for {
		neededReply, err := r.driver.Send(ctx, &wire.Message{
			Tag:       wire.TagGetTLSDataNeeded,
			SessionID: r.sessionID,
		})
		if err != nil {
			return chunks, sessionAlive, err
		}
		if neededReply.Tag != wire.TagTLSDataNeeded {
			return chunks, sessionAlive, brokererr.New(brokererr.Decode, "expected TLSDataNeeded reply")
		}
		if !neededReply.TLSDataNeeded {
			return chunks, sessionAlive, nil
		}

		dataReply, err := r.driver.Send(ctx, &wire.Message{
			Tag:       wire.TagGetTLSData,
			SessionID: r.sessionID,
		})
		if err != nil {
			return chunks, sessionAlive, err
		}
		if dataReply.Tag != wire.TagTLSData {
			return chunks, sessionAlive, brokererr.New(brokererr.Decode, "expected TLSData reply")
		}

		chunks = append(chunks, dataReply.Data)
		sessionAlive = dataReply.StillAlive
		if !sessionAlive {
			return chunks, sessionAlive, nil
		}
	}
}
