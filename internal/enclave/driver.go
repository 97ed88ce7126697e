// Package enclave implements the Enclave Driver: a platform-abstract
// synchronous request/reply channel to one enclave instance.
package enclave

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ShaleXIONG/veracruz/internal/brokererr"
	"github.com/ShaleXIONG/veracruz/internal/wire"
)

// Transport is the raw byte channel to one enclave instance: a pipe, a
// vsock connection, or (in the simulation backend) an in-process
// io.ReadWriteCloser. The Driver owns framing and serialization; the
// Transport owns nothing but bytes.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// Driver is a single-threaded-consumer request/reply channel: one
// outstanding request at a time. Callers that need concurrent access
// must serialize through Driver's own mutex (it is itself goroutine
// safe) or use one Driver per session if the TEE supports parallel
// enclaves.
type Driver struct {
	log zerolog.Logger

	mu     sync.Mutex
	t      Transport
	reader *bufio.Reader
	closed bool
}

// New wraps an already-connected Transport. Spawning the transport
// (process exec, vsock dial, EC2 instance bring-up) is platform
// specific and handled by the caller before constructing a Driver.
func New(log zerolog.Logger, t Transport) *Driver {
	return &Driver{
		log:    log.With().Str("component", "enclave_driver").Logger(),
		t:      t,
		reader: bufio.NewReader(t),
	}
}

// Send transmits one Enclave Message and returns the enclave's reply.
// It fails with Transport if the channel breaks or Decode if the reply
// cannot be parsed as an Enclave Message. There are no retries at this
// layer, per spec.
func (d *Driver) Send(ctx context.Context, req *wire.Message) (*wire.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, brokererr.New(brokererr.Transport, "driver is closed")
	}

	frame, err := wire.EncodeFrame(req)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.Decode, fmt.Errorf("encode request: %w", err))
	}
	if _, err := d.t.Write(frame); err != nil {
		return nil, brokererr.Wrap(brokererr.Transport, fmt.Errorf("write request: %w", err))
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(d.reader, lenBuf[:]); err != nil {
		return nil, brokererr.Wrap(brokererr.Transport, fmt.Errorf("read reply: %w", err))
	}
	body := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(d.reader, body); err != nil {
		return nil, brokererr.Wrap(brokererr.Transport, fmt.Errorf("read reply: %w", err))
	}
	reply, err := wire.DecodeFrame(io.MultiReader(bytes.NewReader(lenBuf[:]), bytes.NewReader(body)))
	if err != nil {
		return nil, brokererr.Wrap(brokererr.Decode, fmt.Errorf("decode reply: %w", err))
	}
	d.log.Debug().
		Uint8("request_tag", uint8(req.Tag)).
		Uint8("reply_tag", uint8(reply.Tag)).
		Msg("enclave round trip")
	return reply, nil
}

// Close tears down the enclave with a best-effort Reset message before
// closing the underlying transport. Go has no destructor equivalent to
// the original driver's Drop impl, so callers must call Close
// explicitly; there is no finalizer safety net.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	frame, err := wire.EncodeFrame(&wire.Message{Tag: wire.TagReset})
	if err == nil {
		_, _ = d.t.Write(frame) // best effort; ignore errors on teardown
	}
	return d.t.Close()
}
