package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// EncodeRequestFrame serializes req as a length-prefixed frame, the
// client-facing counterpart to EncodeFrame's host<->enclave framing.
// This is the wire shape that actually flows through the Broker
// Frontend's feed-tls-bytes pipeline: request metadata (Kind, PackageID,
// Challenge) is not secret against the host, per spec.md's metadata
// Non-goal, so the Broker decodes it directly to drive the Provisioning
// State Machine before the Payload is forwarded to the enclave.
func EncodeRequestFrame(req *Request) ([]byte, error) {
	body, err := encodeRequestBody(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// DecodeRequestFrame reads one length-prefixed frame from r and parses
// its body into a Request.
func DecodeRequestFrame(r io.Reader) (*Request, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read request frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read request frame body: %w", err)
	}
	return decodeRequestBody(body)
}

func encodeRequestBody(req *Request) ([]byte, error) {
	w := newWriter()
	w.putByte(byte(req.Kind))
	switch req.Kind {
	case ReqUploadProgram:
		w.putBytes(req.Payload)
	case ReqUploadData, ReqUploadStream:
		w.putUint32(req.PackageID)
		w.putBytes(req.Payload)
	case ReqRequestResult, ReqRequestNextRound, ReqRequestShutdown,
		ReqRequestProgramFingerprint, ReqRequestPolicyDigest, ReqRequestEnclaveState:
		// no additional fields
	case ReqRequestAttestationToken:
		w.putFixed(req.Challenge[:])
	default:
		return nil, fmt.Errorf("unknown request kind %d", req.Kind)
	}
	return w.bytes(), nil
}

func decodeRequestBody(body []byte) (*Request, error) {
	r := newReader(body)
	kindByte, err := r.getByte()
	if err != nil {
		return nil, err
	}
	req := &Request{Kind: RequestKind(kindByte)}
	switch req.Kind {
	case ReqUploadProgram:
		req.Payload, err = r.getBytes()
	case ReqUploadData, ReqUploadStream:
		if req.PackageID, err = r.getUint32(); err == nil {
			req.Payload, err = r.getBytes()
		}
	case ReqRequestResult, ReqRequestNextRound, ReqRequestShutdown,
		ReqRequestProgramFingerprint, ReqRequestPolicyDigest, ReqRequestEnclaveState:
	case ReqRequestAttestationToken:
		var fixed []byte
		fixed, err = r.getFixed(32)
		if err == nil {
			copy(req.Challenge[:], fixed)
		}
	default:
		return nil, fmt.Errorf("unknown request kind %d", req.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode request body: %w", err)
	}
	return req, nil
}

// EncodeResponseFrame is EncodeRequestFrame's counterpart for Response.
func EncodeResponseFrame(resp *Response) ([]byte, error) {
	body, err := encodeResponseBody(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// DecodeResponseFrame reads one length-prefixed frame from r and parses
// its body into a Response.
func DecodeResponseFrame(r io.Reader) (*Response, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read response frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read response frame body: %w", err)
	}
	return decodeResponseBody(body)
}

func encodeResponseBody(resp *Response) ([]byte, error) {
	w := newWriter()
	w.putByte(byte(resp.Kind))
	w.putString(resp.Message)
	switch resp.Kind {
	case RespStatus:
		w.putByte(byte(resp.Status))
	case RespProgramFingerprint:
		w.putFixed(resp.ProgramFingerprint[:])
	case RespPolicyDigest:
		w.putString(resp.PolicyDigest)
	case RespEnclaveState:
		w.putByte(byte(resp.EnclaveState))
	case RespResult:
		w.putBool(resp.HasResult)
		w.putBytes(resp.Result)
	case RespAttestationToken:
		w.putBytes(resp.Token)
		w.putBytes(resp.PubKey)
		w.putString(resp.DeviceID)
	default:
		return nil, fmt.Errorf("unknown response kind %d", resp.Kind)
	}
	return w.bytes(), nil
}

func decodeResponseBody(body []byte) (*Response, error) {
	r := newReader(body)
	kindByte, err := r.getByte()
	if err != nil {
		return nil, err
	}
	resp := &Response{Kind: ResponseKind(kindByte)}
	resp.Message, err = r.getString()
	if err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	switch resp.Kind {
	case RespStatus:
		var b byte
		b, err = r.getByte()
		resp.Status = StatusCode(b)
	case RespProgramFingerprint:
		var fixed []byte
		fixed, err = r.getFixed(32)
		if err == nil {
			copy(resp.ProgramFingerprint[:], fixed)
		}
	case RespPolicyDigest:
		resp.PolicyDigest, err = r.getString()
	case RespEnclaveState:
		var b byte
		b, err = r.getByte()
		resp.EnclaveState = Phase(b)
	case RespResult:
		if resp.HasResult, err = r.getBool(); err == nil {
			resp.Result, err = r.getBytes()
		}
	case RespAttestationToken:
		if resp.Token, err = r.getBytes(); err == nil {
			if resp.PubKey, err = r.getBytes(); err == nil {
				resp.DeviceID, err = r.getString()
			}
		}
	default:
		return nil, fmt.Errorf("unknown response kind %d", resp.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	return resp, nil
}
