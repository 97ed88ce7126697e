// Package wire implements the two serialization boundaries the Broker
// sits between: the length-prefixed Enclave Message frame exchanged with
// the enclave driver, and the tagged client<->enclave request/response
// protocol carried inside the TLS tunnel.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Tag identifies an Enclave Message variant.
type Tag byte

const (
	TagInitialize Tag = iota + 1
	TagGetEnclaveCert
	TagGetEnclaveName
	TagGetAttestationToken
	TagNewTLSSession
	TagCloseTLSSession
	TagSendTLSData
	TagGetTLSData
	TagGetTLSDataNeeded
	TagReset

	TagStatus
	TagEnclaveCert
	TagEnclaveName
	TagAttestationToken
	TagTLSSession
	TagTLSData
	TagTLSDataNeeded
)

// StatusCode is the payload of a Status reply.
type StatusCode byte

const (
	StatusSuccess StatusCode = iota
	StatusFail
)

// Message is one Enclave Message: a tagged union transported as a
// self-describing byte frame between host and enclave. Only the fields
// relevant to Tag are populated; callers switch on Tag before reading
// any other field.
type Message struct {
	Tag Tag

	// request fields
	PolicyJSON  []byte
	Challenge   [32]byte
	SessionID   uint32
	Data        []byte

	// reply fields
	Status          StatusCode
	Cert            []byte
	Name            string
	Token           []byte
	PubKey          []byte
	DeviceID        string
	StillAlive      bool
	TLSDataNeeded   bool
}

// EncodeFrame serializes m as a length-prefixed frame: a 4-byte
// big-endian length followed by the encoded message body.
func EncodeFrame(m *Message) ([]byte, error) {
	body, err := encodeBody(m)
	if err != nil {
		return nil, fmt.Errorf("encode enclave message: %w", err)
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// DecodeFrame reads one length-prefixed frame from r and parses its body.
func DecodeFrame(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return decodeBody(body)
}

func encodeBody(m *Message) ([]byte, error) {
	w := newWriter()
	w.putByte(byte(m.Tag))
	switch m.Tag {
	case TagInitialize:
		w.putBytes(m.PolicyJSON)
	case TagGetEnclaveCert, TagGetEnclaveName, TagNewTLSSession, TagReset:
		// no additional fields
	case TagGetAttestationToken:
		w.putFixed(m.Challenge[:])
	case TagCloseTLSSession, TagGetTLSData, TagGetTLSDataNeeded:
		w.putUint32(m.SessionID)
	case TagSendTLSData:
		w.putUint32(m.SessionID)
		w.putBytes(m.Data)
	case TagStatus:
		w.putByte(byte(m.Status))
	case TagEnclaveCert:
		w.putBytes(m.Cert)
	case TagEnclaveName:
		w.putString(m.Name)
	case TagAttestationToken:
		w.putBytes(m.Token)
		w.putBytes(m.PubKey)
		w.putString(m.DeviceID)
	case TagTLSSession:
		w.putUint32(m.SessionID)
	case TagTLSData:
		w.putBytes(m.Data)
		w.putBool(m.StillAlive)
	case TagTLSDataNeeded:
		w.putBool(m.TLSDataNeeded)
	default:
		return nil, fmt.Errorf("unknown tag %d", m.Tag)
	}
	return w.bytes(), nil
}

func decodeBody(body []byte) (*Message, error) {
	r := newReader(body)
	tagByte, err := r.getByte()
	if err != nil {
		return nil, err
	}
	m := &Message{Tag: Tag(tagByte)}
	switch m.Tag {
	case TagInitialize:
		m.PolicyJSON, err = r.getBytes()
	case TagGetEnclaveCert, TagGetEnclaveName, TagNewTLSSession, TagReset:
	case TagGetAttestationToken:
		var fixed []byte
		fixed, err = r.getFixed(32)
		if err == nil {
			copy(m.Challenge[:], fixed)
		}
	case TagCloseTLSSession, TagGetTLSData, TagGetTLSDataNeeded:
		m.SessionID, err = r.getUint32()
	case TagSendTLSData:
		if m.SessionID, err = r.getUint32(); err == nil {
			m.Data, err = r.getBytes()
		}
	case TagStatus:
		var b byte
		b, err = r.getByte()
		m.Status = StatusCode(b)
	case TagEnclaveCert:
		m.Cert, err = r.getBytes()
	case TagEnclaveName:
		m.Name, err = r.getString()
	case TagAttestationToken:
		if m.Token, err = r.getBytes(); err == nil {
			if m.PubKey, err = r.getBytes(); err == nil {
				m.DeviceID, err = r.getString()
			}
		}
	case TagTLSSession:
		m.SessionID, err = r.getUint32()
	case TagTLSData:
		if m.Data, err = r.getBytes(); err == nil {
			m.StillAlive, err = r.getBool()
		}
	case TagTLSDataNeeded:
		m.TLSDataNeeded, err = r.getBool()
	default:
		return nil, fmt.Errorf("unknown tag %d", m.Tag)
	}
	if err != nil {
		return nil, fmt.Errorf("decode enclave message body: %w", err)
	}
	return m, nil
}
