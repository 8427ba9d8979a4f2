/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package codec

import (
	"bytes"
	"io"

	"github.com/meshcore/mesh/cmn/cos"
)

// Prefix bytes dispatching an inbound peer-to-peer frame (spec.md §4.1).
const (
	PrefixTopic   = 't'
	PrefixService = 's'
)

// RequestIDSize is the fixed width, in bytes, of a ServiceRequest/Response
// id on the wire.
const RequestIDSize = 2

// Status bytes of a ServiceResponse frame.
const (
	StatusOK    = 0x00
	StatusError = 0xEE
)

// TopicMessage is spec.md §3's TopicMessage.
type TopicMessage struct {
	Topic  string
	Args   []Data
	Kwargs map[string]Data
}

// ServiceRequest is spec.md §3's ServiceRequest.
type ServiceRequest struct {
	ID      uint16
	Service string
	Args    []Data
	Kwargs  map[string]Data
}

// ServiceResponse is spec.md §3's ServiceResponse.
type ServiceResponse struct {
	ID      uint16
	OK      bool
	Payload Data   // valid when OK
	ErrMsg  string // valid when !OK
}

// EncodeTopicMessage renders a topic frame, prefix byte included, ready to
// be queued on a peer's outbox.
func EncodeTopicMessage(p Payload, msg *TopicMessage) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(PrefixTopic)
	if err := WriteString(&buf, msg.Topic); err != nil {
		return nil, err
	}
	if err := writeSeq(&buf, p, msg.Args); err != nil {
		return nil, err
	}
	if err := writeMap(&buf, p, msg.Kwargs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeServiceRequest renders a service-request frame, prefix byte
// included.
func EncodeServiceRequest(p Payload, req *ServiceRequest) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(PrefixService)
	if err := WriteFixedUint(&buf, uint64(req.ID), RequestIDSize); err != nil {
		return nil, err
	}
	if err := WriteString(&buf, req.Service); err != nil {
		return nil, err
	}
	if err := writeSeq(&buf, p, req.Args); err != nil {
		return nil, err
	}
	if err := writeMap(&buf, p, req.Kwargs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeServiceResponse renders a service-response frame. It carries no
// prefix byte: on a peer-to-peer stream, responses are only ever written
// back along the direction a request came from, after the handshake.
func EncodeServiceResponse(p Payload, resp *ServiceResponse) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteFixedUint(&buf, uint64(resp.ID), RequestIDSize); err != nil {
		return nil, err
	}
	if resp.OK {
		buf.WriteByte(StatusOK)
		enc, err := p.Encode(resp.Payload)
		if err != nil {
			return nil, err
		}
		if err := WriteBytes(&buf, enc); err != nil {
			return nil, err
		}
	} else {
		buf.WriteByte(StatusError)
		if err := WriteString(&buf, resp.ErrMsg); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeTopicMessage reads a topic frame's body (the prefix byte already
// consumed by the caller's dispatch read).
func DecodeTopicMessage(p Payload, r io.Reader) (*TopicMessage, error) {
	topic, err := ReadString(r)
	if err != nil {
		return nil, err
	}
	args, err := readSeq(r, p)
	if err != nil {
		return nil, err
	}
	kwargs, err := readMap(r, p)
	if err != nil {
		return nil, err
	}
	return &TopicMessage{Topic: topic, Args: args, Kwargs: kwargs}, nil
}

// DecodeServiceRequest reads a service-request frame's body.
func DecodeServiceRequest(p Payload, r io.Reader) (*ServiceRequest, error) {
	id, err := ReadFixedUint(r, RequestIDSize)
	if err != nil {
		return nil, err
	}
	service, err := ReadString(r)
	if err != nil {
		return nil, err
	}
	args, err := readSeq(r, p)
	if err != nil {
		return nil, err
	}
	kwargs, err := readMap(r, p)
	if err != nil {
		return nil, err
	}
	return &ServiceRequest{ID: uint16(id), Service: service, Args: args, Kwargs: kwargs}, nil
}

// DecodeServiceResponse reads a service-response frame's body.
func DecodeServiceResponse(p Payload, r io.Reader) (*ServiceResponse, error) {
	id, err := ReadFixedUint(r, RequestIDSize)
	if err != nil {
		return nil, err
	}
	statusBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, statusBuf); err != nil {
		return nil, err
	}
	resp := &ServiceResponse{ID: uint16(id)}
	switch statusBuf[0] {
	case StatusOK:
		enc, err := ReadBytes(r)
		if err != nil {
			return nil, err
		}
		v, err := p.Decode(enc)
		if err != nil {
			return nil, err
		}
		resp.OK = true
		resp.Payload = v
	case StatusError:
		msg, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		resp.ErrMsg = msg
	default:
		return nil, cos.NewErrProtocol("unknown service-response status byte 0x%02x", statusBuf[0])
	}
	return resp, nil
}

func writeSeq(w io.Writer, p Payload, items []Data) error {
	if err := WriteVarint(w, uint64(len(items))); err != nil {
		return err
	}
	for _, item := range items {
		enc, err := p.Encode(item)
		if err != nil {
			return err
		}
		if err := WriteBytes(w, enc); err != nil {
			return err
		}
	}
	return nil
}

func readSeq(r io.Reader, p Payload) ([]Data, error) {
	n, err := ReadVarint(r)
	if err != nil {
		return nil, err
	}
	items := make([]Data, 0, n)
	for i := uint64(0); i < n; i++ {
		enc, err := ReadBytes(r)
		if err != nil {
			return nil, err
		}
		v, err := p.Decode(enc)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, nil
}

func writeMap(w io.Writer, p Payload, m map[string]Data) error {
	if err := WriteVarint(w, uint64(len(m))); err != nil {
		return err
	}
	for k, v := range m {
		if err := WriteString(w, k); err != nil {
			return err
		}
		enc, err := p.Encode(v)
		if err != nil {
			return err
		}
		if err := WriteBytes(w, enc); err != nil {
			return err
		}
	}
	return nil
}

func readMap(r io.Reader, p Payload) (map[string]Data, error) {
	n, err := ReadVarint(r)
	if err != nil {
		return nil, err
	}
	m := make(map[string]Data, n)
	for i := uint64(0); i < n; i++ {
		k, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		enc, err := ReadBytes(r)
		if err != nil {
			return nil, err
		}
		v, err := p.Decode(enc)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

// ReadFramePrefix reads the single dispatch byte distinguishing a topic
// frame from a service-request frame on an inbound peer-to-peer stream.
func ReadFramePrefix(r io.Reader) (byte, error) {
	buf := make([]byte, 1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	switch buf[0] {
	case PrefixTopic, PrefixService:
		return buf[0], nil
	default:
		return 0, cos.NewErrProtocol("unknown frame prefix byte 0x%02x", buf[0])
	}
}
