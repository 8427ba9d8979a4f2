/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package codec_test

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/meshcore/mesh/codec"
	"github.com/stretchr/testify/require"
)

func allPayloads(t *testing.T) []codec.Payload {
	t.Helper()
	var ps []codec.Payload
	for _, name := range []string{"cbor", "json", "gob"} {
		p, err := codec.NewPayload(name)
		require.NoError(t, err)
		ps = append(ps, p)
	}
	return ps
}

func TestPayloadRoundTrip(t *testing.T) {
	for _, p := range allPayloads(t) {
		t.Run(p.Name(), func(t *testing.T) {
			for _, v := range []codec.Data{"arg", int64(42), 3.5, true, []byte("blob")} {
				enc, err := p.Encode(v)
				require.NoError(t, err)
				got, err := p.Decode(enc)
				require.NoError(t, err)
				want := v
				if b, isBytes := v.([]byte); isBytes && p.Name() == "json" {
					// JSON has no byte-string type: []byte travels as a
					// base64 string and decodes as that string.
					want = base64.StdEncoding.EncodeToString(b)
				}
				require.EqualValues(t, want, got)
			}
		})
	}
}

func TestFixedUintOverflow(t *testing.T) {
	buf := make([]byte, 1)
	err := codec.PutFixedUint(buf, 256, 1)
	require.Error(t, err)
	require.NoError(t, codec.PutFixedUint(buf, 255, 1))
}

func TestVarintRoundTrip(t *testing.T) {
	for _, n := range []uint64{0, 1, 255, 256, 65535, 65536, 1 << 32} {
		var buf bytes.Buffer
		require.NoError(t, codec.WriteVarint(&buf, n))
		got, err := codec.ReadVarint(&buf)
		require.NoError(t, err)
		require.Equal(t, n, got)
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, s := range []string{"", "hello", "unicode éè"} {
		var buf bytes.Buffer
		require.NoError(t, codec.WriteString(&buf, s))
		got, err := codec.ReadString(&buf)
		require.NoError(t, err)
		require.Equal(t, s, got)
	}
}

func TestTopicMessageRoundTrip(t *testing.T) {
	p, err := codec.NewPayload("cbor")
	require.NoError(t, err)
	msg := &codec.TopicMessage{
		Topic:  "test",
		Args:   []codec.Data{"arg"},
		Kwargs: map[string]codec.Data{"key": "value"},
	}
	enc, err := codec.EncodeTopicMessage(p, msg)
	require.NoError(t, err)
	require.Equal(t, byte(codec.PrefixTopic), enc[0])

	r := bytes.NewReader(enc[1:])
	got, err := codec.DecodeTopicMessage(p, r)
	require.NoError(t, err)
	require.Equal(t, msg.Topic, got.Topic)
	require.Equal(t, msg.Args, got.Args)
	require.Equal(t, msg.Kwargs, got.Kwargs)
}

func TestServiceRequestResponseRoundTrip(t *testing.T) {
	p, err := codec.NewPayload("cbor")
	require.NoError(t, err)

	req := &codec.ServiceRequest{ID: 7, Service: "multiply", Args: []codec.Data{int64(3), int64(4)}}
	enc, err := codec.EncodeServiceRequest(p, req)
	require.NoError(t, err)
	require.Equal(t, byte(codec.PrefixService), enc[0])
	gotReq, err := codec.DecodeServiceRequest(p, bytes.NewReader(enc[1:]))
	require.NoError(t, err)
	require.Equal(t, req.ID, gotReq.ID)
	require.Equal(t, req.Service, gotReq.Service)

	ok := &codec.ServiceResponse{ID: 7, OK: true, Payload: int64(12)}
	encResp, err := codec.EncodeServiceResponse(p, ok)
	require.NoError(t, err)
	gotResp, err := codec.DecodeServiceResponse(p, bytes.NewReader(encResp))
	require.NoError(t, err)
	require.True(t, gotResp.OK)
	require.EqualValues(t, int64(12), gotResp.Payload)

	bad := &codec.ServiceResponse{ID: 7, OK: false, ErrMsg: "boom"}
	encBad, err := codec.EncodeServiceResponse(p, bad)
	require.NoError(t, err)
	gotBad, err := codec.DecodeServiceResponse(p, bytes.NewReader(encBad))
	require.NoError(t, err)
	require.False(t, gotBad.OK)
	require.Equal(t, "boom", gotBad.ErrMsg)
}

func TestUnknownFramePrefixIsProtocolError(t *testing.T) {
	_, err := codec.ReadFramePrefix(bytes.NewReader([]byte{'x'}))
	require.Error(t, err)
}
