// Package auth implements the mutual HMAC challenge-response handshake
// applied to every peer-to-peer and node-to-coordinator connection
// (spec.md §4.3).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"io"
	"net"
	"time"

	"github.com/meshcore/mesh/cmn/cos"
	"github.com/pkg/errors"
)

// Authenticator runs before any protocol frame is exchanged on a fresh
// stream, in both directions.
type Authenticator interface {
	Authenticate(conn net.Conn) error
}

// New returns an HMAC authenticator when key is non-empty, or a no-op
// authenticator otherwise (spec.md §4.3's "no authkey configured").
func New(key []byte, challengeLen int, timeout time.Duration) Authenticator {
	if len(key) == 0 {
		return Noop{}
	}
	return &HMAC{key: key, challengeLen: challengeLen, timeout: timeout}
}

// Noop is used when the mesh has no authkey configured.
type Noop struct{}

func (Noop) Authenticate(net.Conn) error { return nil }

// HMAC is the symmetric challenge-response authenticator of spec.md §4.3.
type HMAC struct {
	key          []byte
	challengeLen int
	timeout      time.Duration
}

func (a *HMAC) Authenticate(conn net.Conn) error {
	deadline := time.Now().Add(a.timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return errors.Wrap(err, "authentication: set deadline")
	}
	defer conn.SetDeadline(time.Time{})

	selfChallenge := make([]byte, a.challengeLen)
	if _, err := rand.Read(selfChallenge); err != nil {
		return errors.Wrap(err, "authentication: generate challenge")
	}
	if _, err := conn.Write(selfChallenge); err != nil {
		return wrapAuthErr("send challenge", err)
	}

	peerChallenge := make([]byte, a.challengeLen)
	if _, err := io.ReadFull(conn, peerChallenge); err != nil {
		return wrapAuthErr("read peer challenge", err)
	}

	selfTag := a.tag(peerChallenge)
	if _, err := conn.Write(selfTag); err != nil {
		return wrapAuthErr("send tag", err)
	}

	peerTag := make([]byte, sha256.Size)
	if _, err := io.ReadFull(conn, peerTag); err != nil {
		return wrapAuthErr("read peer tag", err)
	}

	expected := a.tag(selfChallenge)
	if subtle.ConstantTimeCompare(peerTag, expected) != 1 {
		return cos.NewErrAuthentication("tag mismatch")
	}
	return nil
}

func (a *HMAC) tag(challenge []byte) []byte {
	mac := hmac.New(sha256.New, a.key)
	mac.Write(challenge)
	return mac.Sum(nil)
}

func wrapAuthErr(step string, err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return cos.NewErrAuthentication(step + ": timed out")
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return cos.NewErrAuthentication(step + ": connection closed by peer")
	}
	return cos.NewErrAuthentication(step + ": " + err.Error())
}
