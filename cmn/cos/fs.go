// Package cos provides common low-level types and utilities shared by every
// mesh package.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"os"
	"path/filepath"
)

// NewUnixSocketPath creates a unique, not-yet-existing path for a Unix
// domain socket under the system temp dir, following the teacher's
// tmpfile-prefix convention (transport.bundle picked names per trname;
// here the "name" is the advertising node's server role).
func NewUnixSocketPath(prefix string) (string, error) {
	f, err := os.CreateTemp("", prefix+"*.sock")
	if err != nil {
		return "", err
	}
	path := f.Name()
	f.Close()
	if err := os.Remove(path); err != nil {
		return "", err
	}
	return path, nil
}

// UnixSocketsSupported reports whether a socket path in a fresh directory
// under the system temp dir fits the traditional sun_path length limit; it
// does not try to bind a socket. Used by the Unix server provider's
// UNSUPPORTED signal.
func UnixSocketsSupported() bool {
	dir, err := os.MkdirTemp("", "mesh-node-server.")
	if err != nil {
		return false
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "probe.sock")
	return len(path) < 104 // traditional sun_path limit on most platforms
}
