/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package coordinator

// Locator resolves the coordinator's address before a node dials it. The
// shipped implementation is StaticLocator; a Zeroconf-backed locator
// (src/rosy/discovery/zeroconf.py in the original) is an external
// collaborator that can implement this same interface without touching the
// node runtime.
type Locator interface {
	Locate() (addr string, err error)
}

// StaticLocator always resolves to the same configured address.
type StaticLocator struct {
	Addr string
}

func NewStaticLocator(addr string) StaticLocator { return StaticLocator{Addr: addr} }

func (l StaticLocator) Locate() (string, error) { return l.Addr, nil }
