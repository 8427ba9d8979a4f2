// Package cos provides common low-level types and utilities shared by every
// mesh package.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import "github.com/google/uuid"

// GenUUID returns a random version-4 UUID string, used as the process-
// instance component of cluster.NodeId.
func GenUUID() string { return uuid.NewString() }
