// Package mono provides a monotonic clock reading used to break ties in the
// least-recently-used load balancer and to timestamp outbox entries.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

// epoch anchors NanoTime() so values stay small and comparable; wall-clock
// jumps (NTP, leap seconds) don't affect it because time.Since uses the
// runtime's monotonic reading, not wall time.
var epoch = time.Now()

// NanoTime returns a monotonically increasing nanosecond count. It is not
// comparable across process restarts.
func NanoTime() int64 { return int64(time.Since(epoch)) }
