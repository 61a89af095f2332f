// Package mono provides a monotonic-clock helper used for duration
// measurements that must not be perturbed by wall-clock adjustments.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

// epoch anchors NanoTime: time.Since on a time.Time that carries a
// monotonic reading measures elapsed time on the monotonic clock.
var epoch = time.Now()

// NanoTime returns a monotonic reading in nanoseconds. Only differences
// between two NanoTime() calls are meaningful.
func NanoTime() int64 { return int64(time.Since(epoch)) }

// Since returns the monotonic duration elapsed since a prior NanoTime() reading.
func Since(start int64) time.Duration { return time.Duration(NanoTime() - start) }
