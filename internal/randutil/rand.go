// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package randutil provides a concurrency-safe wrapper around math/rand.Rand, used for the
// uniform tie-break selection among equally-eligible servers.
package randutil

import (
	"math/rand"
	"sync"
)

// LockedRand wraps a *rand.Rand with a mutex so it can be shared across the many goroutines that
// perform server selection concurrently.
type LockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewLockedRand constructs a LockedRand from the given source.
func NewLockedRand(src rand.Source) *LockedRand {
	return &LockedRand{r: rand.New(src)}
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (lr *LockedRand) Intn(n int) int {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.r.Intn(n)
}

// Shuffle pseudo-randomizes the order of n elements using the given swap function.
func (lr *LockedRand) Shuffle(n int, swap func(i, j int)) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.r.Shuffle(n, swap)
}
