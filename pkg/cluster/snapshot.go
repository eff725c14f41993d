/*
Copyright 2024 The Namastack Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cluster

import "sort"

// Snapshot is one published view of this instance's partition ownership.
// Snapshots are immutable; the coordinator swaps in a fresh one on every
// rebalance and readers hold whatever they loaded. Ownership checks between
// records always load the current snapshot, which is how a sequence notices
// it lost a partition.
type Snapshot struct {
	// Generation increases on every publish.
	Generation uint64
	// LiveInstances is the size of the live set the snapshot was computed from.
	LiveInstances int

	partitions map[int32]struct{}
}

// NewSnapshot builds a snapshot owning the given partitions.
func NewSnapshot(generation uint64, liveInstances int, partitions []int32) *Snapshot {
	set := make(map[int32]struct{}, len(partitions))
	for _, p := range partitions {
		set[p] = struct{}{}
	}
	return &Snapshot{Generation: generation, LiveInstances: liveInstances, partitions: set}
}

// Owns reports whether the partition belongs to this instance in this view.
func (s *Snapshot) Owns(p int32) bool {
	if s == nil {
		return false
	}
	_, ok := s.partitions[p]
	return ok
}

// Partitions returns the owned partitions in ascending order.
func (s *Snapshot) Partitions() []int32 {
	if s == nil {
		return nil
	}
	out := make([]int32, 0, len(s.partitions))
	for p := range s.partitions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of owned partitions.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.partitions)
}
