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

package partition

import "sort"

// Count is the fixed number of partitions. A record's partition is derived
// from its key at write time and never moves, so Count cannot change without
// a data migration.
const Count = 256

// Of maps a record key to its partition.
func Of(key string) int32 {
	return int32(Hash32([]byte(key)) % Count)
}

// OwnerOf picks the owning instance for a partition out of the live set:
// instances are sorted lexicographically by id and the partition is taken
// modulo the set size. Every instance computes the same answer from the same
// live set, which is what makes ownership work without a lock service.
// Returns "" when no instance is live.
func OwnerOf(p int32, liveIDs []string) string {
	if len(liveIDs) == 0 {
		return ""
	}
	sorted := make([]string, len(liveIDs))
	copy(sorted, liveIDs)
	sort.Strings(sorted)
	return sorted[int(p)%len(sorted)]
}

// Assign returns the sorted list of partitions owned by instanceID given the
// live set.
func Assign(instanceID string, liveIDs []string) []int32 {
	if len(liveIDs) == 0 {
		return nil
	}
	sorted := make([]string, len(liveIDs))
	copy(sorted, liveIDs)
	sort.Strings(sorted)

	idx := -1
	for i, id := range sorted {
		if id == instanceID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}

	var owned []int32
	for p := int32(0); p < Count; p++ {
		if int(p)%len(sorted) == idx {
			owned = append(owned, p)
		}
	}
	return owned
}
