// Package fsic implements the filter-specific instance counter algebra used
// to compute the minimal record set one peer must send another. A FSIC
// summarizes, per instance (and in the v2 layout per partition), the highest
// counter a database holds for records in a filter.
package fsic

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatVersion identifies the FSIC wire layout.
type FormatVersion int

const (
	// FormatV1 is the legacy flat {instance → counter} layout. It collapses
	// per-partition information and loses precision when a fully-scoped peer
	// relays subset-scoped data from a third peer.
	FormatV1 FormatVersion = 1
	// FormatV2 is the nested super/sub layout that preserves per-partition
	// counters.
	FormatV2 FormatVersion = 2
)

// V1 is the flat layout: the minimum counter across all filter partitions
// for each instance.
type V1 map[string]int64

// V2 is the nested layout. Super entries cover a partition and every
// partition prefixed by it; sub entries attach to specific sub-partitions.
type V2 struct {
	Super map[string]V1 `json:"super"`
	Sub   map[string]V1 `json:"sub"`
}

// NewV2 returns an empty V2 with both maps allocated.
func NewV2() V2 {
	return V2{Super: map[string]V1{}, Sub: map[string]V1{}}
}

// DiffV1 returns, for each instance where sender's counter exceeds the
// receiver's (missing treated as 0), the receiver's counter. These are the
// lower bounds the sender must surpass when selecting records to send.
func DiffV1(sender, receiver V1) V1 {
	out := V1{}
	for instance, senderCounter := range sender {
		if senderCounter > receiver[instance] {
			out[instance] = receiver[instance]
		}
	}
	return out
}

// Expand merges super entries down into each sub partition by prefix match,
// keeping the maximum counter per instance. The result maps each sub
// partition to its effective instance counters.
func Expand(f V2) map[string]V1 {
	out := make(map[string]V1, len(f.Sub))
	for partition, counters := range f.Sub {
		merged := V1{}
		for instance, counter := range counters {
			merged[instance] = counter
		}
		for superPartition, superCounters := range f.Super {
			if !strings.HasPrefix(partition, superPartition) {
				continue
			}
			for instance, counter := range superCounters {
				if counter > merged[instance] {
					merged[instance] = counter
				}
			}
		}
		out[partition] = merged
	}
	return out
}

// RemoveRedundant deletes any (instance, counter) entry in a sub whose
// counter is at most that instance's counter in a containing super or an
// ancestor sub. This compacts a V2 before it goes on the wire.
func RemoveRedundant(f V2) {
	covering := func(partition, instance string) int64 {
		var best int64
		for superPartition, superCounters := range f.Super {
			if strings.HasPrefix(partition, superPartition) {
				if c, ok := superCounters[instance]; ok && c > best {
					best = c
				}
			}
		}
		for subPartition, subCounters := range f.Sub {
			if subPartition == partition || !strings.HasPrefix(partition, subPartition) {
				continue
			}
			if c, ok := subCounters[instance]; ok && c > best {
				best = c
			}
		}
		return best
	}

	for partition, counters := range f.Sub {
		for instance, counter := range counters {
			if counter <= covering(partition, instance) {
				delete(counters, instance)
			}
		}
		if len(counters) == 0 {
			delete(f.Sub, partition)
		}
	}
}

// DiffV2 returns per-partition lower bounds: for each sender partition and
// instance where the sender's counter exceeds the receiver's effective
// counter for that partition (inherited from receiver prefix partitions,
// missing treated as 0), the receiver's counter.
func DiffV2(sender, receiver V2) map[string]V1 {
	senderExpanded := Expand(sender)
	receiverExpanded := Expand(receiver)

	// Receiver supers still count even when the receiver has no matching sub.
	receiverCounter := func(partition, instance string) int64 {
		var best int64
		found := false
		for p, counters := range receiverExpanded {
			if strings.HasPrefix(partition, p) || strings.HasPrefix(p, partition) {
				if c, ok := counters[instance]; ok {
					found = true
					if c > best {
						best = c
					}
				}
			}
		}
		if !found {
			for p, counters := range receiver.Super {
				if strings.HasPrefix(partition, p) {
					if c, ok := counters[instance]; ok && c > best {
						best = c
					}
				}
			}
		}
		return best
	}

	out := map[string]V1{}
	for partition, counters := range senderExpanded {
		for instance, senderCounter := range counters {
			rc := receiverCounter(partition, instance)
			if senderCounter > rc {
				if out[partition] == nil {
					out[partition] = V1{}
				}
				out[partition][instance] = rc
			}
		}
	}
	return out
}

// Flatten collapses a per-partition diff into the legacy flat layout by
// taking the minimum counter per instance across partitions.
func Flatten(perPartition map[string]V1) V1 {
	out := V1{}
	for _, counters := range perPartition {
		for instance, counter := range counters {
			if existing, ok := out[instance]; !ok || counter < existing {
				out[instance] = counter
			}
		}
	}
	return out
}

// EntryCount returns the total number of (partition, instance) pairs in a
// per-partition diff, used to enforce the queueing ceiling.
func EntryCount(perPartition map[string]V1) int {
	n := 0
	for _, counters := range perPartition {
		n += len(counters)
	}
	return n
}

// Marshal encodes a FSIC in the given format version.
func Marshal(version FormatVersion, v1 V1, v2 V2) (string, error) {
	var data []byte
	var err error
	switch version {
	case FormatV1:
		data, err = json.Marshal(v1)
	case FormatV2:
		data, err = json.Marshal(v2)
	default:
		return "", fmt.Errorf("unknown FSIC format version %d", version)
	}
	if err != nil {
		return "", fmt.Errorf("failed to encode FSIC: %w", err)
	}
	return string(data), nil
}

// UnmarshalV1 decodes a flat FSIC, treating empty input as empty.
func UnmarshalV1(s string) (V1, error) {
	out := V1{}
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("failed to decode FSIC: %w", err)
	}
	return out, nil
}

// UnmarshalV2 decodes a nested FSIC, treating empty input as empty.
func UnmarshalV2(s string) (V2, error) {
	out := NewV2()
	if s == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return V2{}, fmt.Errorf("failed to decode FSIC: %w", err)
	}
	if out.Super == nil {
		out.Super = map[string]V1{}
	}
	if out.Sub == nil {
		out.Sub = map[string]V1{}
	}
	return out, nil
}
