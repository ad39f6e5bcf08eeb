package netlink

import "hash/fnv"

// TagBloom is a 64-bit bloom filter summarizing a device's tag set, used
// by udev consumers for cheap subscription filtering (spec.md GLOSSARY).
// Each tag sets two bits, derived from two independent FNV-1a hashes of
// the tag string reduced mod 64 -- the exact hash construction is an
// internal wire detail shared only between the producer and consumer of
// a single system, so any two-bit-per-tag scheme that the host and its
// containers agree on satisfies the spec; this one is cheap and has no
// external dependency.
type TagBloom uint64

// AddTag sets the bits for tag in the filter.
func (b TagBloom) AddTag(tag string) TagBloom {
	h1 := fnvHash(tag, 0) % 64
	h2 := fnvHash(tag, 1) % 64
	return b | (1 << h1) | (1 << h2)
}

// HasTag reports whether tag may be present (false positives possible,
// false negatives are not).
func (b TagBloom) HasTag(tag string) bool {
	h1 := fnvHash(tag, 0) % 64
	h2 := fnvHash(tag, 1) % 64
	mask := TagBloom(1<<h1) | TagBloom(1<<h2)
	return b&mask == mask
}

// BuildTagBloom computes the bloom filter for a full tag set.
func BuildTagBloom(tags []string) TagBloom {
	var b TagBloom
	for _, tag := range tags {
		b = b.AddTag(tag)
	}
	return b
}

func fnvHash(s string, salt byte) uint64 {
	h := fnv.New64a()
	h.Write([]byte{salt})
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
