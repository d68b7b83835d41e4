package wire

// SeqAfter implements the wraparound-safe modular sequence comparison
// spec.md §4.9 requires: a is considered after b iff the signed difference
// (a - b) is positive.
func SeqAfter(a, b uint32) bool {
	return int32(a-b) > 0
}

// SeqBefore is the inverse of SeqAfter, with equal sequences considered
// neither before nor after each other.
func SeqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}

// SeqInRange reports whether s falls within the inclusive range [start,end],
// using unsigned wraparound-safe arithmetic.
func SeqInRange(s, start, end uint32) bool {
	return (s - start) <= (end - start)
}
