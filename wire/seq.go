package wire

import "github.com/lithdew/seq"

// SeqLT implements 16-bit serial-number arithmetic (RFC 1982 style):
// a precedes b iff (b - a) mod 2^16 lies in [1, 2^15), or equals 2^15
// with a < b numerically, so exactly one of SeqLT(a, b), a == b and
// SeqLT(b, a) holds for every pair. Every other
// component compares sequence numbers through this helper (or
// SeqInWindow below) rather than via raw uint16 ordering, since plain
// "<" breaks at wraparound.
//
// seq.GT(x, y) reports whether x is serially-after y; a precedes b
// is exactly "b is serially-after a".
func SeqLT(a, b uint16) bool {
	return seq.GT(b, a)
}

// SeqInWindow reports whether s lies in the half-open window
// [base, base+width) under modular arithmetic.
func SeqInWindow(s, base uint16, width uint16) bool {
	return uint16(s-base) < width
}
