package sshterminal

import "unicode/utf8"

// outputBuffer accumulates terminal output. It is not safe for concurrent
// use; the owning Session guards it with its own lock. A maxLen of zero
// keeps everything.
type outputBuffer struct {
	data   []byte
	maxLen int
}

func (b *outputBuffer) append(p []byte) {
	b.data = append(b.data, p...)
	if b.maxLen > 0 && len(b.data) > b.maxLen {
		b.data = b.data[len(b.data)-b.maxLen:]
	}
}

func (b *outputBuffer) replace(text string) {
	b.data = append(b.data[:0], text...)
	if b.maxLen > 0 && len(b.data) > b.maxLen {
		b.data = b.data[len(b.data)-b.maxLen:]
	}
}

func (b *outputBuffer) String() string { return string(b.data) }

func (b *outputBuffer) Len() int { return len(b.data) }

// completeUTF8 returns the length of the longest prefix of p that does not
// end inside a multi-byte rune. The remainder is carried to the next read.
func completeUTF8(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if utf8.FullRune(p[i:]) {
			return len(p)
		}
		return i
	}
	return len(p)
}
