// Package protocol reassembles JSON objects from a raw serial byte stream.
//
// A serial line has no message boundaries: the device prints boot banners, menu text
// and log lines, and the reader may attach mid-object. The Assembler scans the stream
// byte by byte and emits every complete top-level JSON object it can validate:
//
//	boot...\x00{"a":1}garbage{"b":2}
//	           └──────┘       └──────┘
//	            frame 1        frame 2
//
// Framing rules:
//   - bytes before the first '{' are noise and are dropped
//   - '{' and '}' outside string literals move the brace depth; depth 0 closes a candidate
//   - a closed candidate is emitted only if it parses; otherwise it is dropped and
//     scanning continues, so one corrupted object never stalls the stream
//   - a '{' that cannot start a JSON value (not after ':', ',' or '[') means the current
//     candidate was truncated; scanning restarts at that brace
//   - control bytes outside whitespace, or inside a string literal, discard the candidate
//
// The Assembler does no I/O and knows nothing about time; timeouts belong to the caller.
package protocol

import (
	"encoding/json"
)

// DefaultMaxFrameSize bounds a single candidate. Larger candidates are discarded.
const DefaultMaxFrameSize = 4 << 20

// Assembler carries the framing state of one byte stream. Not safe for concurrent use.
type Assembler struct {
	buf      []byte // current candidate, starting at its opening brace
	depth    int    // brace depth of the candidate
	started  bool   // a '{' has been seen and buf holds a candidate
	inString bool   // inside a string literal
	escaped  bool   // previous byte was a backslash inside a string literal
	prev     byte   // last significant byte outside string literals
	max      int
	dropped  int
}

// NewAssembler returns an Assembler discarding candidates larger than maxFrame bytes.
// maxFrame <= 0 selects DefaultMaxFrameSize.
func NewAssembler(maxFrame int) *Assembler {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Assembler{max: maxFrame}
}

// Feed appends p to the stream and returns the frames it completed, in stream order.
// Returned slices are owned by the caller.
func (a *Assembler) Feed(p []byte) []json.RawMessage {
	var frames []json.RawMessage
	for _, c := range p {
		if !a.started {
			if c == '{' {
				a.begin()
			}
			continue
		}

		a.buf = append(a.buf, c)
		if len(a.buf) > a.max {
			a.discard()
			continue
		}

		if a.inString {
			switch {
			case a.escaped:
				a.escaped = false
			case c == '\\':
				a.escaped = true
			case c == '"':
				a.inString = false
				a.prev = c
			case c < 0x20:
				a.discard()
			}
			continue
		}

		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '"':
			a.inString = true
		case '{':
			if a.prev != ':' && a.prev != ',' && a.prev != '[' {
				// Truncated candidate: the previous object never closed.
				a.dropped++
				a.begin()
				continue
			}
			a.depth++
		case '}':
			a.depth--
			if a.depth == 0 {
				if json.Valid(a.buf) {
					frame := make(json.RawMessage, len(a.buf))
					copy(frame, a.buf)
					frames = append(frames, frame)
				} else {
					a.dropped++
				}
				a.Reset()
				continue
			}
		default:
			if c < 0x20 {
				a.discard()
				continue
			}
		}
		a.prev = c
	}
	return frames
}

// begin starts a new candidate at an opening brace.
func (a *Assembler) begin() {
	a.buf = append(a.buf[:0], '{')
	a.depth = 1
	a.started = true
	a.inString = false
	a.escaped = false
	a.prev = '{'
}

func (a *Assembler) discard() {
	a.dropped++
	a.Reset()
}

// Reset clears the framing state. The drop counter is kept.
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
	a.depth = 0
	a.started = false
	a.inString = false
	a.escaped = false
	a.prev = 0
}

// Buffered returns the size of the incomplete candidate held between Feed calls.
func (a *Assembler) Buffered() int {
	return len(a.buf)
}

// Dropped returns how many candidates were discarded as corrupt since creation.
func (a *Assembler) Dropped() int {
	return a.dropped
}
