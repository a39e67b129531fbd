// ABOUTME: Incremental parser that turns arbitrarily chunked SSE bytes into completion frames
// ABOUTME: Retains undelimited tails and joins unparseable bodies with the next incomplete one

package completion

import (
	"bytes"
	"encoding/json"
)

// maxCarry bounds how much unparseable payload is held while waiting for
// the rest of a split JSON body.
const maxCarry = 1 << 20

var (
	frameDelimiter = []byte("\n\n")
	doneSentinel   = []byte("[DONE]")
	dataPrefix     = []byte("data:")
)

// Frame is one decoded unit of an upstream stream: either a JSON payload
// or the end-of-stream sentinel.
type Frame struct {
	Done bool
	Data json.RawMessage
}

// Parser reassembles SSE frames from byte chunks split at arbitrary offsets.
//
// The output depends only on the concatenation of the fed bytes, never on
// where the chunk boundaries fall. Carriage returns are dropped so CRLF
// streams frame the same way as LF streams.
//
// A Parser is not safe for concurrent use.
type Parser struct {
	buf     []byte // bytes after the last delimiter
	carry   []byte // delimited body that was not valid JSON on its own
	done    bool
	dropped int
}

// NewParser creates an empty Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends chunk to the internal buffer and returns every frame that
// became complete. After a [DONE] frame all further input is discarded.
func (p *Parser) Feed(chunk []byte) []Frame {
	if p.done {
		return nil
	}

	for _, b := range chunk {
		if b != '\r' {
			p.buf = append(p.buf, b)
		}
	}

	var frames []Frame
	for {
		idx := bytes.Index(p.buf, frameDelimiter)
		if idx < 0 {
			break
		}
		block := p.buf[:idx]
		rest := p.buf[idx+len(frameDelimiter):]

		body, ok := frameBody(block)
		if ok {
			if bytes.Equal(bytes.TrimSpace(body), doneSentinel) {
				p.done = true
				p.buf = nil
				p.carry = nil
				return append(frames, Frame{Done: true})
			}
			if f, ok := p.decode(body); ok {
				frames = append(frames, f)
			}
		}

		// Compact so the retained tail does not pin the consumed prefix
		p.buf = append(p.buf[:0], rest...)
	}

	return frames
}

// decode returns a data frame when body, joined with any carried prefix,
// forms valid JSON. A body that is valid on its own supersedes a carry it
// does not complete; the stale carry is counted as dropped. Otherwise the
// joined bytes are carried forward.
func (p *Parser) decode(body []byte) (Frame, bool) {
	candidate := make([]byte, 0, len(p.carry)+len(body))
	candidate = append(candidate, p.carry...)
	candidate = append(candidate, body...)

	if json.Valid(candidate) {
		p.carry = nil
		return Frame{Data: json.RawMessage(bytes.TrimSpace(candidate))}, true
	}

	if len(p.carry) > 0 && json.Valid(body) {
		p.dropped += len(p.carry)
		p.carry = nil
		return Frame{Data: json.RawMessage(bytes.TrimSpace(body))}, true
	}

	if len(candidate) > maxCarry {
		p.dropped += len(candidate)
		p.carry = nil
		return Frame{}, false
	}
	p.carry = candidate
	return Frame{}, false
}

// Done reports whether the end-of-stream sentinel has been seen.
func (p *Parser) Done() bool {
	return p.done
}

// Pending reports how many bytes are buffered awaiting a delimiter or the
// rest of a split body.
func (p *Parser) Pending() int {
	return len(p.buf) + len(p.carry)
}

// Dropped reports how many bytes were discarded because a body never became
// valid JSON within the carry limit.
func (p *Parser) Dropped() int {
	return p.dropped
}

// frameBody extracts the payload of one delimited block. data: lines are
// joined with newlines; comments and event/id/retry fields are ignored; any
// other line is taken verbatim so bare JSON bodies are accepted too.
func frameBody(block []byte) ([]byte, bool) {
	var body []byte
	found := false

	for _, line := range bytes.Split(block, []byte("\n")) {
		switch {
		case len(line) == 0:
			continue
		case line[0] == ':':
			continue
		case bytes.HasPrefix(line, dataPrefix):
			line = line[len(dataPrefix):]
			if len(line) > 0 && line[0] == ' ' {
				line = line[1:]
			}
		case isFieldLine(line):
			continue
		}

		if found {
			body = append(body, '\n')
		}
		body = append(body, line...)
		found = true
	}

	return body, found
}

func isFieldLine(line []byte) bool {
	for _, field := range []string{"event:", "id:", "retry:"} {
		if bytes.HasPrefix(line, []byte(field)) {
			return true
		}
	}
	return false
}
