package guac

import (
	"fmt"
)

// DefaultMaxInstructionSize bounds the bytes a Parser holds for one
// incomplete instruction.
const DefaultMaxInstructionSize = 8 * 1024 * 1024

// maxLengthDigits bounds the decimal length prefix of one element.
const maxLengthDigits = 10

// FramingError reports malformed instruction data. It is fatal to the
// stream it occurred on.
type FramingError struct {
	Offset int
	Reason string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("malformed instruction at byte %d: %s", e.Offset, e.Reason)
}

// Parser turns a byte stream into instructions. Data belonging to an
// instruction that is not yet complete is kept until the next Feed.
type Parser struct {
	// MaxInstructionSize bounds buffered data. Zero selects
	// DefaultMaxInstructionSize.
	MaxInstructionSize int

	buf    []byte
	offset int // stream offset of buf[0], for error reporting
	failed error
}

// Feed appends data and returns every instruction completed by it. After a
// FramingError the parser stays failed.
func (p *Parser) Feed(data []byte) ([]Instruction, error) {
	if p.failed != nil {
		return nil, p.failed
	}
	p.buf = append(p.buf, data...)

	var out []Instruction
	pos := 0
	for {
		ins, n, err := scanInstruction(p.buf[pos:])
		if err != nil {
			err.Offset += p.offset + pos
			p.failed = err
			return out, err
		}
		if n == 0 {
			break
		}
		out = append(out, ins)
		pos += n
	}

	p.offset += pos
	rest := len(p.buf) - pos
	if rest == 0 {
		p.buf = p.buf[:0]
	} else if pos > 0 {
		p.buf = append(p.buf[:0], p.buf[pos:]...)
	}

	limit := p.MaxInstructionSize
	if limit <= 0 {
		limit = DefaultMaxInstructionSize
	}
	if rest > limit {
		p.failed = &FramingError{Offset: p.offset, Reason: fmt.Sprintf("instruction exceeds %d bytes", limit)}
		return out, p.failed
	}
	return out, nil
}

// Buffered returns the number of bytes held for an incomplete instruction.
func (p *Parser) Buffered() int { return len(p.buf) }

// Parse decodes every complete instruction in data and returns the
// unconsumed remainder.
func Parse(data []byte) ([]Instruction, []byte, error) {
	var out []Instruction
	pos := 0
	for {
		ins, n, err := scanInstruction(data[pos:])
		if err != nil {
			err.Offset += pos
			return out, data[pos:], err
		}
		if n == 0 {
			return out, data[pos:], nil
		}
		out = append(out, ins)
		pos += n
	}
}

// scanInstruction decodes one instruction from the start of b. It returns
// n == 0 when b does not yet hold a complete instruction.
func scanInstruction(b []byte) (Instruction, int, *FramingError) {
	var elems []string
	pos := 0
	for {
		// Length prefix.
		start := pos
		length := 0
		for {
			if pos >= len(b) {
				return Instruction{}, 0, nil
			}
			c := b[pos]
			if c == '.' {
				break
			}
			if c < '0' || c > '9' {
				return Instruction{}, 0, &FramingError{Offset: pos, Reason: fmt.Sprintf("unexpected %q in element length", c)}
			}
			if pos-start >= maxLengthDigits {
				return Instruction{}, 0, &FramingError{Offset: start, Reason: "element length too long"}
			}
			length = length*10 + int(c-'0')
			pos++
		}
		if pos == start {
			return Instruction{}, 0, &FramingError{Offset: pos, Reason: "missing element length"}
		}
		pos++ // '.'

		// Value and terminator.
		if len(b)-pos < length+1 {
			return Instruction{}, 0, nil
		}
		elems = append(elems, string(b[pos:pos+length]))
		pos += length

		switch b[pos] {
		case ',':
			pos++
		case ';':
			pos++
			return Instruction{opcode: elems[0], args: elems[1:]}, pos, nil
		default:
			return Instruction{}, 0, &FramingError{Offset: pos, Reason: fmt.Sprintf("expected ',' or ';' after element, got %q", b[pos])}
		}
	}
}
