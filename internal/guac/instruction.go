// Package guac implements the display protocol used between browser clients
// and guacd: the length-prefixed instruction codec, a Tunnel that tracks
// stream health, the guacd backend that owns a session's display connection,
// and the WebSocket relay that bridges the two.
//
// An instruction is a list of elements, each written as <length>.<value>,
// separated by ',' and terminated by ';'. The first element is the opcode.
// Lengths count bytes.
//
//	4.test,5.hello;  ->  opcode "test", args ["hello"]
package guac

import (
	"bytes"
	"fmt"
	"strconv"
)

// Instruction is one parsed unit of the display protocol. It is immutable.
type Instruction struct {
	opcode string
	args   []string
}

// NewInstruction builds an instruction. args is copied.
func NewInstruction(opcode string, args ...string) Instruction {
	return Instruction{opcode: opcode, args: append([]string(nil), args...)}
}

// Opcode returns the first element of the instruction.
func (i Instruction) Opcode() string { return i.opcode }

// Args returns a copy of the instruction's arguments.
func (i Instruction) Args() []string { return append([]string(nil), i.args...) }

// NumArgs returns the number of arguments.
func (i Instruction) NumArgs() int { return len(i.args) }

// Arg returns argument n, or "" if absent.
func (i Instruction) Arg(n int) string {
	if n < 0 || n >= len(i.args) {
		return ""
	}
	return i.args[n]
}

// Equal reports whether two instructions carry the same elements.
func (i Instruction) Equal(o Instruction) bool {
	if i.opcode != o.opcode || len(i.args) != len(o.args) {
		return false
	}
	for n := range i.args {
		if i.args[n] != o.args[n] {
			return false
		}
	}
	return true
}

// Bytes returns the wire encoding of the instruction.
func (i Instruction) Bytes() []byte {
	var b bytes.Buffer
	i.writeTo(&b)
	return b.Bytes()
}

func (i Instruction) String() string { return string(i.Bytes()) }

func (i Instruction) writeTo(b *bytes.Buffer) {
	writeElement(b, i.opcode)
	for _, a := range i.args {
		b.WriteByte(',')
		writeElement(b, a)
	}
	b.WriteByte(';')
}

func writeElement(b *bytes.Buffer, v string) {
	b.WriteString(strconv.Itoa(len(v)))
	b.WriteByte('.')
	b.WriteString(v)
}

// Encode serializes one instruction. Values are converted with elementString;
// nil encodes as an empty element.
func Encode(opcode string, args ...any) []byte {
	strs := make([]string, len(args))
	for n, a := range args {
		strs[n] = elementString(a)
	}
	return Instruction{opcode: opcode, args: strs}.Bytes()
}

// EncodeAll concatenates the encodings of ins.
func EncodeAll(ins []Instruction) []byte {
	var b bytes.Buffer
	for _, i := range ins {
		i.writeTo(&b)
	}
	return b.Bytes()
}

func elementString(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case bool:
		return strconv.FormatBool(v)
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprint(v)
}
