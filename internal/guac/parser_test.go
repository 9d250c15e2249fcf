package guac

import (
	"errors"
	"strings"
	"testing"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name   string
		opcode string
		args   []any
		want   string
	}{
		{"no args", "nop", nil, "3.nop;"},
		{"string arg", "test", []any{"hello"}, "4.test,5.hello;"},
		{"nil is empty", "size", []any{nil, 1024}, "4.size,0.,4.1024;"},
		{"internal opcode", "", []any{"ping"}, "0.,4.ping;"},
		{"separators in value", "x", []any{"a,b;c.d"}, "1.x,7.a,b;c.d;"},
		{"multibyte counts bytes", "key", []any{"é"}, "3.key,2.é;"},
		{"bool and int64", "y", []any{true, int64(-3)}, "1.y,4.true,2.-3;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(Encode(tt.opcode, tt.args...)); got != tt.want {
				t.Errorf("Encode = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParse_SingleInstruction(t *testing.T) {
	ins, rest, err := Parse([]byte("4.test,5.hello;"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rest) != 0 {
		t.Errorf("rest = %q, want empty", rest)
	}
	if len(ins) != 1 {
		t.Fatalf("got %d instructions, want 1", len(ins))
	}
	if ins[0].Opcode() != "test" || ins[0].NumArgs() != 1 || ins[0].Arg(0) != "hello" {
		t.Errorf("got %s, want test/[hello]", ins[0])
	}
}

func TestParse_RoundTrip(t *testing.T) {
	want := []Instruction{
		NewInstruction("select", "rdp"),
		NewInstruction("", "ping", "1700000000000"),
		NewInstruction("clipboard", "0", "text/plain"),
		NewInstruction("blob", "0", "a,b;c.d"),
		NewInstruction("name", "Ünïcødé 日本"),
		NewInstruction("nop"),
		NewInstruction("args", "", "", ""),
	}
	ins, rest, err := Parse(EncodeAll(want))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rest) != 0 {
		t.Errorf("rest = %q, want empty", rest)
	}
	if len(ins) != len(want) {
		t.Fatalf("got %d instructions, want %d", len(ins), len(want))
	}
	for n := range want {
		if !ins[n].Equal(want[n]) {
			t.Errorf("instruction %d = %s, want %s", n, ins[n], want[n])
		}
	}
}

func TestParse_IncompleteTailIsNotConsumed(t *testing.T) {
	ins, rest, err := Parse([]byte("3.nop;4.test,5.hel"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(ins) != 1 || ins[0].Opcode() != "nop" {
		t.Fatalf("got %v, want [nop]", ins)
	}
	if string(rest) != "4.test,5.hel" {
		t.Errorf("rest = %q", rest)
	}
}

func TestParser_BuffersAcrossFeeds(t *testing.T) {
	var p Parser
	stream := "4.test,5.hello;4.sync,13.1700000000000;"

	var got []Instruction
	for _, b := range []byte(stream) {
		ins, err := p.Feed([]byte{b})
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		got = append(got, ins...)
	}
	if len(got) != 2 {
		t.Fatalf("got %d instructions, want 2", len(got))
	}
	if got[1].Opcode() != "sync" || got[1].Arg(0) != "1700000000000" {
		t.Errorf("second = %s", got[1])
	}
	if p.Buffered() != 0 {
		t.Errorf("Buffered = %d, want 0", p.Buffered())
	}
}

func TestParser_SplitMultibyteElement(t *testing.T) {
	var p Parser
	enc := Encode("name", "日本")
	ins, err := p.Feed(enc[:len(enc)-3])
	if err != nil || len(ins) != 0 {
		t.Fatalf("first Feed = %v, %v; want nothing", ins, err)
	}
	ins, err = p.Feed(enc[len(enc)-3:])
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(ins) != 1 || ins[0].Arg(0) != "日本" {
		t.Errorf("got %v", ins)
	}
}

func TestParser_FramingErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"letter in length", "4.test,x.hello;"},
		{"missing length", ".test;"},
		{"bad terminator", "4.test:5.hello;"},
		{"length too long", "12345678901.x;"},
		{"length overruns", "2.abc;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Parser
			_, err := p.Feed([]byte(tt.input))
			var fe *FramingError
			if !errors.As(err, &fe) {
				t.Fatalf("Feed error = %v, want *FramingError", err)
			}
			if _, again := p.Feed([]byte("3.nop;")); again == nil {
				t.Error("parser accepted data after a framing error")
			}
		})
	}
}

func TestParser_FramingErrorOffset(t *testing.T) {
	var p Parser
	if _, err := p.Feed([]byte("3.nop;")); err != nil {
		t.Fatal(err)
	}
	_, err := p.Feed([]byte("4.test;x"))
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *FramingError", err)
	}
	if fe.Offset != 13 {
		t.Errorf("Offset = %d, want 13", fe.Offset)
	}
	if !strings.Contains(fe.Error(), "byte 13") {
		t.Errorf("Error() = %q", fe.Error())
	}
}

func TestParser_MaxInstructionSize(t *testing.T) {
	p := Parser{MaxInstructionSize: 16}
	_, err := p.Feed([]byte("4.blob,100." + strings.Repeat("a", 20)))
	var fe *FramingError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *FramingError", err)
	}
}

func TestInstruction_ArgsIsCopy(t *testing.T) {
	i := NewInstruction("x", "a")
	args := i.Args()
	args[0] = "b"
	if i.Arg(0) != "a" {
		t.Error("Args exposed internal slice")
	}
	if i.Arg(5) != "" || i.Arg(-1) != "" {
		t.Error("out of range Arg should be empty")
	}
}
