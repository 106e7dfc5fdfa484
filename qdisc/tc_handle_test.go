package qdisc

import (
	"errors"
	"fmt"
	"testing"
)

type TcHandleParseTestCase struct {
	s          string
	wantHandle TcHandle
	wantString string
	wantErr    bool
}

func testTcHandleParse(tc *TcHandleParseTestCase, t *testing.T) {
	gotHandle, err := ParseTcHandle(tc.s)
	if tc.wantErr {
		if err == nil {
			t.Fatalf("ParseTcHandle(%q): want error, got %v", tc.s, gotHandle)
		}
		if !errors.Is(err, ErrInvalidHandle) {
			t.Fatalf("ParseTcHandle(%q): want ErrInvalidHandle, got %v", tc.s, err)
		}
		return
	}
	if err != nil {
		t.Fatal(err)
	}
	if tc.wantHandle != gotHandle {
		t.Fatalf("ParseTcHandle(%q): want: %#v, got: %#v", tc.s, tc.wantHandle, gotHandle)
	}
	if gotString := gotHandle.String(); tc.wantString != gotString {
		t.Fatalf("String(): want: %q, got: %q", tc.wantString, gotString)
	}
}

func TestTcHandleParse(t *testing.T) {
	for _, tc := range []*TcHandleParseTestCase{
		{s: "none", wantHandle: TcHandleNone, wantString: "none"},
		{s: "root", wantHandle: TcHandleRoot, wantString: "ffff:ffff"},
		{s: "7fff:a", wantHandle: NewTcHandle(0x7fff, 0xa), wantString: "7fff:a"},
		{s: "1:", wantHandle: NewTcHandle(1, 0), wantString: "1:0"},
		{s: ":3", wantHandle: NewTcHandle(0, 3), wantString: "0:3"},
		{s: "0:", wantHandle: NewTcHandle(0, 0), wantString: "0:0"},
		{s: "FFFF:FFFE", wantHandle: NewTcHandle(0xffff, 0xfffe), wantString: "ffff:fffe"},
		{s: "10002", wantHandle: NewTcHandle(1, 2), wantString: "1:2"},
		{s: "", wantErr: true},
		{s: "bogus", wantErr: true},
		{s: "1:2:3", wantErr: true},
		{s: "10000:1", wantErr: true},
		{s: "1:10000", wantErr: true},
		{s: "x:1", wantErr: true},
		{s: "-1:1", wantErr: true},
	} {
		t.Run(
			fmt.Sprintf("s=%q", tc.s),
			func(t *testing.T) { testTcHandleParse(tc, t) },
		)
	}
}

func TestTcHandleNone(t *testing.T) {
	var h TcHandle
	if !h.IsNone() {
		t.Fatalf("zero value: want none, got %s", h)
	}
	if h.Uint32() != TC_H_UNSPEC {
		t.Fatalf("Uint32(): want: %d, got: %d", TC_H_UNSPEC, h.Uint32())
	}
	if TcHandleFromUint32(TC_H_UNSPEC) != TcHandleNone {
		t.Fatal("TcHandleFromUint32(TC_H_UNSPEC) != TcHandleNone")
	}
	// A valid 0:0 is distinct from none:
	if NewTcHandle(0, 0) == TcHandleNone {
		t.Fatal("NewTcHandle(0, 0) == TcHandleNone")
	}
}

func TestTcHandleKernelRoundTrip(t *testing.T) {
	for _, s := range []string{"1:", "1:2", "8001:0", ":3", "ffff:ffff", "root"} {
		h, err := ParseTcHandle(s)
		if err != nil {
			t.Fatalf("%q: %v", s, err)
		}
		if got := TcHandleFromUint32(h.Uint32()); got != h {
			t.Fatalf("%q: round trip: want: %s, got: %s", s, h, got)
		}
	}

	// 0:0 shares the kernel representation w/ none:
	h, err := ParseTcHandle("0:")
	if err != nil {
		t.Fatal(err)
	}
	if h.IsNone() || h.Uint32() != TC_H_UNSPEC {
		t.Fatalf("0: want valid w/ Uint32() = TC_H_UNSPEC, got: %s, %d", h, h.Uint32())
	}
	if got := TcHandleFromUint32(h.Uint32()); got != TcHandleNone {
		t.Fatalf("0: round trip: want: none, got: %s", got)
	}
}

func TestTcHandleComponents(t *testing.T) {
	h := TcHandleFromUint32(0x7fff000a)
	if h.Major() != 0x7fff || h.Minor() != 0xa {
		t.Fatalf("want: 7fff:a, got: %x:%x", h.Major(), h.Minor())
	}
	if !TcHandleFromUint32(TC_H_ROOT).IsRoot() {
		t.Fatal("TcHandleFromUint32(TC_H_ROOT) not root")
	}
	if h.IsRoot() || h.IsNone() {
		t.Fatalf("%s: unexpected root or none", h)
	}
}

func TestTcHandleText(t *testing.T) {
	for _, want := range []TcHandle{TcHandleNone, NewTcHandle(1, 2), TcHandleRoot} {
		text, err := want.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var got TcHandle
		if err := got.UnmarshalText(text); err != nil {
			t.Fatal(err)
		}
		if want != got {
			t.Fatalf("%q: want: %#v, got: %#v", text, want, got)
		}
	}

	var h TcHandle
	if err := h.UnmarshalText([]byte("bad:handle")); err == nil {
		t.Fatal("want error")
	}
}
