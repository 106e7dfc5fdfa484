// tc major:minor handle, a-la tc get_tc_classid/print_tc_classid

package qdisc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// maj:min split:
	QDISC_MAJ_NUM_BITS = 16
	QDISC_MIN_NUM_BITS = 32 - QDISC_MAJ_NUM_BITS
	QDISC_MIN_MASK     = (1 << QDISC_MIN_NUM_BITS) - 1

	// Kernel special values:
	TC_H_UNSPEC = 0
	TC_H_ROOT   = 0xffffffff

	TC_HANDLE_NONE_STR = "none"
	TC_HANDLE_ROOT_STR = "root"
)

var ErrInvalidHandle = errors.New("invalid handle")

// TcHandle is either none (the zero value) or a valid (major, minor) pair.
type TcHandle struct {
	handle uint32
	valid  bool
}

var (
	TcHandleNone = TcHandle{}
	TcHandleRoot = TcHandle{TC_H_ROOT, true}
)

func NewTcHandle(major, minor uint16) TcHandle {
	return TcHandle{uint32(major)<<QDISC_MIN_NUM_BITS | uint32(minor), true}
}

// Build from the kernel (netlink) representation; TC_H_UNSPEC maps to none.
// The kernel has no distinct value for a valid 0:0, which shares TC_H_UNSPEC
// w/ none, so 0:0 does not survive the Uint32() -> TcHandleFromUint32() round
// trip; any other handle does.
func TcHandleFromUint32(handle uint32) TcHandle {
	if handle == TC_H_UNSPEC {
		return TcHandleNone
	}
	return TcHandle{handle, true}
}

func ParseTcHandle(s string) (TcHandle, error) {
	switch s {
	case TC_HANDLE_NONE_STR:
		return TcHandleNone, nil
	case TC_HANDLE_ROOT_STR:
		return TcHandleRoot, nil
	case "":
		return TcHandleNone, fmt.Errorf("%w: empty string", ErrInvalidHandle)
	}

	i := strings.IndexByte(s, ':')
	if i < 0 {
		// The whole value is the 32 bit handle:
		h, err := strconv.ParseUint(s, 16, 32)
		if err != nil {
			return TcHandleNone, fmt.Errorf("%w: %q", ErrInvalidHandle, s)
		}
		return TcHandle{uint32(h), true}, nil
	}

	var major, minor uint64
	var err error
	if majStr := s[:i]; majStr != "" {
		major, err = strconv.ParseUint(majStr, 16, 16)
		if err != nil {
			return TcHandleNone, fmt.Errorf("%w: %q: major", ErrInvalidHandle, s)
		}
	}
	if minStr := s[i+1:]; minStr != "" {
		minor, err = strconv.ParseUint(minStr, 16, 16)
		if err != nil {
			return TcHandleNone, fmt.Errorf("%w: %q: minor", ErrInvalidHandle, s)
		}
	}
	return NewTcHandle(uint16(major), uint16(minor)), nil
}

func (h TcHandle) IsNone() bool {
	return !h.valid
}

func (h TcHandle) IsRoot() bool {
	return h == TcHandleRoot
}

func (h TcHandle) Major() uint16 {
	return uint16(h.handle >> QDISC_MIN_NUM_BITS)
}

func (h TcHandle) Minor() uint16 {
	return uint16(h.handle & QDISC_MIN_MASK)
}

// The kernel representation, none and 0:0 are both TC_H_UNSPEC:
func (h TcHandle) Uint32() uint32 {
	if !h.valid {
		return TC_H_UNSPEC
	}
	return h.handle
}

func (h TcHandle) String() string {
	if !h.valid {
		return TC_HANDLE_NONE_STR
	}
	return fmt.Sprintf("%x:%x", h.Major(), h.Minor())
}

// encoding.TextMarshaler, used by JSON and YAML:
func (h TcHandle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *TcHandle) UnmarshalText(text []byte) error {
	parsed, err := ParseTcHandle(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
