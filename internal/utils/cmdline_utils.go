// Command line parsing utilities.

package utils

import (
	"bytes"
	"flag"
	"strconv"
	"strings"
	"time"
)

const (
	// The help usage message line wraparound default width:
	FLAG_USAGE_WIDTH_DEFAULT = 58
)

// Flags that record whether they were used on the command line; they override
// a config file setting *only* if they were used. The FS variants register
// the flag w/ a given flag set, the others w/ flag.CommandLine.

type BoolFlagCheckUsed struct {
	Used bool
	// Defaults to true if no value was set on the command line, i.e. --flag:
	Value bool
}

func (bfcu *BoolFlagCheckUsed) set(s string) error {
	val := true
	if s != "" {
		var err error
		if val, err = strconv.ParseBool(s); err != nil {
			return err
		}
	}
	bfcu.Used, bfcu.Value = true, val
	return nil
}

func NewBoolFlagCheckUsedFS(fs *flag.FlagSet, name, usage string) *BoolFlagCheckUsed {
	bfcu := &BoolFlagCheckUsed{}
	fs.BoolFunc(name, FormatFlagUsage(usage), bfcu.set)
	return bfcu
}

func NewBoolFlagCheckUsed(name, usage string) *BoolFlagCheckUsed {
	return NewBoolFlagCheckUsedFS(flag.CommandLine, name, usage)
}

type StringFlagCheckUsed struct {
	Used bool
	// Populated w/ the default:
	Value string
}

func (sfcu *StringFlagCheckUsed) set(s string) error {
	sfcu.Used, sfcu.Value = true, s
	return nil
}

func NewStringFlagCheckUsedFS(fs *flag.FlagSet, name, value, usage string) *StringFlagCheckUsed {
	sfcu := &StringFlagCheckUsed{Value: value}
	fs.Func(name, FormatFlagUsage(usage), sfcu.set)
	return sfcu
}

func NewStringFlagCheckUsed(name, value, usage string) *StringFlagCheckUsed {
	return NewStringFlagCheckUsedFS(flag.CommandLine, name, value, usage)
}

type DurationFlagCheckUsed struct {
	Used  bool
	Value time.Duration
}

func (dfcu *DurationFlagCheckUsed) set(s string) error {
	val, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	dfcu.Used, dfcu.Value = true, val
	return nil
}

func NewDurationFlagCheckUsedFS(fs *flag.FlagSet, name string, value time.Duration, usage string) *DurationFlagCheckUsed {
	dfcu := &DurationFlagCheckUsed{Value: value}
	fs.Func(name, FormatFlagUsage(usage), dfcu.set)
	return dfcu
}

func NewDurationFlagCheckUsed(name string, value time.Duration, usage string) *DurationFlagCheckUsed {
	return NewDurationFlagCheckUsedFS(flag.CommandLine, name, value, usage)
}

// Wrap the usage message around a given width, for the help message. The
// original line breaks and leading white spaces are discarded, e.g.:
//
//	var flagArg = flag.String(
//		name,
//		value,
//		FormatFlagUsageWidth(`
//		This usage message will be reformatted to the given width, discarding
//		the current line breaks and line prefixing spaces.
//		`, 40),
//	)
func FormatFlagUsageWidth(usage string, width int) string {
	buf := &bytes.Buffer{}
	lineLen := 0
	for i, word := range strings.Fields(usage) {
		if i > 0 {
			if lineLen+len(word)+1 > width {
				buf.WriteByte('\n')
				lineLen = 0
			} else {
				buf.WriteByte(' ')
				lineLen++
			}
		}
		buf.WriteString(word)
		lineLen += len(word)
	}
	return buf.String()
}

func FormatFlagUsage(usage string) string {
	return FormatFlagUsageWidth(usage, FLAG_USAGE_WIDTH_DEFAULT)
}
