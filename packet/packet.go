// Package packet implements the NCP packet codec (C2): the byte-exact
// encoder/decoder for the header, fields, parameters, and footer described
// in spec.md §3 and §4.2, grounded on protocol/protocol.go's fixed-header
// length-framing shape in the teacher repo and on
// original_source/ncplib/encoding.py for the exact struct layout.
package packet

import (
	"time"

	"github.com/crfs/ncplib/errors"
)

const (
	headerSize = 32 // spec.md §3's wire table
	fieldHeaderSize = 12
	paramHeaderSize = 8
	footerSize      = 8

	formatVersion uint32 = 1
)

var (
	headerMagic = [4]byte{0xDD, 0xCC, 0xBB, 0xAA}
	footerMagic = [4]byte{0xAA, 0xBB, 0xCC, 0xDD}
)

// embeddedFooterQuirk is the spurious mid-body byte pattern some remote
// implementations emit (§4.2's "known benign quirk"): a zero checksum
// immediately followed by the footer magic, appearing where a parameter
// header was expected.
var embeddedFooterQuirk = append([]byte{0x00, 0x00, 0x00, 0x00}, footerMagic[:]...)

// Param is a single (name, value) pair. Value holds one of the Go types
// values.Encode accepts, or a decoded values.UnknownType.
type Param struct {
	Name  string
	Value any
}

// Field is a named, id-tagged bundle of parameters (spec.md §3).
type Field struct {
	Name   string
	ID     uint32
	Params []Param
}

// Get returns the value of the named parameter and whether it was present.
func (f *Field) Get(name string) (any, bool) {
	for _, p := range f.Params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return nil, false
}

// Packet is the full framed unit of transmission (spec.md §3).
type Packet struct {
	Type      string
	ID        uint32
	Timestamp time.Time
	Info      [4]byte
	Fields    []Field
}

// Warning is a recoverable decode condition: an unknown type code or the
// embedded-footer quirk. It is never fatal to the packet being decoded.
// It aliases errors.DecodeWarning so callers can treat it uniformly with
// the rest of the error taxonomy (C7) without an extra conversion step.
type Warning = errors.DecodeWarning

const (
	WarningUnknownType    = errors.WarningUnknownType
	WarningEmbeddedFooter = errors.WarningEmbeddedFooter
)

func newDecodeError(format string, args ...any) *errors.DecodeError {
	return errors.NewDecodeError(format, args...)
}
