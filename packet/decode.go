package packet

import (
	"encoding/binary"
	"time"

	"github.com/crfs/ncplib/values"
)

// Header is the result of phase 1 of decoding: everything the 32-byte
// fixed header told us, plus a Continue function to finish the job once
// the caller has read exactly BodyLen more bytes. This split (spec.md
// §4.2, §4.9) lets a stream reader issue exactly two reads per packet
// without knowing the body length up front.
type Header struct {
	Type      string
	ID        uint32
	Timestamp time.Time
	Info      [4]byte

	// BodyLen is the number of bytes remaining after the header: the
	// caller must read exactly this many bytes before calling Continue.
	BodyLen int

	sizeWords uint32
}

// DecodeHeader validates the fixed 32-byte header (magic, format version)
// and returns the number of remaining body bytes to read plus a
// continuation to finish decoding once they're available.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) != headerSize {
		return nil, newDecodeError("header must be exactly %d bytes, got %d", headerSize, len(buf))
	}
	var magic [4]byte
	copy(magic[:], buf[0:4])
	if magic != headerMagic {
		return nil, newDecodeError("invalid header magic %x", magic)
	}
	packetType := decodeIdentifier(buf[4:8])
	sizeWords := binary.LittleEndian.Uint32(buf[8:12])
	id := binary.LittleEndian.Uint32(buf[12:16])
	format := binary.LittleEndian.Uint32(buf[16:20])
	if format != formatVersion {
		return nil, newDecodeError("unsupported format version %d", format)
	}
	sec := binary.LittleEndian.Uint32(buf[20:24])
	nsec := binary.LittleEndian.Uint32(buf[24:28])
	var info [4]byte
	copy(info[:], buf[28:32])

	totalSize := int(sizeWords) * 4
	bodyLen := totalSize - headerSize
	if bodyLen < footerSize {
		return nil, newDecodeError("packet size %d too small to hold a footer", totalSize)
	}

	return &Header{
		Type:      packetType,
		ID:        id,
		Timestamp: time.Unix(int64(sec), int64(nsec)).UTC(),
		Info:      info,
		BodyLen:   bodyLen,
		sizeWords: sizeWords,
	}, nil
}

// Continue finishes decoding given exactly h.BodyLen bytes following the
// header. It returns the decoded Packet plus any recoverable warnings
// encountered along the way (unknown type codes, the embedded-footer
// quirk); a non-nil error is always fatal to the packet.
func (h *Header) Continue(body []byte) (*Packet, []Warning, error) {
	if len(body) != h.BodyLen {
		return nil, nil, newDecodeError("expected %d body bytes, got %d", h.BodyLen, len(body))
	}
	fieldLimit := h.BodyLen - footerSize

	var footer [4]byte
	copy(footer[:], body[fieldLimit+4:fieldLimit+8])
	if footer != footerMagic {
		return nil, nil, newDecodeError("invalid footer magic %x", footer)
	}

	fields, warnings, err := decodeFields(body, fieldLimit)
	if err != nil {
		return nil, nil, err
	}

	return &Packet{
		Type:      h.Type,
		ID:        h.ID,
		Timestamp: h.Timestamp,
		Info:      h.Info,
		Fields:    fields,
	}, warnings, nil
}

func decodeFields(buf []byte, limit int) ([]Field, []Warning, error) {
	var fields []Field
	var warnings []Warning
	offset := 0
	for offset < limit {
		if offset+fieldHeaderSize > limit {
			return nil, nil, newDecodeError("field header overflow by %d bytes", offset+fieldHeaderSize-limit)
		}
		name := decodeIdentifier(buf[offset : offset+4])
		sizeWords := getU24(buf[offset+4 : offset+7])
		// buf[offset+7] is the reserved field type byte; ignored.
		id := binary.LittleEndian.Uint32(buf[offset+8 : offset+12])

		fieldSize := int(sizeWords) * 4
		if fieldSize < fieldHeaderSize {
			return nil, nil, newDecodeError("field %q declares size smaller than its own header", name)
		}
		paramLimit := offset + fieldSize
		if paramLimit > limit {
			return nil, nil, newDecodeError("field %q overflow by %d bytes", name, paramLimit-limit)
		}

		params, paramWarnings, err := decodeParams(buf, offset+fieldHeaderSize, paramLimit)
		if err != nil {
			return nil, nil, err
		}
		warnings = append(warnings, paramWarnings...)

		fields = append(fields, Field{Name: name, ID: id, Params: params})
		offset = paramLimit
	}
	if offset > limit {
		return nil, nil, newDecodeError("field overflow by %d bytes", offset-limit)
	}
	return fields, warnings, nil
}

func decodeParams(buf []byte, offset, limit int) ([]Param, []Warning, error) {
	var params []Param
	var warnings []Warning
	for offset < limit {
		// Known benign quirk (§4.2): some remote implementations splice a
		// spurious zero-checksum + footer-magic sequence mid-body. Skip it
		// and keep going instead of aborting the packet.
		if offset+8 <= limit && bytesEqual(buf[offset:offset+8], embeddedFooterQuirk) {
			warnings = append(warnings, Warning{Kind: WarningEmbeddedFooter})
			offset += 8
			continue
		}

		if offset+paramHeaderSize > limit {
			return nil, nil, newDecodeError("parameter header overflow by %d bytes", offset+paramHeaderSize-limit)
		}
		name := decodeIdentifier(buf[offset : offset+4])
		sizeWords := getU24(buf[offset+4 : offset+7])
		typeCode := values.Type(buf[offset+7])

		paramSize := int(sizeWords) * 4
		if paramSize < paramHeaderSize {
			return nil, nil, newDecodeError("parameter %q declares size smaller than its own header", name)
		}
		valueEnd := offset + paramSize
		if valueEnd > limit {
			return nil, nil, newDecodeError("parameter %q overflow by %d bytes", name, valueEnd-limit)
		}

		valueBytes := buf[offset+paramHeaderSize : valueEnd]
		value, known := values.Decode(typeCode, valueBytes)
		if !known {
			warnings = append(warnings, Warning{Kind: WarningUnknownType, Code: byte(typeCode)})
		}
		params = append(params, Param{Name: name, Value: value})
		offset = valueEnd
	}
	if offset > limit {
		return nil, nil, newDecodeError("parameter overflow by %d bytes", offset-limit)
	}
	return params, warnings, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Decode is a convenience wrapper around DecodeHeader+Continue for callers
// that already have the whole packet in memory (tests, the known-vector
// fixture in §8).
func Decode(buf []byte) (*Packet, []Warning, error) {
	if len(buf) < headerSize {
		return nil, nil, newDecodeError("buffer too short for a header: %d bytes", len(buf))
	}
	h, err := DecodeHeader(buf[:headerSize])
	if err != nil {
		return nil, nil, err
	}
	if len(buf) != headerSize+h.BodyLen {
		return nil, nil, newDecodeError("buffer length %d does not match header-declared size", len(buf))
	}
	return h.Continue(buf[headerSize:])
}
