package packet

import (
	"encoding/binary"
	"time"

	"github.com/crfs/ncplib/values"
)

// Encode serializes a full packet into a single contiguous byte sequence.
//
// It makes a single O(n) pass without pre-computing sizes ahead of time
// (§4.2): each field and param is appended with a zeroed size cell, which
// is backfilled as soon as that span is complete, and the header's size
// word is filled in last. The checksum is always written as zero; the decoder
// ignores it (the slot is reserved for future use).
func Encode(packetType string, id uint32, timestamp time.Time, info [4]byte, fields []Field) ([]byte, error) {
	typeCell, err := encodeIdentifier(packetType)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, headerSize)
	copy(buf[0:4], headerMagic[:])
	copy(buf[4:8], typeCell[:])
	// buf[8:12] (size) backfilled below.
	binary.LittleEndian.PutUint32(buf[12:16], id)
	binary.LittleEndian.PutUint32(buf[16:20], formatVersion)
	sec, nsec := timestamp.Unix(), timestamp.Nanosecond()
	binary.LittleEndian.PutUint32(buf[20:24], uint32(sec))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(nsec))
	copy(buf[28:32], info[:])

	for _, field := range fields {
		fieldStart := len(buf)
		nameCell, err := encodeIdentifier(field.Name)
		if err != nil {
			return nil, err
		}
		buf = append(buf, nameCell[:]...)
		buf = append(buf, 0, 0, 0) // size placeholder (backfilled below)
		buf = append(buf, 0)       // reserved byte
		idBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(idBytes, field.ID)
		buf = append(buf, idBytes...)

		for _, param := range field.Params {
			paramStart := len(buf)
			paramNameCell, err := encodeIdentifier(param.Name)
			if err != nil {
				return nil, err
			}
			typeCode, encodedValue, err := values.Encode(param.Value)
			if err != nil {
				return nil, err
			}
			buf = append(buf, paramNameCell[:]...)
			buf = append(buf, 0, 0, 0) // size placeholder
			buf = append(buf, byte(typeCode))
			buf = append(buf, encodedValue...)

			paramSizeWords := uint32((len(buf) - paramStart) / 4)
			putU24(buf[paramStart+4:paramStart+7], paramSizeWords)
		}

		fieldSizeWords := uint32((len(buf) - fieldStart) / 4)
		putU24(buf[fieldStart+4:fieldStart+7], fieldSizeWords)
	}

	buf = append(buf, 0, 0, 0, 0) // checksum, unused
	buf = append(buf, footerMagic[:]...)

	totalWords := uint32(len(buf) / 4)
	binary.LittleEndian.PutUint32(buf[8:12], totalWords)

	return buf, nil
}

func putU24(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
}

func getU24(src []byte) uint32 {
	return uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16
}
