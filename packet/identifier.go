package packet

import "fmt"

// cellSize is the fixed width of an encoded Identifier on the wire.
const cellSize = 4

// encodeIdentifier right-pads name with NUL bytes into a fixed 4-byte cell.
// name must be 1-4 bytes long, otherwise an error is returned; the bytes
// themselves are not checked to be ASCII.
func encodeIdentifier(name string) ([cellSize]byte, error) {
	var cell [cellSize]byte
	if len(name) == 0 || len(name) > cellSize {
		return cell, fmt.Errorf("packet: identifier %q must be 1-4 bytes", name)
	}
	copy(cell[:], name)
	return cell, nil
}

// decodeIdentifier strips trailing NUL or space padding. Some peers pad
// with spaces instead of NULs; tolerate both on decode even though this
// implementation only ever encodes with NUL padding.
func decodeIdentifier(cell []byte) string {
	end := len(cell)
	for end > 0 && (cell[end-1] == 0x00 || cell[end-1] == 0x20) {
		end--
	}
	return string(cell[:end])
}
