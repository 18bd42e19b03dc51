package packet

import (
	"testing"
	"time"

	"github.com/crfs/ncplib/errors"
	"github.com/crfs/ncplib/values"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ts := time.Unix(1609459200, 500000000).UTC()
	info := [4]byte{'I', 'N', 'F', 'O'}
	fields := []Field{
		{Name: "FIEL", ID: 20, Params: []Param{
			{Name: "PARA", Value: int32(42)},
			{Name: "PARB", Value: "hello"},
			{Name: "PARC", Value: values.ArrayU32{1, 2, 3}},
		}},
	}

	buf, err := Encode("PACK", 10, ts, info, fields)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, warnings, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
	if got.Type != "PACK" || got.ID != 10 || got.Info != info {
		t.Errorf("header mismatch: %+v", got)
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("timestamp mismatch: got %v, want %v", got.Timestamp, ts)
	}
	if len(got.Fields) != 1 || got.Fields[0].Name != "FIEL" || got.Fields[0].ID != 20 {
		t.Fatalf("field mismatch: %+v", got.Fields)
	}
	v, ok := got.Fields[0].Get("PARA")
	if !ok || v.(int32) != 42 {
		t.Errorf("PARA mismatch: %v", v)
	}
	v, ok = got.Fields[0].Get("PARB")
	if !ok || v.(string) != "hello" {
		t.Errorf("PARB mismatch: %v", v)
	}
}

// realPacketHELO is the REAL_PACKET fixture from the original_source test
// suite: a captured LINK packet carrying a single HELO field.
var realPacketHELO = []byte("\xdd\xcc\xbb\xaaLINK'\x00\x00\x00\x01\x00\x00\x00\x01\x00\x00\x00s\xe9\x8eT(\x05\x1b&4I\xb4\x81HELO\x1d" +
	"\x00\x00\x00\x00\x00\x00\x00NCPV\x0f\x00\x00\x02Beta B01.025:Nov  7 2012, 11:27:52 __TESTING_ONLY__\x00" +
	"SEID\x04\x00\x00\x02monitor\x00MACA\x07\x00\x00\x0200:24:81:b4:49:34\x00\x00\x00\x00\x00\x00\x00\xaa\xbb" +
	"\xcc\xdd")

func TestDecodeKnownVectorHELO(t *testing.T) {
	p, warnings, err := Decode(realPacketHELO)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
	if p.Type != "LINK" || p.ID != 1 {
		t.Fatalf("header mismatch: type=%q id=%d", p.Type, p.ID)
	}
	if len(p.Fields) != 1 {
		t.Fatalf("expected 1 field, got %d", len(p.Fields))
	}
	f := p.Fields[0]
	if f.Name != "HELO" || f.ID != 0 {
		t.Fatalf("field mismatch: %+v", f)
	}
	want := map[string]string{
		"NCPV": "Beta B01.025:Nov  7 2012, 11:27:52 __TESTING_ONLY__",
		"SEID": "monitor",
		"MACA": "00:24:81:b4:49:34",
	}
	for name, expect := range want {
		v, ok := f.Get(name)
		if !ok {
			t.Errorf("missing param %s", name)
			continue
		}
		if v.(string) != expect {
			t.Errorf("param %s: got %q, want %q", name, v, expect)
		}
	}
}

// realPacketEmbeddedFooterBug is REAL_PACKET_EMBEDDED_FOOTER_BUG: a captured
// STAT packet containing the spurious zero-checksum + footer-magic sequence
// mid-body that decodeParams must skip as a recoverable warning.
var realPacketEmbeddedFooterBug = []byte("\xdd\xcc\xbb\xaaSTAT[\x00\x00\x00\n\x00\x00\x00\x01\x00\x00\x00\xb5_\xe4U\x10\xd9A\x0c\t\x07\x00\x89" +
	"STAT*\x00\x00\x00\x01\x00\x00\x00OCON\x03\x00\x00\x00\x03\x00\x00\x00CADD\x0b\x00\x00\x02127.0.0.1," +
	"127.0.0.1,192.168.1.28\x00\x00\x00\x00CIDS\x0c\x00\x00\x02rfeye000709,rfeye000709,python3-ncplib\x00" +
	"IRGPS\x08\x00\x00\x02no GPS,no GPS,no GPS\x00\"maELOC\x03\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00" +
	"\xaa\xbb\xcc\xddSGPS'\x00\x00\x00\x01\x00\x00\x00LATI\x03\x00\x00\x00\x00\xf5\x0c\x03LONG\x03\x00" +
	"\x00\x00`y\xfe\xffSTAT\x03\x00\x00\x00\x01\x00\x00\x00GFIX\x03\x00\x00\x00\x01\x00\x00\x00SATS\x03" +
	"\x00\x00\x00\t\x00\x00\x00SPEE\x03\x00\x00\x00\x94O\x00\x00HEAD\x03\x00\x00\x00\xa0\x10\x00\x00ALTI" +
	"\x03\x00\x00\x00(#\x00\x00UTIM\x03\x00\x00\x00\xb4_\xe4UTSTR\t\x00\x00\x02Mon Aug 31 14:07:48 2015" +
	"\x00on\"\x00\x00\x00\x00\xaa\xbb\xcc\xdd")

func TestDecodeEmbeddedFooterQuirk(t *testing.T) {
	p, warnings, err := Decode(realPacketEmbeddedFooterBug)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	var sawQuirk bool
	for _, w := range warnings {
		if w.Kind == WarningEmbeddedFooter {
			sawQuirk = true
		}
	}
	if !sawQuirk {
		t.Errorf("expected a WarningEmbeddedFooter, got %v", warnings)
	}
	if len(p.Fields) == 0 {
		t.Fatalf("expected at least one decoded field")
	}
	if p.Type != "STAT" || p.Fields[0].Name != "STAT" {
		t.Errorf("unexpected packet/field shape: type=%q field=%q", p.Type, p.Fields[0].Name)
	}
}

func TestDecodeInvalidHeaderMagic(t *testing.T) {
	buf := append([]byte{}, realPacketHELO...)
	buf[0] = 0x00
	_, _, err := Decode(buf)
	if err == nil {
		t.Fatal("expected an error for corrupt header magic")
	}
	if _, ok := err.(*errors.DecodeError); !ok {
		t.Errorf("expected *errors.DecodeError, got %T", err)
	}
}

func TestDecodeInvalidFooterMagic(t *testing.T) {
	buf := append([]byte{}, realPacketHELO...)
	buf[len(buf)-1] = 0x00
	_, _, err := Decode(buf)
	if err == nil {
		t.Fatal("expected an error for corrupt footer magic")
	}
}

func TestDecodeUnsupportedFormatVersion(t *testing.T) {
	buf := append([]byte{}, realPacketHELO...)
	buf[16] = 0x02 // format version, normally 1
	_, _, err := Decode(buf)
	if err == nil {
		t.Fatal("expected an error for an unsupported format version")
	}
}

func TestDecodeFieldOverflow(t *testing.T) {
	h, err := DecodeHeader(realPacketHELO[:headerSize])
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}
	body := append([]byte{}, realPacketHELO[headerSize:]...)
	// Declare the HELO field larger than the body can hold.
	body[4] = 0xff
	_, _, err = h.Continue(body)
	if err == nil {
		t.Fatal("expected an overflow error")
	}
}

func TestDecodeHeaderWrongLength(t *testing.T) {
	_, err := DecodeHeader(realPacketHELO[:headerSize-1])
	if err == nil {
		t.Fatal("expected an error for a short header")
	}
}
