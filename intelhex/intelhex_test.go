/*
 * ppmprog - Intel-HEX parser tests.
 */

package intelhex_test

import (
	"strings"
	"testing"

	"github.com/ppmprog/ppmprog/intelhex"
)

const sample = ":04000000AABBCCDDEE\n" +
	":020010001122BB\n" +
	":00000001FF\n"

func TestParseDataRecords(t *testing.T) {
	img, err := intelhex.Parse(strings.NewReader(sample), 0xFF)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if got, want := img.MinAddress(), uint32(0x0000); got != want {
		t.Errorf("MinAddress() = %#x, want %#x", got, want)
	}
	if got, want := img.MaxAddress(), uint32(0x0011); got != want {
		t.Errorf("MaxAddress() = %#x, want %#x", got, want)
	}

	filled := img.GetFilled(0x0000, 0x14)
	want := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	for i, b := range want {
		if filled[i] != b {
			t.Errorf("filled[%d] = %#x, want %#x", i, filled[i], b)
		}
	}
	// gap between 0x04 and 0x10 should be filled with the blank byte
	for i := 0x04; i < 0x10; i++ {
		if filled[i] != 0xFF {
			t.Errorf("filled[%#x] = %#x, want blank 0xFF", i, filled[i])
		}
	}
	if filled[0x10] != 0x11 || filled[0x11] != 0x22 {
		t.Errorf("filled[0x10:0x12] = %v, want [0x11 0x22]", filled[0x10:0x12])
	}
}

func TestCountInRange(t *testing.T) {
	img, err := intelhex.Parse(strings.NewReader(sample), 0xFF)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got, want := img.CountInRange(0x0000, 0x14), 6; got != want {
		t.Errorf("CountInRange = %d, want %d", got, want)
	}
	if got, want := img.CountInRange(0x0004, 0x0c), 0; got != want {
		t.Errorf("CountInRange over the gap = %d, want %d", got, want)
	}
}

func TestParseRejectsBadChecksum(t *testing.T) {
	bad := ":04000000AABBCCDD00\n:00000001FF\n"
	if _, err := intelhex.Parse(strings.NewReader(bad), 0xFF); err == nil {
		t.Fatal("expected checksum error")
	}
}

func TestParseRejectsMissingEOF(t *testing.T) {
	noEOF := ":04000000AABBCCDDEE\n"
	if _, err := intelhex.Parse(strings.NewReader(noEOF), 0xFF); err == nil {
		t.Fatal("expected missing EOF error")
	}
}

func TestParseExtendedLinearAddress(t *testing.T) {
	ext := ":020000040001F9\n" +
		":02000000AABB99\n" +
		":00000001FF\n"
	img, err := intelhex.Parse(strings.NewReader(ext), 0xFF)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got, want := img.MinAddress(), uint32(0x00010000); got != want {
		t.Errorf("MinAddress() = %#x, want %#x", got, want)
	}
}

func TestEmptyImage(t *testing.T) {
	img := intelhex.NewImage(0xFF)
	if !img.Empty() {
		t.Fatal("new image should be empty")
	}
}
