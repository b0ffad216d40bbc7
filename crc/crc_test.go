/*
 * ppmprog - CRC primitive tests.
 */

package crc_test

import (
	"testing"

	"github.com/ppmprog/ppmprog/crc"
)

func TestPageChecksum(t *testing.T) {
	tests := []struct {
		name string
		in   []uint16
		want uint8
	}{
		{"empty", nil, 0},
		{"single word", []uint16{0x0102}, 0x03},
		{"wraps", []uint16{0xFFFF, 0x0001}, 0xFF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := crc.PageChecksum(tt.in); got != tt.want {
				t.Errorf("PageChecksum(%v) = %#x, want %#x", tt.in, got, tt.want)
			}
		})
	}
}

func TestCRC16Deterministic(t *testing.T) {
	data := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	a := crc.CRC16(data, 0x1D0F)
	b := crc.CRC16(data, 0x1D0F)
	if a != b {
		t.Fatalf("CRC16 not deterministic: %#x != %#x", a, b)
	}
	if other := crc.CRC16(data, 0x0000); other == a {
		t.Fatalf("different seeds should usually differ, got same result %#x", a)
	}
}

func TestCRC16WordsMatchesByteExpansion(t *testing.T) {
	words := []uint16{0x1234, 0x5678}
	bytes := []byte{0x34, 0x12, 0x78, 0x56}
	if got, want := crc.CRC16Words(words, 0x1D0F), crc.CRC16(bytes, 0x1D0F); got != want {
		t.Fatalf("CRC16Words = %#x, want %#x", got, want)
	}
}

func TestCRC24FamiliesDiffer(t *testing.T) {
	words := []uint16{0x0001, 0x0002, 0x0003}
	a := crc.CRC24(crc.FamilyAmalthea, words, 1)
	x := crc.CRC24(crc.FamilyGanymedeXFE, words, 1)
	k := crc.CRC24(crc.FamilyGanymedeKF, words, 1)
	if a == x || a == k || x == k {
		t.Fatalf("expected distinct per-family CRCs, got %#x %#x %#x", a, x, k)
	}
	if a&^0xFFFFFF != 0 {
		t.Fatalf("CRC24 result must fit 24 bits, got %#x", a)
	}
}

func TestCRC24Deterministic(t *testing.T) {
	words := []uint16{0xAAAA, 0xBBBB}
	a := crc.CRC24(crc.FamilyAmalthea, words, 1)
	b := crc.CRC24(crc.FamilyAmalthea, words, 1)
	if a != b {
		t.Fatalf("CRC24 not deterministic: %#x != %#x", a, b)
	}
}
