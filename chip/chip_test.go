/*
 * ppmprog - Chip catalogue tests.
 */

package chip_test

import (
	"testing"

	"github.com/ppmprog/ppmprog/chip"
	"github.com/ppmprog/ppmprog/crc"
)

func TestDefaultCatalogueDecodes(t *testing.T) {
	cat, err := chip.Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}

	d, ok := cat.Lookup(0x1234)
	if !ok {
		t.Fatal("expected project 0x1234 in default catalogue")
	}
	if d.Family != crc.FamilyAmalthea {
		t.Errorf("Family = %v, want FamilyAmalthea", d.Family)
	}
	if d.Flash.Page != 0x80 {
		t.Errorf("Flash.Page = %#x, want 0x80", d.Flash.Page)
	}
	if !d.Loader.HasProgKeys() {
		t.Error("expected project 0x1234 to carry prog keys")
	}
	if !d.Loader.FlashCsProgrammingSession {
		t.Error("expected project 0x1234 to support flash-cs programming")
	}
}

func TestLookupMissingProjectID(t *testing.T) {
	cat, err := chip.Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if _, ok := cat.Lookup(0xFFFF); ok {
		t.Fatal("expected lookup of unknown project id to fail")
	}
}

func TestLoadRejectsUnknownCRCFamily(t *testing.T) {
	doc := []byte(`
chips:
  - project_id: 0x1
    crc_family: bogus-family
`)
	if _, err := chip.Load(doc); err == nil {
		t.Fatal("expected error decoding unknown crc_family")
	}
}

func TestMapCatalogueImplementsCatalogue(t *testing.T) {
	var _ chip.Catalogue = chip.MapCatalogue{}
}
