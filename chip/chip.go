/*
 * ppmprog - Target chip catalogue.
 *
 * Copyright 2024, Richard Cornwell
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

// Package chip models the read-only target chip catalogue the
// programming orchestrator consults after Unlock returns a project
// ID: memory region layouts, timing constants, and which optional
// sessions a given chip's bootloader supports.
package chip

import (
	"embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/ppmprog/ppmprog/crc"
)

// Region describes one addressable, programmable memory region
// (flash, flash-CS, or non-volatile/EEPROM memory).
type Region struct {
	Start       uint32 `yaml:"start"`
	Length      uint32 `yaml:"length"`
	Writeable   uint32 `yaml:"writeable"`
	Page        uint32 `yaml:"page"`
	EraseUnit   uint32 `yaml:"erase_unit"`
	EraseTimeMs uint32 `yaml:"erase_time_ms"`
	WriteTimeMs uint32 `yaml:"write_time_ms"`
}

// Loader is the ppm_loader capability block: which optional sessions
// this chip's bootloader build actually supports.
type Loader struct {
	ProgKeys                  []uint16 `yaml:"prog_keys"`
	FlashCsProgrammingSession bool     `yaml:"flash_cs_programming_session"`
	EepromVerificationSession bool     `yaml:"eeprom_verification_session"`
}

// HasProgKeys reports whether this chip's loader carries a
// programming-keys keyset.
func (l *Loader) HasProgKeys() bool {
	return l != nil && len(l.ProgKeys) > 0
}

// Descriptor is a single catalogue entry: everything the orchestrator
// needs to know about one target chip once its project ID is known.
type Descriptor struct {
	ProjectID uint16      `yaml:"project_id"`
	Family    crc.Family  `yaml:"-"`
	FamilyTag string      `yaml:"crc_family"`
	Flash     Region      `yaml:"flash"`
	FlashCs   Region      `yaml:"flash_cs"`
	NvMemory  Region      `yaml:"nv_memory"`
	Loader    *Loader     `yaml:"ppm_loader"`
}

func familyFromTag(tag string) (crc.Family, error) {
	switch tag {
	case "amalthea":
		return crc.FamilyAmalthea, nil
	case "ganymede-xfe":
		return crc.FamilyGanymedeXFE, nil
	case "ganymede-kf":
		return crc.FamilyGanymedeKF, nil
	default:
		return crc.FamilyNone, fmt.Errorf("chip: unknown crc family %q", tag)
	}
}

// Catalogue is a read-only chip lookup keyed by project ID, the
// contract the orchestrator depends on. The default implementation
// decodes an embedded YAML document; tests supply their own in-memory
// implementation, the way the teacher's channel layer is driven by
// fake dev.Device implementations rather than concrete hardware.
type Catalogue interface {
	Lookup(projectID uint16) (*Descriptor, bool)
}

// MapCatalogue is a Catalogue backed by a plain map, used directly by
// tests and as the decoded form of the embedded default document.
type MapCatalogue map[uint16]*Descriptor

func (m MapCatalogue) Lookup(projectID uint16) (*Descriptor, bool) {
	d, ok := m[projectID]
	return d, ok
}

//go:embed data/catalogue.yaml
var defaultCatalogueDoc embed.FS

type document struct {
	Chips []*Descriptor `yaml:"chips"`
}

// Load decodes a catalogue document in the same shape as the embedded
// default, keyed by project_id.
func Load(data []byte) (MapCatalogue, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("chip: decode catalogue: %w", err)
	}

	out := make(MapCatalogue, len(doc.Chips))
	for _, d := range doc.Chips {
		if d.FamilyTag != "" {
			family, err := familyFromTag(d.FamilyTag)
			if err != nil {
				return nil, fmt.Errorf("chip: project %#x: %w", d.ProjectID, err)
			}
			d.Family = family
		}
		out[d.ProjectID] = d
	}
	return out, nil
}

// Default decodes the catalogue embedded into the binary at build
// time, mirroring the way the teacher's config package loads a
// plain-text configuration file at startup.
func Default() (MapCatalogue, error) {
	data, err := defaultCatalogueDoc.ReadFile("data/catalogue.yaml")
	if err != nil {
		return nil, fmt.Errorf("chip: read embedded catalogue: %w", err)
	}
	return Load(data)
}
