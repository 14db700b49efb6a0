// Package snapshot loads the guest memory layout of a microVM
// snapshot/memfile pair. The snapshot metadata is consumed as an ordered list
// of guest regions; the memory file is the concatenated content of those
// regions in the same order.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
)

// Region describes one guest memory region as recorded at capture time.
type Region struct {
	GPA  uint64 `json:"gpa"`
	HVA  uint64 `json:"hva"`
	Size uint64 `json:"size"`
}

// Layout is the validated region list for one snapshot together with the
// declared memory file size.
type Layout struct {
	Regions   []Region
	TotalSize uint64
}

// FileOffset returns the byte offset of region i within the memory file,
// which is the cumulative size of all preceding regions.
func (l Layout) FileOffset(i int) uint64 {
	var offset uint64
	for _, r := range l.Regions[:i] {
		offset += r.Size
	}

	return offset
}

// Load reads the region list from the snapshot metadata and validates it
// against the memory file.
func Load(snapshotPath, memfilePath string, pageSize uint64) (Layout, error) {
	data, err := os.ReadFile(snapshotPath)
	if err != nil {
		return Layout{}, fmt.Errorf("failed to read snapshot metadata: %w", err)
	}

	var regions []Region
	if err := json.Unmarshal(data, &regions); err != nil {
		return Layout{}, fmt.Errorf("failed to parse snapshot region list: %w", err)
	}

	info, err := os.Stat(memfilePath)
	if err != nil {
		return Layout{}, fmt.Errorf("failed to stat memory file: %w", err)
	}

	layout := Layout{Regions: regions, TotalSize: uint64(info.Size())}
	if err := layout.validate(pageSize); err != nil {
		return Layout{}, err
	}

	return layout, nil
}

func (l Layout) validate(pageSize uint64) error {
	if len(l.Regions) == 0 {
		return fmt.Errorf("snapshot describes no memory regions")
	}

	var total uint64
	for i, r := range l.Regions {
		if r.Size == 0 {
			return fmt.Errorf("region %d (gpa 0x%x) has zero size", i, r.GPA)
		}

		if r.Size%pageSize != 0 {
			return fmt.Errorf("region %d size 0x%x is not page aligned (page size %d)", i, r.Size, pageSize)
		}

		if r.GPA+r.Size < r.GPA {
			return fmt.Errorf("region %d (gpa 0x%x, size 0x%x) wraps the guest address space", i, r.GPA, r.Size)
		}

		if r.HVA+r.Size < r.HVA {
			return fmt.Errorf("region %d (hva 0x%x, size 0x%x) wraps the host address space", i, r.HVA, r.Size)
		}

		total += r.Size
	}

	for i, a := range l.Regions {
		for _, b := range l.Regions[i+1:] {
			if a.GPA < b.GPA+b.Size && b.GPA < a.GPA+a.Size {
				return fmt.Errorf("regions at gpa 0x%x and 0x%x overlap in guest physical space", a.GPA, b.GPA)
			}

			if a.HVA < b.HVA+b.Size && b.HVA < a.HVA+a.Size {
				return fmt.Errorf("regions at hva 0x%x and 0x%x overlap in host virtual space", a.HVA, b.HVA)
			}
		}
	}

	if total != l.TotalSize {
		return fmt.Errorf("region sizes sum to %d bytes but memory file is %d bytes", total, l.TotalSize)
	}

	return nil
}
