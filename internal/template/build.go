package template

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/um-disco/faasnap-firecracker/internal/pseudomm"
	"github.com/um-disco/faasnap-firecracker/internal/snapshot"
)

// Descriptor is the persisted template artifact. The field names are a
// compatibility contract with the restore loader and must not change.
type Descriptor struct {
	PseudoMmID    int32              `json:"pseudo_mm_id"`
	HVABase       uint64             `json:"hva_base"`
	RDMABasePgoff uint64             `json:"rdma_base_pgoff"`
	RDMAImageSize uint64             `json:"rdma_image_size"`
	Regions       []DescriptorRegion `json:"regions"`
}

// DescriptorRegion describes one guest region inside the uploaded image.
// RDMAOffset is the region's byte offset within the image.
type DescriptorRegion struct {
	GPA        uint64 `json:"gpa"`
	HVA        uint64 `json:"hva"`
	Size       uint64 `json:"size"`
	RDMAOffset uint64 `json:"rdma_offset"`
}

// Build assembles the descriptor for one template. Per-region HVAs are
// derived from the reservation base, matching the address space the kernel
// module was programmed with.
func Build(reservation pseudomm.Reservation, alloc Allocation, layout snapshot.Layout, transferred uint64) Descriptor {
	regions := make([]DescriptorRegion, 0, len(layout.Regions))

	var imageOffset uint64
	for _, region := range layout.Regions {
		regions = append(regions, DescriptorRegion{
			GPA:        region.GPA,
			HVA:        reservation.Base + region.GPA,
			Size:       region.Size,
			RDMAOffset: imageOffset,
		})

		imageOffset += region.Size
	}

	return Descriptor{
		PseudoMmID:    reservation.ID,
		HVABase:       reservation.Base,
		RDMABasePgoff: alloc.BasePageOffset,
		RDMAImageSize: transferred,
		Regions:       regions,
	}
}

// Validate checks every descriptor invariant the restore loader depends on.
// A failure here means a logic bug upstream, so it is a consistency error.
func (d Descriptor) Validate(alloc Allocation, pageSize uint64) error {
	if len(d.Regions) == 0 {
		return fmt.Errorf("%w: descriptor has no regions", ErrConsistency)
	}

	var total uint64
	for i, region := range d.Regions {
		if region.RDMAOffset != total {
			return fmt.Errorf("%w: region %d has rdma_offset %d, want contiguous offset %d", ErrConsistency, i, region.RDMAOffset, total)
		}

		if region.HVA != d.HVABase+region.GPA {
			return fmt.Errorf("%w: region %d hva 0x%x does not match base 0x%x + gpa 0x%x", ErrConsistency, i, region.HVA, d.HVABase, region.GPA)
		}

		total += region.Size
	}

	if d.RDMAImageSize != total {
		return fmt.Errorf("%w: rdma_image_size %d does not match region total %d", ErrConsistency, d.RDMAImageSize, total)
	}

	poolBytes := alloc.PageCount * pageSize
	if poolBytes < d.RDMAImageSize || poolBytes-d.RDMAImageSize >= pageSize {
		return fmt.Errorf("%w: image size %d does not fit %d pool pages of %d bytes", ErrConsistency, d.RDMAImageSize, alloc.PageCount, pageSize)
	}

	if d.RDMABasePgoff != alloc.BasePageOffset {
		return fmt.Errorf("%w: rdma_base_pgoff %d does not match planned offset %d", ErrConsistency, d.RDMABasePgoff, alloc.BasePageOffset)
	}

	return nil
}

// WriteFile serializes the descriptor to path. The write goes through a
// temp file and rename so a failed job never leaves a partial descriptor.
func (d Descriptor) WriteFile(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize descriptor: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create descriptor temp file: %w", err)
	}

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to write descriptor: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to close descriptor temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to move descriptor to %s: %w", path, err)
	}

	return nil
}
