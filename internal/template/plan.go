package template

import (
	"fmt"
	"math"
)

// Allocation is one template's slice of the shared remote pool.
type Allocation struct {
	BasePageOffset uint64
	PageCount      uint64
}

// Plan allocates pool pages for a template holding totalBytes of guest
// memory. The base is the explicit override when given, otherwise the
// cursor carried over from the previous template in the run.
func Plan(cursor uint64, override *uint64, totalBytes, pageSize uint64) (Allocation, error) {
	if totalBytes == 0 {
		return Allocation{}, fmt.Errorf("%w: template describes no memory", ErrConfiguration)
	}

	if totalBytes > math.MaxUint64-(pageSize-1) {
		return Allocation{}, fmt.Errorf("%w: total region size %d overflows page count", ErrConfiguration, totalBytes)
	}

	pageCount := (totalBytes + pageSize - 1) / pageSize

	base := cursor
	if override != nil {
		base = *override
	}

	if base > math.MaxUint64-pageCount {
		return Allocation{}, fmt.Errorf("%w: page offset %d with %d pages overflows the pool address space", ErrConfiguration, base, pageCount)
	}

	return Allocation{BasePageOffset: base, PageCount: pageCount}, nil
}

// End returns the first page offset past the allocation.
func (a Allocation) End() uint64 {
	return a.BasePageOffset + a.PageCount
}
