// Package pseudomm talks to the kernel-resident pseudo_mm paging module. A
// pseudo_mm instance is a process-independent address space description: the
// creator reserves one per template, registers the guest regions in it, and
// the restore side attaches it to a freshly started VM process.
package pseudomm

// DefaultBase is the host virtual base used when the caller does not request
// a specific address.
const DefaultBase uint64 = 0x7000_0000_0000

// Page table backing types understood by the kernel module.
const (
	DaxMem  uint32 = 0
	RdmaMem uint32 = 1
)

// Reservation identifies one reserved pseudo-mapping. ID is meaningful only
// to the kernel module and the restore-time binder.
type Reservation struct {
	ID   int32
	Base uint64
}

// Manager is the narrow surface the template creator needs from the kernel
// module.
type Manager interface {
	// Reserve creates a fresh pseudo_mm instance. A non-nil desiredBase is
	// honored exactly or the call fails; otherwise DefaultBase is assigned.
	Reserve(desiredBase *uint64) (Reservation, error)

	// AddMapping registers an anonymous fixed mapping [start, end) in the
	// instance's address space.
	AddMapping(id int32, start, end uint64) error

	// SetupPageTable points the instance's page tables for [start,
	// start+size) at the remote pool, starting at poolPageOffset.
	SetupPageTable(id int32, start, size, poolPageOffset uint64) error
}
