package heap

const (
	// HeapStart is the virtual address where the kernel heap begins.
	HeapStart = uintptr(0x444444440000)

	// HeapSize is the size of the kernel heap in bytes. The heap never grows
	// and also backs every Go runtime allocation, the largest of which is
	// the 32 MiB arena index reserved by the runtime at init.
	HeapSize = uintptr(64 * 1024 * 1024)
)

// blockSizes lists the size classes served by per-class free lists. Each block
// is aligned to its size so class sizes must be consecutive powers of two.
// The smallest class must fit a regionNode so idle blocks can be handed back
// to the fallback list.
var blockSizes = [...]uintptr{16, 32, 64, 128, 256, 512, 1024, 2048}
