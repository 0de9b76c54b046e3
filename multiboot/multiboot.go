// Package multiboot extracts the boot contract handed over by a multiboot2
// bootloader: the physical memory map and the kernel command line.
//
// SetInfoPtr parses the info blob into package-level tables without
// allocating, so the memory map is available to the frame allocator before
// the Go allocator is up. The command line accessors allocate and may only be
// used after goruntime.Init.
package multiboot

import (
	"reflect"
	"strings"
	"unsafe"
)

// MaxMemoryRegions is the number of memory map entries retained by
// SetInfoPtr. Firmware maps on PC hardware hold a few dozen entries at most.
const MaxMemoryRegions = 64

// Multiboot2 tag types consumed by this package.
const (
	tagEnd         = 0
	tagBootCmdLine = 1
	tagMemoryMap   = 6

	// mmapAvailable is the only memory map type describing RAM that the
	// kernel may use; every other type is treated as reserved.
	mmapAvailable = 1
)

// RegionKind tags a physical memory region as usable RAM or reserved.
type RegionKind uint8

const (
	// RegionReserved marks memory the kernel must not hand out. Firmware
	// areas, ACPI tables, NVS and entries of unknown type all map to it.
	RegionReserved RegionKind = iota

	// RegionUsable marks RAM that is free for the frame allocator.
	RegionUsable
)

func (k RegionKind) String() string {
	if k == RegionUsable {
		return "usable"
	}
	return "reserved"
}

// MemoryRegion describes the physical address range [Start, End).
type MemoryRegion struct {
	Start, End uint64
	Kind       RegionKind
}

// Size returns the length of the region in bytes.
func (r MemoryRegion) Size() uint64 {
	return r.End - r.Start
}

// Usable returns true if the frame allocator may use the region.
func (r MemoryRegion) Usable() bool {
	return r.Kind == RegionUsable
}

// tagHeader precedes every tag in the info blob. size covers the header but
// not the padding that aligns the next tag to 8 bytes.
type tagHeader struct {
	tagType uint32
	size    uint32
}

// mmapEntry is the layout of a single memory map tag entry. Its stride is
// given by the tag's entrySize field and may be larger than this struct.
type mmapEntry struct {
	addr   uint64
	length uint64
	typ    uint32
}

var (
	memRegions     [MaxMemoryRegions]MemoryRegion
	memRegionCount int

	// cmdLine aliases the NUL-stripped command line inside the info blob.
	cmdLine   []byte
	cmdLineKV map[string]string
)

// SetInfoPtr parses the multiboot2 info blob at the virtual address ptr. It
// must be invoked before any other function of this package.
func SetInfoPtr(ptr uintptr) {
	memRegionCount = 0
	cmdLine = nil
	cmdLineKV = nil

	// The blob starts with an 8 byte {totalSize, reserved} header.
	for cur := ptr + 8; ; {
		hdr := (*tagHeader)(unsafe.Pointer(cur))
		if hdr.tagType == tagEnd {
			return
		}

		payload, payloadSize := cur+8, uintptr(hdr.size)-8
		switch hdr.tagType {
		case tagMemoryMap:
			parseMemoryMap(payload, payloadSize)
		case tagBootCmdLine:
			if payloadSize > 0 {
				cmdLine = bytesAt(payload, payloadSize-1)
			}
		}

		cur += (uintptr(hdr.size) + 7) &^ 7
	}
}

// parseMemoryMap copies the entries of a memory map tag into memRegions.
// Empty entries are skipped and entries beyond MaxMemoryRegions are dropped.
func parseMemoryMap(payload, size uintptr) {
	// The payload starts with {entrySize, entryVersion}.
	entrySize := uintptr(*(*uint32)(unsafe.Pointer(payload)))
	if entrySize == 0 {
		return
	}

	for cur, end := payload+8, payload+size; cur+entrySize <= end && memRegionCount < MaxMemoryRegions; cur += entrySize {
		entry := (*mmapEntry)(unsafe.Pointer(cur))
		if entry.length == 0 {
			continue
		}

		kind := RegionReserved
		if entry.typ == mmapAvailable {
			kind = RegionUsable
		}

		memRegions[memRegionCount] = MemoryRegion{
			Start: entry.addr,
			End:   entry.addr + entry.length,
			Kind:  kind,
		}
		memRegionCount++
	}
}

// MemoryMap returns the physical memory regions reported by the bootloader
// in the order they were reported. The returned slice aliases package state
// and must not be modified.
func MemoryMap() []MemoryRegion {
	return memRegions[:memRegionCount]
}

func bytesAt(addr, size uintptr) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: addr,
	}))
}

// GetBootCmdLine returns the command line key-value pairs passed to the
// kernel. A bare flag such as "selftest" maps to its own name.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	cmdLineKV = make(map[string]string)
	for _, field := range strings.Fields(string(cmdLine)) {
		if sep := strings.IndexByte(field, '='); sep != -1 {
			cmdLineKV[field[:sep]] = field[sep+1:]
		} else {
			cmdLineKV[field] = field
		}
	}

	return cmdLineKV
}

// BootCmdLineValue returns the value of the requested boot command line key
// and a flag indicating whether the key was present.
func BootCmdLineValue(key string) (string, bool) {
	v, ok := GetBootCmdLine()[key]
	return v, ok
}
