package heap

import (
	"unsafe"
)

// regionNode is written at the start of each free region tracked by the
// fallback list. Links are stored as addresses since the nodes live in
// memory that is not managed by the Go allocator.
type regionNode struct {
	size uintptr
	next uintptr
}

// blockNode is written at the start of each free size-class block.
type blockNode struct {
	next uintptr
}

const regionNodeSize = unsafe.Sizeof(regionNode{})

func region(addr uintptr) *regionNode { return (*regionNode)(unsafe.Pointer(addr)) }
func block(addr uintptr) *blockNode   { return (*blockNode)(unsafe.Pointer(addr)) }

func alignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// Allocator manages a fixed memory range. Requests that fit one of the
// blockSizes classes are served from per-class free lists; everything else,
// as well as refilling an empty class list, is served by a first-fit list of
// free regions kept sorted by address so adjacent regions can be merged when
// memory is returned. An empty class that cannot be refilled from the
// fallback list splits a block of a larger class.
//
// Allocator is not safe for concurrent use.
type Allocator struct {
	start, end uintptr

	classHeads [len(blockSizes)]uintptr
	freeList   uintptr

	// live counts outstanding allocations.
	live uint64
}

// init hands the [start, start+size) range to the allocator. Any previously
// tracked state is discarded.
func (a *Allocator) init(start, size uintptr) {
	*a = Allocator{start: start, end: start + size}
	a.addFreeRegion(start, size)
}

// contains returns true if addr lies inside the managed range.
func (a *Allocator) contains(addr uintptr) bool {
	return addr >= a.start && addr < a.end
}

// classIndex returns the index of the smallest size class that can serve a
// request or -1 if the request must go to the fallback list.
func classIndex(size, align uintptr) int {
	need := size
	if align > need {
		need = align
	}

	for i, blockSize := range blockSizes {
		if blockSize >= need {
			return i
		}
	}

	return -1
}

// fallbackLayout adjusts a request so that the block can later hold a
// regionNode once it is freed.
func fallbackLayout(size, align uintptr) (uintptr, uintptr) {
	if align < unsafe.Alignof(regionNode{}) {
		align = unsafe.Alignof(regionNode{})
	}

	size = alignUp(size, unsafe.Alignof(regionNode{}))
	if size < regionNodeSize {
		size = regionNodeSize
	}

	return size, align
}

// alloc returns the address of a block with the requested size and alignment
// or 0 if the request cannot be satisfied. align must be a power of two.
//
// When neither the class lists nor the fallback list can serve the request,
// idle class blocks are returned to the fallback list, coalesced and the
// request is retried once.
func (a *Allocator) alloc(size, align uintptr) uintptr {
	if align == 0 || align&(align-1) != 0 {
		return 0
	}

	addr := a.tryAlloc(size, align)
	if addr == 0 && a.reclaimClassBlocks() {
		addr = a.tryAlloc(size, align)
	}

	if addr != 0 {
		a.live++
	}

	return addr
}

func (a *Allocator) tryAlloc(size, align uintptr) uintptr {
	index := classIndex(size, align)
	if index < 0 {
		return a.allocRegion(fallbackLayout(size, align))
	}

	if addr := a.classHeads[index]; addr != 0 {
		a.classHeads[index] = block(addr).next
		return addr
	}

	// Blocks are aligned to their size so any alignment up to the class
	// size is satisfied.
	if addr := a.allocRegion(blockSizes[index], blockSizes[index]); addr != 0 {
		return addr
	}

	return a.splitClassBlock(index)
}

// splitClassBlock serves class index by halving a block taken from the
// nearest non-empty larger class. The unused halves are pushed to the
// classes in between.
func (a *Allocator) splitClassBlock(index int) uintptr {
	for from := index + 1; from < len(blockSizes); from++ {
		addr := a.classHeads[from]
		if addr == 0 {
			continue
		}
		a.classHeads[from] = block(addr).next

		for class := from - 1; class >= index; class-- {
			half := addr + blockSizes[class]
			block(half).next = a.classHeads[class]
			a.classHeads[class] = half
		}

		return addr
	}

	return 0
}

// reclaimClassBlocks moves every block parked on a class list to the
// fallback list, merging adjacent blocks and regions. It returns false if
// the class lists were empty.
func (a *Allocator) reclaimClassBlocks() bool {
	var list uintptr
	for index := range a.classHeads {
		for cur := a.classHeads[index]; cur != 0; {
			// blockNode.next and regionNode.size share the first word
			next := block(cur).next
			node := region(cur)
			node.size = blockSizes[index]
			node.next = list
			list, cur = cur, next
		}
		a.classHeads[index] = 0
	}

	if list == 0 {
		return false
	}

	a.freeList = mergeRegions(a.freeList, sortRegions(list))
	return true
}

// sortRegions merge-sorts a region list by address.
func sortRegions(list uintptr) uintptr {
	if list == 0 || region(list).next == 0 {
		return list
	}

	slow, fast := list, region(list).next
	for fast != 0 && region(fast).next != 0 {
		slow, fast = region(slow).next, region(region(fast).next).next
	}

	second := region(slow).next
	region(slow).next = 0

	return mergeRegions(sortRegions(list), sortRegions(second))
}

// mergeRegions combines two address-ordered region lists into one,
// coalescing regions that touch.
func mergeRegions(x, y uintptr) uintptr {
	var head, tail uintptr
	for x != 0 || y != 0 {
		var cur uintptr
		if y == 0 || (x != 0 && x < y) {
			cur, x = x, region(x).next
		} else {
			cur, y = y, region(y).next
		}

		if tail != 0 && tail+region(tail).size == cur {
			region(tail).size += region(cur).size
			continue
		}

		if tail == 0 {
			head = cur
		} else {
			region(tail).next = cur
		}
		tail = cur
	}

	if tail != 0 {
		region(tail).next = 0
	}

	return head
}

// free returns a block obtained via alloc with the same size and alignment.
func (a *Allocator) free(addr, size, align uintptr) {
	if index := classIndex(size, align); index >= 0 {
		block(addr).next = a.classHeads[index]
		a.classHeads[index] = addr
	} else {
		size, _ = fallbackLayout(size, align)
		a.addFreeRegion(addr, size)
	}

	a.live--
}

// allocRegion scans the fallback list for the first region that can fit the
// request. Any space left before or after the allocated block is returned to
// the list provided it can hold a regionNode.
func (a *Allocator) allocRegion(size, align uintptr) uintptr {
	var prev uintptr

	for cur := a.freeList; cur != 0; prev, cur = cur, region(cur).next {
		var (
			regStart = cur
			regEnd   = cur + region(cur).size
			start    = alignUp(regStart, align)
		)

		// The gap in front of the block must be able to hold a node
		if start != regStart && start-regStart < regionNodeSize {
			start = alignUp(regStart+regionNodeSize, align)
		}

		end := start + size
		if end < start || end > regEnd {
			continue
		}

		if excess := regEnd - end; excess != 0 && excess < regionNodeSize {
			continue
		}

		// Unlink the region and give back the unused parts
		if prev == 0 {
			a.freeList = region(cur).next
		} else {
			region(prev).next = region(cur).next
		}

		if start != regStart {
			a.addFreeRegion(regStart, start-regStart)
		}
		if end != regEnd {
			a.addFreeRegion(end, regEnd-end)
		}

		return start
	}

	return 0
}

// addFreeRegion inserts a region into the address-ordered fallback list and
// merges it with its neighbors when they are adjacent.
func (a *Allocator) addFreeRegion(addr, size uintptr) {
	var prev uintptr
	cur := a.freeList
	for cur != 0 && cur < addr {
		prev, cur = cur, region(cur).next
	}

	if cur != 0 && addr+size == cur {
		size += region(cur).size
		cur = region(cur).next
	}

	if prev != 0 && prev+region(prev).size == addr {
		region(prev).size += size
		region(prev).next = cur
		return
	}

	node := region(addr)
	node.size = size
	node.next = cur

	if prev == 0 {
		a.freeList = addr
	} else {
		region(prev).next = addr
	}
}

// freeBytes returns the number of bytes tracked by the fallback list.
func (a *Allocator) freeBytes() uintptr {
	var total uintptr
	for cur := a.freeList; cur != 0; cur = region(cur).next {
		total += region(cur).size
	}
	return total
}
