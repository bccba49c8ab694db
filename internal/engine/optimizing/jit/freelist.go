package jit

import (
	"fmt"

	"github.com/google/btree"

	"github.com/aosp-leddaz/art/internal/util/contract"
)

// span is a free range [offset, offset+size) of a region half.
type span struct {
	offset, size int
}

// freeList tracks the free spans of one half of a Region, ordered by offset. Allocation
// is first fit; releasing a span merges it with its free neighbours.
type freeList struct {
	spans *btree.BTreeG[span]
	align int
	free  int
}

func newFreeList(capacity, align int) *freeList {
	f := &freeList{
		spans: btree.NewG[span](8, func(a, b span) bool { return a.offset < b.offset }),
		align: align,
	}
	if capacity > 0 {
		f.spans.ReplaceOrInsert(span{offset: 0, size: capacity})
		f.free = capacity
	}
	return f
}

// roundUp returns size rounded up to the alignment of the list.
func (f *freeList) roundUp(size int) int {
	return (size + f.align - 1) &^ (f.align - 1)
}

// alloc carves size bytes, rounded up to the alignment, out of the lowest free span large enough.
func (f *freeList) alloc(size int) (offset int, ok bool) {
	size = f.roundUp(size)
	if size == 0 || size > f.free {
		return 0, false
	}
	var found span
	f.spans.Ascend(func(s span) bool {
		if s.size >= size {
			found, ok = s, true
			return false
		}
		return true
	})
	if !ok {
		return 0, false
	}
	f.spans.Delete(found)
	if found.size > size {
		f.spans.ReplaceOrInsert(span{offset: found.offset + size, size: found.size - size})
	}
	f.free -= size
	return found.offset, true
}

// release returns the span allocated at offset with the given size.
func (f *freeList) release(offset, size int) {
	size = f.roundUp(size)
	s := span{offset: offset, size: size}

	var prev, next span
	var hasPrev, hasNext bool
	f.spans.DescendLessOrEqual(s, func(p span) bool {
		prev, hasPrev = p, true
		return false
	})
	f.spans.AscendGreaterOrEqual(s, func(n span) bool {
		next, hasNext = n, true
		return false
	})
	if hasPrev && prev.offset+prev.size > offset {
		contract.Failf("release of %s overlaps free %s", s, prev)
		return
	}
	if hasNext && offset+size > next.offset {
		contract.Failf("release of %s overlaps free %s", s, next)
		return
	}

	if hasPrev && prev.offset+prev.size == offset {
		f.spans.Delete(prev)
		s = span{offset: prev.offset, size: prev.size + s.size}
	}
	if hasNext && s.offset+s.size == next.offset {
		f.spans.Delete(next)
		s.size += next.size
	}
	f.spans.ReplaceOrInsert(s)
	f.free += size
}

// largest returns the size of the largest free span.
func (f *freeList) largest() int {
	var ret int
	f.spans.Ascend(func(s span) bool {
		if s.size > ret {
			ret = s.size
		}
		return true
	})
	return ret
}

// String implements fmt.Stringer.
func (s span) String() string {
	return fmt.Sprintf("[%#x, %#x)", s.offset, s.offset+s.size)
}

func (f *freeList) String() string {
	var ret string
	f.spans.Ascend(func(s span) bool {
		if ret != "" {
			ret += " "
		}
		ret += s.String()
		return true
	})
	return ret
}
