package streamio

import (
	"slices"

	"github.com/kelindar/bitmap"
)

// Block describes a contiguous run of chunk indices that are either all
// present in memory (Hit) or all missing (Miss, to be filled from disk
// or the live upstream body).
type Block struct {
	Hit   bool
	First uint32
	Last  uint32
}

// PlanChunks splits the chunk-index range [first, last] into maximal
// runs of hit/miss against present, so a response assembler can decide,
// per run, whether to read straight from memory or reach for disk/
// upstream bytes. Grounded on the same bitmap-intersection idiom used
// to plan which byte ranges of a cached object are already resident.
func PlanChunks(first, last uint32, present bitmap.Bitmap) []Block {
	if last < first {
		return nil
	}

	want := bitmap.Bitmap{}
	for i := first; i <= last; i++ {
		want.Set(i)
	}

	hit := want.Clone(nil)
	hit.And(present)

	var hitIdx []uint32
	hit.Range(func(i uint32) { hitIdx = append(hitIdx, i) })

	miss := want.Clone(nil)
	miss.AndNot(present)

	var missIdx []uint32
	miss.Range(func(i uint32) { missIdx = append(missIdx, i) })

	blocks := make([]Block, 0, len(hitIdx)+len(missIdx))
	for _, run := range groupConsecutive(hitIdx) {
		blocks = append(blocks, Block{Hit: true, First: run[0], Last: run[len(run)-1]})
	}
	for _, run := range groupConsecutive(missIdx) {
		blocks = append(blocks, Block{Hit: false, First: run[0], Last: run[len(run)-1]})
	}

	slices.SortFunc(blocks, func(a, b Block) int {
		return int(a.First) - int(b.First)
	})
	return blocks
}

// FullyPresent reports whether every chunk index in [first, last] is
// set in present.
func FullyPresent(first, last uint32, present bitmap.Bitmap) bool {
	for i := first; i <= last; i++ {
		if !present.Contains(i) {
			return false
		}
	}
	return true
}

// PartiallyPresent reports whether at least one chunk index in
// [first, last] is set in present.
func PartiallyPresent(first, last uint32, present bitmap.Bitmap) bool {
	for i := first; i <= last; i++ {
		if present.Contains(i) {
			return true
		}
	}
	return false
}

func groupConsecutive(v []uint32) [][]uint32 {
	if len(v) == 0 {
		return nil
	}
	var ret [][]uint32
	group := []uint32{v[0]}
	for i := 1; i < len(v); i++ {
		if v[i] == v[i-1]+1 {
			group = append(group, v[i])
		} else {
			ret = append(ret, group)
			group = []uint32{v[i]}
		}
	}
	ret = append(ret, group)
	return ret
}
