// Package kvcache maintains past-state caches between decode steps: the layout change
// that prepares a cache for batched reads, and the beam lineage table that lets beam
// search reselect beams without copying cache rows.
package kvcache

import (
	"github.com/samcharles93/beamstate/internal/device"
	"github.com/samcharles93/beamstate/internal/geometry"
)

// Tile extents of the cache transpose. Reorder tiles the time axis by TileSteps and the
// head-chunk axis by TileChunks; Restore uses the same tile with the axes swapped.
const (
	TileSteps  = 16
	TileChunks = 32
)

// Reorder converts a time-major cache [B,N,Lmax,H2,chunk] into the chunk-major read
// layout [B,N,H2,Lmax,chunk]. The innermost chunk is moved as a unit.
func Reorder[T any](s *device.Stream, dst, src geometry.Cache[T]) error {
	checkTransform(dst, src, geometry.LayoutChunkMajor, geometry.LayoutTimeMajor)
	return transpose(s, "reorder_cache", dst.Data, src.Data, src.Batch*src.Heads, src.MaxLength, src.HeadChunks, src.Chunk)
}

// Restore is the inverse of Reorder: chunk-major back to time-major.
func Restore[T any](s *device.Stream, dst, src geometry.Cache[T]) error {
	checkTransform(dst, src, geometry.LayoutTimeMajor, geometry.LayoutChunkMajor)
	return transpose(s, "restore_cache", dst.Data, src.Data, src.Batch*src.Heads, src.HeadChunks, src.MaxLength, src.Chunk)
}

func checkTransform[T any](dst, src geometry.Cache[T], dstLayout, srcLayout geometry.Layout) {
	src.Check("source cache")
	dst.Check("destination cache")
	if !dst.SameShape(src) {
		geometry.Shapef("cache shapes differ: dst %dx%dx%dx%dx%d src %dx%dx%dx%dx%d",
			dst.Batch, dst.Heads, dst.MaxLength, dst.HeadChunks, dst.Chunk,
			src.Batch, src.Heads, src.MaxLength, src.HeadChunks, src.Chunk)
	}
	if dst.Layout != dstLayout || src.Layout != srcLayout {
		geometry.Shapef("layout %v -> %v, want %v -> %v", src.Layout, dst.Layout, srcLayout, dstLayout)
	}
	n := src.Len()
	if geometry.Overlaps(dst.Data[:n], src.Data[:n]) {
		geometry.Shapef("cache transform cannot run in place")
	}
}

// transpose swaps the middle axes of [outer, rows, cols, chunk] into [outer, cols, rows, chunk].
//
// Each block owns one tile of TileSteps rows by TileChunks columns. Work-item (x, y) stages
// chunk (r0+y, c0+x) in scratch; after the barrier the same work-item, renumbered
// column-first, writes chunk (r0 + id%TileSteps, c0 + id/TileSteps) so consecutive
// work-items write consecutive destination rows.
func transpose[T any](s *device.Stream, name string, dst, src []T, outer, rows, cols, chunk int) error {
	grid := device.D3(device.Ceil(cols, TileChunks), device.Ceil(rows, TileSteps), outer)
	block := device.D2(TileChunks, TileSteps)

	stage := func(t device.Thread, tile []T) {
		r := t.Block.Y*TileSteps + t.Idx.Y
		c := t.Block.X*TileChunks + t.Idx.X
		if r >= rows || c >= cols {
			return
		}
		in := ((t.Block.Z*rows+r)*cols + c) * chunk
		at := (t.Idx.Y*TileChunks + t.Idx.X) * chunk
		copy(tile[at:at+chunk], src[in:in+chunk])
	}
	write := func(t device.Thread, tile []T) {
		id := t.Local()
		tr, tc := id%TileSteps, id/TileSteps
		r := t.Block.Y*TileSteps + tr
		c := t.Block.X*TileChunks + tc
		if r >= rows || c >= cols {
			return
		}
		out := ((t.Block.Z*cols+c)*rows + r) * chunk
		at := (tr*TileChunks + tc) * chunk
		copy(dst[out:out+chunk], tile[at:at+chunk])
	}
	return device.LaunchShared[T](s, name, grid, block, TileSteps*TileChunks*chunk, stage, write)
}
