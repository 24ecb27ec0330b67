// Package device realizes the kernel execution model on the host: grids of work-items
// dispatched onto a worker pool through ordered streams.
package device

import "fmt"

// Dim3 is the extent of a grid (in blocks) or a block (in work-items).
type Dim3 struct {
	X, Y, Z int
}

// D1 returns a one-dimensional extent.
func D1(x int) Dim3 {
	return Dim3{X: x, Y: 1, Z: 1}
}

// D2 returns a two-dimensional extent.
func D2(x, y int) Dim3 {
	return Dim3{X: x, Y: y, Z: 1}
}

// D3 returns a three-dimensional extent.
func D3(x, y, z int) Dim3 {
	return Dim3{X: x, Y: y, Z: z}
}

// Size is the number of points covered. A zero component yields an empty extent.
func (d Dim3) Size() int {
	return d.X * d.Y * d.Z
}

func (d Dim3) String() string {
	return fmt.Sprintf("(%d,%d,%d)", d.X, d.Y, d.Z)
}

// at converts a linear index into coordinates, X fastest.
func (d Dim3) at(i int) Dim3 {
	return Dim3{
		X: i % d.X,
		Y: (i / d.X) % d.Y,
		Z: i / (d.X * d.Y),
	}
}

func (d Dim3) valid() bool {
	return d.X >= 0 && d.Y >= 0 && d.Z >= 0
}

// Ceil returns the number of tiles of size tile needed to cover n.
func Ceil(n, tile int) int {
	return (n + tile - 1) / tile
}

// Thread identifies one work-item inside a launch.
type Thread struct {
	Block    Dim3 // block index within the grid
	Idx      Dim3 // work-item index within the block
	BlockDim Dim3
	GridDim  Dim3
}

// GlobalX is the work-item's x coordinate across the whole grid.
func (t Thread) GlobalX() int {
	return t.Block.X*t.BlockDim.X + t.Idx.X
}

// GlobalY is the work-item's y coordinate across the whole grid.
func (t Thread) GlobalY() int {
	return t.Block.Y*t.BlockDim.Y + t.Idx.Y
}

// Local is the work-item's linear index within its block.
func (t Thread) Local() int {
	return (t.Idx.Z*t.BlockDim.Y+t.Idx.Y)*t.BlockDim.X + t.Idx.X
}
