package pipeline

import "imageprep/types"

// frameDiff compares a frame against its predecessor for the dedup filter:
// nBody counts non-background pixels in the new frame, nDiff counts pixels
// whose label differs between the two.
func frameDiff(frame, prev *types.Image) (nDiff, nBody int) {
	for y := 0; y < frame.Height; y++ {
		row := frame.Row8(y)
		for _, label := range row {
			if label != types.BackgroundID {
				nBody++
			}
		}
	}

	for y := 0; y < frame.Height; y++ {
		row := frame.Row8(y)
		prevRow := prev.Row8(y)
		for x := range row {
			if row[x] != prevRow[x] {
				nDiff++
			}
		}
	}

	return nDiff, nBody
}

// flipLabels writes a left-right mirrored copy of src into dst, remapping
// each label id through the left<->right swap table so anatomically sided
// labels stay correct after the geometric flip.
func flipLabels(src, dst *types.Image, leftToRight *[256]uint8) {
	width := src.Width
	for y := 0; y < src.Height; y++ {
		srcRow := src.Row8(y)
		dstRow := dst.Row8(y)
		for x := 0; x < width; x++ {
			dstRow[x] = leftToRight[srcRow[width-1-x]]
		}
	}
}

// flipDepth writes a left-right mirrored copy of src into dst. Depth values
// carry no side semantics, so columns are reflected with no value remap.
func flipDepth(src, dst *types.Image) {
	width := src.Width
	for y := 0; y < src.Height; y++ {
		srcRow := src.RowF32(y)
		dstRow := dst.RowF32(y)
		for x := 0; x < width; x++ {
			dstRow[x] = srcRow[width-1-x]
		}
	}
}
