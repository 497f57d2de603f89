package display

// Remote framebuffer protocols can be extremely spammy with damage
// updates; qemu in particular floods very small rectangles quickly, and
// re-encoding each one amplifies the cost in both processing and
// bandwidth. Compact coalesces a damage set into fewer, coarser
// rectangles: the result may cover more area than the input, but it
// never contains more rectangles, which is the dimension that matters
// for message count.
//
// The approach is a variant of greedy meshing:
//  1. build a tiled dirty map from the rectangles
//  2. greedily combine the tiles back into tile-quantized rectangles
//  3. dequantize the resulting rectangles

// Rect is an axis-aligned region of the framebuffer.
type Rect struct {
	X      int
	Y      int
	Width  int
	Height int
}

// DefaultFactor is the tile side used when callers have no reason to
// pick another quantization.
const DefaultFactor = 16

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// scanRow reports whether a horizontal run of tiles is entirely dirty.
func scanRow(tiles []bool, start, width int) bool {
	if start+width > len(tiles) {
		return false
	}
	for i := start; i < start+width; i++ {
		if !tiles[i] {
			return false
		}
	}
	return true
}

// Compact coalesces damage rectangles on a fbw-by-fbh canvas into a
// covering set no larger than the input, quantized to factor-sized
// tiles.
func Compact(rects []Rect, fbw, fbh, factor int) []Rect {
	if len(rects) == 0 {
		return nil
	}
	if factor < 1 {
		factor = DefaultFactor
	}

	// quantize the framebuffer size to a multiple of the tile size
	qw := (fbw + factor - 1) / factor
	qh := (fbh + factor - 1) / factor
	if qw < 1 || qh < 1 {
		return nil
	}

	// build the tile dirty map: every tile a rectangle touches, clamped
	// to the grid
	tiles := make([]bool, qw*qh)
	for _, r := range rects {
		if r.Width < 1 || r.Height < 1 {
			continue
		}
		if r.X >= fbw || r.Y >= fbh || r.X+r.Width <= 0 || r.Y+r.Height <= 0 {
			continue
		}
		x0 := clamp(r.X/factor, 0, qw-1)
		y0 := clamp(r.Y/factor, 0, qh-1)
		x1 := clamp((r.X+r.Width+factor-1)/factor-1, 0, qw-1)
		y1 := clamp((r.Y+r.Height+factor-1)/factor-1, 0, qh-1)
		for ty := y0; ty <= y1; ty++ {
			for tx := x0; tx <= x1; tx++ {
				tiles[ty*qw+tx] = true
			}
		}
	}

	// crawl the map and combine tiles into rects
	var qrects []Rect
	// runs map, used to skip tiles already belonging to a rect
	runs := make([]int, qw*qh)
	for y := 0; y < qh; y++ {
		base := y * qw
		for x := 0; x < qw; x++ {
			// skip clean tiles
			if !tiles[base+x] {
				continue
			}
			// skip tiles already claimed by an earlier, taller rect
			if run := runs[base+x]; run > 0 {
				x += run - 1
				continue
			}

			// found a relevant dirty tile; crawl right for the width
			x1 := x
			for x < qw && tiles[base+x] {
				x++
			}
			width := x - x1

			// crawl downward for the height, recording the claimed
			// width into the runs map so later scan rows skip it
			scanbase := base + x1
			runs[scanbase] = width
			height := 1
			for scanRow(tiles, scanbase+height*qw, width) {
				runs[scanbase+height*qw] = width
				height++
			}

			qrects = append(qrects, Rect{X: x1, Y: y, Width: width, Height: height})
		}
	}

	// dequantize
	out := make([]Rect, len(qrects))
	for i, r := range qrects {
		out[i] = Rect{
			X:      r.X * factor,
			Y:      r.Y * factor,
			Width:  r.Width * factor,
			Height: r.Height * factor,
		}
	}
	return out
}
