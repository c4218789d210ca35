// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"sort"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"
)

var (
	background = color.RGBA{R: 20, G: 24, B: 28, A: 255}
	labelColor = color.RGBA{R: 230, G: 230, B: 230, A: 255}
)

// vehicle body half extents: X forward, Y left, Z up
var halfExtent = [3]float64{1.0, 0.6, 0.35}

type face struct {
	name    string
	corners [4]int
	normal  [3]float64
	fill    color.RGBA
}

// corner index bits: 1 = +X, 2 = +Y, 4 = +Z
var faces = []face{
	{"nose", [4]int{1, 3, 7, 5}, [3]float64{1, 0, 0}, color.RGBA{R: 220, G: 60, B: 50, A: 255}},
	{"tail", [4]int{0, 4, 6, 2}, [3]float64{-1, 0, 0}, color.RGBA{R: 120, G: 40, B: 40, A: 255}},
	{"left", [4]int{2, 6, 7, 3}, [3]float64{0, 1, 0}, color.RGBA{R: 60, G: 160, B: 80, A: 255}},
	{"right", [4]int{0, 1, 5, 4}, [3]float64{0, -1, 0}, color.RGBA{R: 40, G: 110, B: 60, A: 255}},
	{"roof", [4]int{4, 5, 7, 6}, [3]float64{0, 0, 1}, color.RGBA{R: 70, G: 130, B: 220, A: 255}},
	{"floor", [4]int{0, 2, 3, 1}, [3]float64{0, 0, -1}, color.RGBA{R: 50, G: 60, B: 110, A: 255}},
}

// Render draws the vehicle body rotated by t as seen from above (+Z toward
// the viewer), with the three angles printed in the top-left corner.
func Render(t Transform3D, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{background}, image.Point{}, draw.Src)

	scale := 0.35 * float64(min(w, h))
	cx, cy := float64(w)/2, float64(h)/2

	var pts [8][3]float64
	for i := range pts {
		v := [3]float64{-halfExtent[0], -halfExtent[1], -halfExtent[2]}
		for axis := 0; axis < 3; axis++ {
			if i&(1<<axis) != 0 {
				v[axis] = halfExtent[axis]
			}
		}
		pts[i] = t.Apply(v)
	}

	type visible struct {
		f     face
		depth float64
	}
	var todo []visible
	for _, f := range faces {
		if n := t.Apply(f.normal); n[2] <= 1e-9 {
			continue
		}
		depth := 0.0
		for _, c := range f.corners {
			depth += pts[c][2]
		}
		todo = append(todo, visible{f, depth / 4})
	}
	// painter's order: farthest first
	sort.Slice(todo, func(i, j int) bool { return todo[i].depth < todo[j].depth })

	r := vector.NewRasterizer(w, h)
	for _, v := range todo {
		r.Reset(w, h)
		for i, c := range v.f.corners {
			x := float32(cx + pts[c][0]*scale)
			y := float32(cy - pts[c][1]*scale)
			if i == 0 {
				r.MoveTo(x, y)
			} else {
				r.LineTo(x, y)
			}
		}
		r.ClosePath()
		r.Draw(img, img.Bounds(), image.NewUniform(shade(v.f.fill, t.Apply(v.f.normal)[2])), image.Point{})
	}

	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{labelColor},
		Face: basicfont.Face7x13,
	}
	drawer.Dot = fixed.P(4, 13)
	drawer.DrawString(fmt.Sprintf("X %5.1f  Y %5.1f  Z %5.1f", t.X, t.Y, t.Z))

	return img
}

// shade darkens faces turned away from the viewer.
func shade(c color.RGBA, facing float64) color.RGBA {
	k := 0.55 + 0.45*math.Min(1, math.Max(0, facing))
	return color.RGBA{
		R: uint8(float64(c.R) * k),
		G: uint8(float64(c.G) * k),
		B: uint8(float64(c.B) * k),
		A: c.A,
	}
}
