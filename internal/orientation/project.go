// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Transform3D is a renderable rotation.
type Transform3D struct {
	// Matrix is row-major and maps model coordinates to view coordinates.
	Matrix [3][3]float64 `json:"matrix"`
	X      float64       `json:"x"`
	Y      float64       `json:"y"`
	Z      float64       `json:"z"`
}

// Project turns an orientation into a rotation matrix equal to the CSS
// transform "rotateX(x) rotateY(y) rotateZ(z)", i.e. R = Rx·Ry·Rz.
func Project(o OrientationState) Transform3D {
	x := Normalize(o.RotationX)
	y := Normalize(o.RotationY)
	z := Normalize(o.RotationZ)

	m := mul(mul(rotX(x), rotY(y)), rotZ(z))
	return Transform3D{Matrix: m, X: x, Y: y, Z: z}
}

// CSS returns the equivalent CSS transform value.
func (t Transform3D) CSS() string {
	return fmt.Sprintf("rotateX(%sdeg) rotateY(%sdeg) rotateZ(%sdeg)", num(t.X), num(t.Y), num(t.Z))
}

// Matrix3D returns the CSS matrix3d() value. CSS lists the 4x4 matrix in
// column-major order.
func (t Transform3D) Matrix3D() string {
	var parts []string
	for col := 0; col < 4; col++ {
		for row := 0; row < 4; row++ {
			switch {
			case row < 3 && col < 3:
				parts = append(parts, num(t.Matrix[row][col]))
			case row == 3 && col == 3:
				parts = append(parts, "1")
			default:
				parts = append(parts, "0")
			}
		}
	}
	return "matrix3d(" + strings.Join(parts, ", ") + ")"
}

// Apply rotates v.
func (t Transform3D) Apply(v [3]float64) [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = t.Matrix[i][0]*v[0] + t.Matrix[i][1]*v[1] + t.Matrix[i][2]*v[2]
	}
	return out
}

func num(v float64) string {
	v = math.Round(v*1e6) / 1e6
	if v == 0 {
		v = 0 // drop negative zero
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func rad(deg float64) float64 { return deg * math.Pi / 180 }

func rotX(deg float64) [3][3]float64 {
	s, c := math.Sincos(rad(deg))
	return [3][3]float64{
		{1, 0, 0},
		{0, c, -s},
		{0, s, c},
	}
}

func rotY(deg float64) [3][3]float64 {
	s, c := math.Sincos(rad(deg))
	return [3][3]float64{
		{c, 0, s},
		{0, 1, 0},
		{-s, 0, c},
	}
}

func rotZ(deg float64) [3][3]float64 {
	s, c := math.Sincos(rad(deg))
	return [3][3]float64{
		{c, -s, 0},
		{s, c, 0},
		{0, 0, 1},
	}
}

func mul(a, b [3][3]float64) [3][3]float64 {
	var m [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				m[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return m
}
