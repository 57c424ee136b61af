package solver

import "math"

// projectCone projects v onto K in place, block by block: zero cone rows are
// zeroed, nonnegative rows clamped at zero, and each second-order cone block
// (t, w) projected in closed form.
func projectCone(v []float64, k Cone) {
	off := 0
	for i := 0; i < k.Zero; i++ {
		v[off+i] = 0
	}
	off += k.Zero
	for i := 0; i < k.Nonneg; i++ {
		if v[off+i] < 0 {
			v[off+i] = 0
		}
	}
	off += k.Nonneg
	for _, d := range k.SOC {
		projectSOC(v[off : off+d])
		off += d
	}
}

// projectSOC projects (t, w) onto { (t, w) : ‖w‖₂ ≤ t } in place.
func projectSOC(block []float64) {
	t := block[0]
	norm := 0.0
	for _, w := range block[1:] {
		norm += w * w
	}
	norm = math.Sqrt(norm)

	switch {
	case norm <= t:
		// inside the cone
	case norm <= -t:
		// inside the polar cone: projection is the origin
		for i := range block {
			block[i] = 0
		}
	default:
		scale := (t + norm) / (2 * norm)
		block[0] = (t + norm) / 2
		for i := 1; i < len(block); i++ {
			block[i] *= scale
		}
	}
}
