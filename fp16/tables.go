// tables.go - Aktivierungstabellen ueber alle fp16-Bitmuster
//
// Vier prozessweite Tabellen (gelu, gelu-quick, silu, exp), jede mit einem
// Eintrag pro fp16-Bitmuster. Die Kernel konvertieren ihren f32-Eingang
// nach fp16 und schlagen den Funktionswert nach, statt die Transzendente
// pro Element auszuwerten. Initialisierung ist lazy und einmalig, wie die
// fp16<->f32-Tabelle.
package fp16

import (
	"sync"

	"github.com/chewxy/math32"
)

var (
	actOnce      sync.Once
	geluTab      [1 << 16]float32
	geluQuickTab [1 << 16]float32
	siluTab      [1 << 16]float32
	expTab       [1 << 16]float32
)

func ensureActivationTables() {
	actOnce.Do(func() {
		ensureTable()
		const c = 0.7978845608028654 // sqrt(2/pi)
		const cq = -1.702
		for bits := 0; bits < 1<<16; bits++ {
			x := toF32Tab[bits]
			e := math32.Exp(x)
			expTab[bits] = e
			geluTab[bits] = 0.5 * x * (1 + math32.Tanh(c*(x+0.044715*x*x*x)))
			geluQuickTab[bits] = x / (1 + math32.Exp(cq*x))
			siluTab[bits] = x / (1 + math32.Exp(-x))
		}
	})
}

// Gelu evaluates the tanh-approximated GELU of x at fp16 resolution.
func Gelu(x float32) float32 {
	ensureActivationTables()
	return geluTab[FromFloat32(x)]
}

// GeluQuick evaluates the sigmoid-approximated GELU of x at fp16 resolution.
func GeluQuick(x float32) float32 {
	ensureActivationTables()
	return geluQuickTab[FromFloat32(x)]
}

// Silu evaluates x * sigmoid(x) at fp16 resolution.
func Silu(x float32) float32 {
	ensureActivationTables()
	return siluTab[FromFloat32(x)]
}

// Exp evaluates e^x at fp16 resolution. Softmax does not use this table
// (its normalisation tolerance is tighter than fp16 argument rounding),
// and no scheduler kernel calls it.
func Exp(x float32) float32 {
	ensureActivationTables()
	return expTab[FromFloat32(x)]
}
