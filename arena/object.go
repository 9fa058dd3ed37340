// object.go - Objekt-Header und Kind-Tags fuer den Arena-Allocator
package arena

// Kind tags what an arena-allocated object represents.
type Kind uint8

const (
	// KindTensor backs a tensor.Tensor's metadata (and, unless deferred,
	// its storage).
	KindTensor Kind = iota
	// KindGraph backs a graph.Graph's node/leaf bookkeeping arrays.
	KindGraph
	// KindWorkBuffer backs scheduler scratch (requantisation buffers,
	// im2col tables, per-thread softmax scratch).
	KindWorkBuffer
)

func (k Kind) String() string {
	switch k {
	case KindTensor:
		return "tensor"
	case KindGraph:
		return "graph"
	case KindWorkBuffer:
		return "work_buffer"
	default:
		return "unknown"
	}
}

// ID identifies an object within a single Context. It is never valid across
// contexts: resolving it requires the Context that produced it.
type ID uint32

// object is the arena's bookkeeping header for one allocation. Objects never
// move and are never freed individually; the whole Context is torn down at
// once.
type object struct {
	kind Kind
	// region is nil when the object's bytes live in the main buffer;
	// otherwise it points at the scratch region that backs it.
	region *scratchRegion
	start  int
	end    int
}
