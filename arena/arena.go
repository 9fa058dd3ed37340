// arena.go - Bump-Allocator Context fuer Tensoren, Graphen und Work-Buffer
//
// Ein Context ist ein linearer Allocator ueber einen einzigen Byte-Puffer.
// Anders als die C-Referenz (die rohe Pointer in den Puffer zurueckgibt)
// haelt dieser Context eine Tabelle typisierter Objekt-Indizes (arena.ID);
// ein Tensor adressiert seinen Speicher ueber eine solche ID, waehrend
// Tensoren einander (Src, ViewSrc, Grad) ueber gewoehnliche Go-Pointer
// referenzieren.
package arena

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Align is the minimum alignment guaranteed for every allocated object.
const Align = 16

// globalInit serialises Context creation; nothing about bump allocation
// requires finer-grained locking. The fp16<->fp32 and activation lookup
// tables are not built under this lock: package fp16 builds them lazily
// behind its own sync.Once on first use.
var globalInit sync.Mutex

// OutOfMemoryError is returned when an allocation would exceed a region's
// capacity. It reports enough to let the caller retry with a bigger buffer
// (spec §7: "the plan returns the required size so the host can retry").
type OutOfMemoryError struct {
	Region    string
	Requested int
	Available int
}

func (e *OutOfMemoryError) Error() string {
	return errors.Errorf("arena: out of memory in %s region: requested %d bytes, %d available",
		e.Region, e.Requested, e.Available).Error()
}

// Context is a single-threaded, session-scoped bump allocator. It is not
// safe for concurrent allocation; concurrent *reads* of already-allocated
// objects are fine (spec §5: "the graph is read-only during compute()").
type Context struct {
	ID   uuid.UUID
	Name string

	buf     []byte
	offset  int
	noAlloc bool

	objects []object
	scratch []*scratchRegion // stack; last element is the active region
}

type scratchRegion struct {
	buf    []byte
	offset int
}

// New creates a Context over buf (or a freshly allocated buffer of size
// bufferSize if buf is nil). noAlloc creates metadata-only objects: data
// pointers stay nil until a downstream allocator binds storage, matching
// the reference's no_alloc mode used for graph planning.
func New(name string, bufferSize int, buf []byte, noAlloc bool) *Context {
	globalInit.Lock()
	defer globalInit.Unlock()

	if buf == nil {
		buf = make([]byte, bufferSize)
	}

	ctx := &Context{
		ID:      uuid.New(),
		Name:    name,
		buf:     buf,
		noAlloc: noAlloc,
	}
	slog.Debug("arena: new context", "name", name, "id", ctx.ID, "size", len(buf), "no_alloc", noAlloc)
	return ctx
}

func align(n int) int {
	if r := n % Align; r != 0 {
		n += Align - r
	}
	return n
}

// activeScratch returns the top of the scratch stack, or nil if none is
// pushed.
func (c *Context) activeScratch() *scratchRegion {
	if len(c.scratch) == 0 {
		return nil
	}
	return c.scratch[len(c.scratch)-1]
}

// NewObject reserves size aligned bytes of kind, either from the active
// scratch region (if one is pushed and kind is not KindGraph) or from the
// main buffer, and returns an
// ID that resolves back to those bytes via Bytes. When the context is in
// no_alloc mode, the object is recorded with a zero-length byte range.
func (c *Context) NewObject(kind Kind, size int) (ID, error) {
	size = align(size)

	if c.noAlloc {
		c.objects = append(c.objects, object{kind: kind})
		return ID(len(c.objects) - 1), nil
	}

	if region := c.activeScratch(); region != nil && kind != KindGraph {
		if region.offset+size > len(region.buf) {
			return 0, &OutOfMemoryError{Region: "scratch", Requested: size, Available: len(region.buf) - region.offset}
		}
		start := region.offset
		region.offset += size
		c.objects = append(c.objects, object{kind: kind, region: region, start: start, end: region.offset})
		return ID(len(c.objects) - 1), nil
	}

	if c.offset+size > len(c.buf) {
		return 0, &OutOfMemoryError{Region: c.Name, Requested: size, Available: len(c.buf) - c.offset}
	}
	start := c.offset
	c.offset += size
	c.objects = append(c.objects, object{kind: kind, start: start, end: c.offset})
	return ID(len(c.objects) - 1), nil
}

// Bytes resolves id back to its backing byte slice. Returns nil for an
// object recorded under no_alloc or of zero size (Allocated reports that
// case); an id beyond this Context's object table panics.
func (c *Context) Bytes(id ID) []byte {
	o := c.objects[id]
	if o.end == o.start {
		return nil
	}
	if o.region != nil {
		return o.region.buf[o.start:o.end]
	}
	return c.buf[o.start:o.end]
}

// Allocated reports whether id has real backing storage (false under
// no_alloc, or for a zero-sized object).
func (c *Context) Allocated(id ID) bool {
	o := c.objects[id]
	return o.end > o.start
}

// Kind reports the kind an object was allocated with.
func (c *Context) Kind(id ID) Kind {
	return c.objects[id].kind
}

// ScratchPush activates a new scratch region backed by buf; it is popped
// with ScratchPop. Scratch is used to place large, short-lived tensor
// storage (matmul requantisation buffers, im2col tables) outside the main
// arena so it can be reclaimed without tearing down the whole context.
func (c *Context) ScratchPush(buf []byte) {
	c.scratch = append(c.scratch, &scratchRegion{buf: buf})
}

// ScratchPop deactivates the most recently pushed scratch region. Objects
// already allocated from it remain valid (their bytes are unchanged) until
// the whole Context is freed, but no further allocations will land there
// once a new region is pushed or none remains.
func (c *Context) ScratchPop() {
	if len(c.scratch) == 0 {
		return
	}
	c.scratch = c.scratch[:len(c.scratch)-1]
}

// Remaining reports the number of unallocated bytes in the main buffer.
func (c *Context) Remaining() int {
	return len(c.buf) - c.offset
}

// Free invalidates every object in the context. Callers must not use any ID
// obtained from this Context afterwards; Go's GC reclaims the backing
// buffers once the last reference drops; Free exists to document the
// teardown point and to make use-after-free a detectable panic, not
// undefined behaviour.
func (c *Context) Free() {
	slog.Debug("arena: free context", "name", c.Name, "id", c.ID)
	c.buf = nil
	c.objects = nil
	c.scratch = nil
}
