package buf

import "sync"

// Pool is a size-classed byte-slice pool. Size classes are powers of two
// in [minClass, maxClass]; each class keeps a bounded free-list so a
// pathological workload cannot let the pool grow unbounded.
type Pool struct {
	mu      sync.Mutex
	classes map[int][][]byte
}

const (
	minClass    = 32              // 32 B
	maxClass    = 8 * 1024 * 1024 // 8 MiB
	maxPerClass = 64
)

// NewPool returns an empty pool. The zero value is not usable; always
// construct via NewPool so classes is initialized.
func NewPool() *Pool {
	return &Pool{classes: make(map[int][][]byte)}
}

func classFor(size int) int {
	c := minClass
	for c < size {
		c <<= 1
	}
	return c
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Get returns a zeroed buffer of at least size bytes, rounded up to the
// next power-of-two size class, reusing a pooled buffer when available.
func (p *Pool) Get(size int) []byte {
	if size <= 0 {
		size = minClass
	}
	class := classFor(size)
	if class > maxClass {
		// Oversize requests bypass the pool entirely.
		return make([]byte, size, size)
	}

	p.mu.Lock()
	freeList := p.classes[class]
	var buf []byte
	if n := len(freeList); n > 0 {
		buf = freeList[n-1]
		p.classes[class] = freeList[:n-1]
	}
	p.mu.Unlock()

	if buf == nil {
		return make([]byte, size, class)
	}
	buf = buf[:size]
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// Release returns buf to the pool. Non-power-of-two-capacity or
// over-capacity buffers are rejected (not pooled) to prevent a caller
// from poisoning a size class with a mis-sized slice.
func (p *Pool) Release(buf []byte) {
	class := cap(buf)
	if !isPowerOfTwo(class) || class < minClass || class > maxClass {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.classes[class]) >= maxPerClass {
		return
	}
	p.classes[class] = append(p.classes[class], buf[:0:class])
}
