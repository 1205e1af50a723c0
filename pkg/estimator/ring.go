package estimator

// ring is a fixed-capacity FIFO of float64 samples. Values returns them
// ordered oldest first.
type ring struct {
	buf   []float64
	start int
	n     int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]float64, capacity)}
}

func (r *ring) push(v float64) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) len() int { return r.n }

func (r *ring) reset() {
	r.start = 0
	r.n = 0
}

// at returns the i-th oldest value.
func (r *ring) at(i int) float64 {
	return r.buf[(r.start+i)%len(r.buf)]
}

// last returns the value k places before the newest (k=0 is the newest).
func (r *ring) last(k int) float64 {
	return r.at(r.n - 1 - k)
}

// values copies the contents into dst (reused if large enough), oldest first.
func (r *ring) values(dst []float64) []float64 {
	if cap(dst) < r.n {
		dst = make([]float64, r.n)
	}
	dst = dst[:r.n]
	for i := range r.n {
		dst[i] = r.at(i)
	}
	return dst
}

// tail copies the newest k values, oldest first.
func (r *ring) tail(dst []float64, k int) []float64 {
	if k > r.n {
		k = r.n
	}
	if cap(dst) < k {
		dst = make([]float64, k)
	}
	dst = dst[:k]
	for i := range k {
		dst[i] = r.at(r.n - k + i)
	}
	return dst
}
