package logits

// History is a record of accepted tokens, oldest first. A bounded history
// overwrites its oldest entry once full.
type History struct {
	buf   []int32
	limit int
	start int
}

// NewHistory keeps up to capacity tokens. capacity <= 0 means unbounded.
func NewHistory(capacity int) *History {
	return &History{limit: max(capacity, 0)}
}

func (h *History) Push(id int32) {
	if h.limit == 0 || len(h.buf) < h.limit {
		h.buf = append(h.buf, id)
		return
	}
	h.buf[h.start] = id
	h.start = (h.start + 1) % h.limit
}

func (h *History) Len() int { return len(h.buf) }

// Last returns up to n of the most recent tokens, oldest first. n < 0
// returns everything.
func (h *History) Last(n int) []int32 {
	size := len(h.buf)
	if n < 0 || n > size {
		n = size
	}
	out := make([]int32, n)
	for i := range n {
		out[i] = h.buf[(h.start+size-n+i)%size]
	}
	return out
}

func (h *History) Reset() {
	h.buf = h.buf[:0]
	h.start = 0
}
