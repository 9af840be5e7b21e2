// Package comm provides the message-passing substrate for distributed
// assembly. Each mesh partition runs as one worker goroutine holding a
// rank handle; workers exchange ghost data through buffered point-to-point
// channels and synchronize through rank-ordered collective reductions.
package comm

import (
	"fmt"
	"sync"
)

type message struct {
	tag  int
	data []float64
}

// Group owns the communication state shared by all ranks. One Group is
// created per solve and handed to each worker via Rank().
type Group struct {
	size  int
	pipes [][]chan message // pipes[src][dst]

	// collective reduction state, reused across generations
	mu      sync.Mutex
	cond    *sync.Cond
	contrib [][]float64
	arrived int
	departed int
	gen     int
	result  []float64
}

// NewGroup creates a communicator group for the given number of ranks.
func NewGroup(size int) *Group {
	if size < 1 {
		panic(fmt.Sprintf("comm: invalid group size %d", size))
	}
	pipes := make([][]chan message, size)
	for i := range pipes {
		pipes[i] = make([]chan message, size)
		for j := range pipes[i] {
			pipes[i][j] = make(chan message, 16)
		}
	}
	g := &Group{
		size:    size,
		pipes:   pipes,
		contrib: make([][]float64, size),
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Size returns the number of ranks in the group.
func (g *Group) Size() int { return g.size }

// Rank returns the communicator handle for the given rank.
func (g *Group) Rank(rank int) *Comm {
	if rank < 0 || rank >= g.size {
		panic(fmt.Sprintf("comm: rank %d out of range [0,%d)", rank, g.size))
	}
	return &Comm{group: g, rank: rank}
}

// Comm is one rank's view of the group. A Comm must only be used by the
// goroutine that owns the rank.
type Comm struct {
	group *Group
	rank  int
}

func (c *Comm) Rank() int { return c.rank }
func (c *Comm) Size() int { return c.group.size }

// Request tracks an in-flight exchange. Wait is the completion point of
// the two-phase begin/end protocol.
type Request struct {
	done chan struct{}
	recv chan message
	tag  int
	dst  []float64
}

// Isend starts a non-blocking send of data to dest. The data slice is
// copied before the call returns, so the caller may reuse it.
func (c *Comm) Isend(dest, tag int, data []float64) *Request {
	buf := make([]float64, len(data))
	copy(buf, data)
	req := &Request{done: make(chan struct{})}
	pipe := c.group.pipes[c.rank][dest]
	go func() {
		pipe <- message{tag: tag, data: buf}
		close(req.done)
	}()
	return req
}

// Irecv posts a non-blocking receive from src into dst. The receive
// completes when Wait returns; dst must not be read before that.
func (c *Comm) Irecv(src, tag int, dst []float64) *Request {
	return &Request{
		recv: c.group.pipes[src][c.rank],
		tag:  tag,
		dst:  dst,
	}
}

// Wait blocks until the exchange completes. For receives, the next
// message on the ordered pair channel must carry the expected tag:
// mismatches indicate a protocol error in the caller.
func (r *Request) Wait() error {
	if r.recv == nil {
		<-r.done
		return nil
	}
	msg := <-r.recv
	if msg.tag != r.tag {
		return fmt.Errorf("comm: tag mismatch: got %d, want %d", msg.tag, r.tag)
	}
	if len(msg.data) != len(r.dst) {
		return fmt.Errorf("comm: length mismatch: got %d, want %d", len(msg.data), len(r.dst))
	}
	copy(r.dst, msg.data)
	return nil
}

// AllReduceSum sums vals element-wise across all ranks and returns the
// result to every rank. Contributions are accumulated in rank order so
// the floating-point result is identical on all ranks.
func (c *Comm) AllReduceSum(vals []float64) []float64 {
	g := c.group
	if g.size == 1 {
		out := make([]float64, len(vals))
		copy(out, vals)
		return out
	}

	g.mu.Lock()
	// wait for the previous generation to fully drain
	for g.departed > 0 {
		g.cond.Wait()
	}
	buf := make([]float64, len(vals))
	copy(buf, vals)
	g.contrib[c.rank] = buf
	g.arrived++
	gen := g.gen
	if g.arrived == g.size {
		sum := make([]float64, len(vals))
		for rank := 0; rank < g.size; rank++ {
			for i, v := range g.contrib[rank] {
				sum[i] += v
			}
			g.contrib[rank] = nil
		}
		g.result = sum
		g.arrived = 0
		g.departed = g.size
		g.gen++
		g.cond.Broadcast()
	} else {
		for gen == g.gen {
			g.cond.Wait()
		}
	}
	out := make([]float64, len(vals))
	copy(out, g.result)
	g.departed--
	if g.departed == 0 {
		g.cond.Broadcast()
	}
	g.mu.Unlock()
	return out
}

// AllReduceScalarSum is AllReduceSum for a single value.
func (c *Comm) AllReduceScalarSum(v float64) float64 {
	return c.AllReduceSum([]float64{v})[0]
}

// Barrier blocks until every rank has entered it.
func (c *Comm) Barrier() {
	c.AllReduceSum(nil)
}

// Run executes fn on every rank of a fresh group of the given size,
// one goroutine per rank, and blocks until all ranks return.
func Run(size int, fn func(c *Comm)) {
	g := NewGroup(size)
	var wg sync.WaitGroup
	wg.Add(size)
	for rank := 0; rank < size; rank++ {
		go func(rank int) {
			defer wg.Done()
			fn(g.Rank(rank))
		}(rank)
	}
	wg.Wait()
}
