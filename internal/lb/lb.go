package lb

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
)

// Strategy selects how a Balancer picks among eligible peers.
type Strategy uint8

const (
	WeightedRoundRobin Strategy = iota
	RoundRobin
	LeastConn
	Random
)

var strategyNames = [...]string{
	WeightedRoundRobin: "weighted_round_robin",
	RoundRobin:         "round_robin",
	LeastConn:          "least_conn",
	Random:             "random",
}

func (s Strategy) String() string {
	if int(s) < len(strategyNames) {
		return strategyNames[s]
	}
	return fmt.Sprintf("strategy(%d)", uint8(s))
}

// ParseStrategy maps a config name to a Strategy, "" means WeightedRoundRobin.
func ParseStrategy(s string) (Strategy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return WeightedRoundRobin, nil
	}
	for i, n := range strategyNames {
		if n == s {
			return Strategy(i), nil
		}
	}
	return 0, fmt.Errorf("unknown strategy %q", s)
}

// Peer is a selectable upstream.
type Peer interface {
	Weight() int
	Active() int64
	Available() bool
}

// Balancer keeps the selection state for one fixed list of peers.
type Balancer struct {
	strategy Strategy

	mu      sync.Mutex
	current []int // smooth WRR running weights, by peer index
	next    int   // round robin cursor
}

func New(s Strategy, n int) *Balancer {
	return &Balancer{strategy: s, current: make([]int, n)}
}

func (b *Balancer) Strategy() Strategy { return b.strategy }

// Next returns the index of the chosen peer, or -1 when no peer is
// available. Peers for which skip returns true are not considered.
func (b *Balancer) Next(peers []Peer, skip func(i int) bool) int {
	eligible := func(i int) bool {
		return peers[i].Available() && (skip == nil || !skip(i))
	}

	switch b.strategy {
	case RoundRobin:
		return b.roundRobin(len(peers), eligible)
	case LeastConn:
		return leastConn(peers, eligible)
	case Random:
		return random(len(peers), eligible)
	default:
		return b.smoothWRR(peers, eligible)
	}
}

// smoothWRR is the nginx smooth weighted round robin.
func (b *Balancer) smoothWRR(peers []Peer, eligible func(int) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.current) != len(peers) {
		b.current = make([]int, len(peers))
	}
	best, total := -1, 0
	for i, p := range peers {
		if !eligible(i) {
			continue
		}
		w := p.Weight()
		if w <= 0 {
			w = 1
		}
		b.current[i] += w
		total += w
		if best < 0 || b.current[i] > b.current[best] {
			best = i
		}
	}
	if best >= 0 {
		b.current[best] -= total
	}
	return best
}

func (b *Balancer) roundRobin(n int, eligible func(int) bool) int {
	if n == 0 {
		return -1
	}
	b.mu.Lock()
	start := b.next
	b.next = (b.next + 1) % n
	b.mu.Unlock()

	for k := 0; k < n; k++ {
		if i := (start + k) % n; eligible(i) {
			return i
		}
	}
	return -1
}

func leastConn(peers []Peer, eligible func(int) bool) int {
	best := -1
	var least int64
	for i, p := range peers {
		if !eligible(i) {
			continue
		}
		if a := p.Active(); best < 0 || a < least {
			best, least = i, a
		}
	}
	return best
}

func random(n int, eligible func(int) bool) int {
	if n == 0 {
		return -1
	}
	start := rand.Intn(n)
	for k := 0; k < n; k++ {
		if i := (start + k) % n; eligible(i) {
			return i
		}
	}
	return -1
}
