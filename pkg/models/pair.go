package models

import "fmt"

// Pair is an unordered pair of business ids, stored with A < B.
type Pair struct {
	A string `json:"a"`
	B string `json:"b"`
}

// NewPair normalizes the id order so (x, y) and (y, x) are the same pair.
func NewPair(x, y string) Pair {
	if y < x {
		x, y = y, x
	}
	return Pair{A: x, B: y}
}

func (p Pair) String() string {
	return fmt.Sprintf("%s|%s", p.A, p.B)
}

// Contains reports whether id is one side of the pair.
func (p Pair) Contains(id string) bool {
	return p.A == id || p.B == id
}

// PairSet is a set of pairs, used to exclude pairs already merged.
type PairSet map[Pair]struct{}

func (s PairSet) Add(p Pair) {
	s[p] = struct{}{}
}

func (s PairSet) Has(p Pair) bool {
	if s == nil {
		return false
	}
	_, ok := s[p]
	return ok
}
