package pattern

import (
	"gonum.org/v1/gonum/stat/combin"
)

// permute calls try with every non-identity permutation of n elements until
// it returns true. The identity order is the caller's first attempt.
func (m *Matcher) permute(n int, try func(perm []int) bool) bool {
	gen := combin.NewPermutationGenerator(n, n)
	perm := make([]int, n)
	for gen.Next() {
		gen.Permutation(perm)
		if isIdentity(perm) {
			continue
		}
		permutationsTried.Inc()
		if try(perm) {
			return true
		}
	}
	return false
}

func isIdentity(perm []int) bool {
	for i, p := range perm {
		if i != p {
			return false
		}
	}
	return true
}
