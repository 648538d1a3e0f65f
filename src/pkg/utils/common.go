package utils

import (
	"cmp"
	"math/rand"
	"slices"
)

type integer interface {
	~int | ~int32 | ~int64 | ~uint | ~uint32 | ~uint64
}

func Must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}

	return v
}

// GenerateUniqueInts returns n distinct values from [lo, hi) in random order.
func GenerateUniqueInts[T integer](n int, lo, hi T) []T {
	seen := make(map[T]struct{}, n)
	res := make([]T, 0, n)
	for len(res) < n {
		v := lo + T(rand.Int63n(int64(hi-lo)))
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		res = append(res, v)
	}
	return res
}

func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
