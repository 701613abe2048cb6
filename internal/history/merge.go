package history

import "sort"

// Merge folds incoming into existing by identity. Entries already present
// are kept as-is, so redundant replays and out-of-order deliveries converge
// to the same sequence-ordered slice.
func Merge[T any](existing, incoming []T, key func(T) int64) []T {
	seen := make(map[int64]struct{}, len(existing)+len(incoming))
	out := make([]T, 0, len(existing)+len(incoming))
	for _, item := range existing {
		k := key(item)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, item)
	}
	for _, item := range incoming {
		k := key(item)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, item)
	}
	sort.SliceStable(out, func(i, j int) bool { return key(out[i]) < key(out[j]) })
	return out
}
