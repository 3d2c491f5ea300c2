package mqtt

import "strconv"

func stringSet(ss []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		m[s] = struct{}{}
	}
	return m
}

func has(set map[string]struct{}, k string) bool {
	_, ok := set[k]
	return ok
}

func formatInt(i int64) string { return strconv.FormatInt(i, 10) }
