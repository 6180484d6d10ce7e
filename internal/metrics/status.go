package metrics

import (
	"cmp"
	"slices"
	"strconv"
)

// StatusBucket is one row of the failure breakdown: how many requests over
// Protocol ended with Code.
type StatusBucket struct {
	Protocol string
	Code     string
	Count    int
	// Transport is set when Code is an error kind rather than an HTTP status,
	// i.e. the request failed before a response arrived.
	Transport bool
}

// FlattenStatusBuckets turns Stats.StatusBuckets into rows ordered by
// descending count, then protocol, then code.
func FlattenStatusBuckets(buckets map[string]map[string]int) []StatusBucket {
	var rows []StatusBucket
	for protocol, codes := range buckets {
		for code, count := range codes {
			_, err := strconv.Atoi(code)
			rows = append(rows, StatusBucket{Protocol: protocol, Code: code, Count: count, Transport: err != nil})
		}
	}
	slices.SortFunc(rows, func(a, b StatusBucket) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Protocol, b.Protocol); c != 0 {
			return c
		}
		return cmp.Compare(a.Code, b.Code)
	})
	return rows
}
