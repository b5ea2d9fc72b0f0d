// Package roomid derives stable conversation identifiers from participant key sets.
package roomid

import (
	"slices"

	"github.com/cespare/xxhash/v2"
)

// Normalize returns the participant keys sorted and deduplicated.
// Empty keys are dropped. The input slice is not modified.
func Normalize(participants []string) []string {
	out := make([]string, 0, len(participants))
	for _, pk := range participants {
		if pk != "" {
			out = append(out, pk)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Key hashes the normalized participant set into a 64-bit room id.
// The result does not depend on the order or multiplicity of the input.
func Key(participants []string) uint64 {
	d := xxhash.New()
	for _, pk := range Normalize(participants) {
		d.WriteString(pk)
		// separator so that {"ab","c"} and {"a","bc"} hash differently
		d.Write([]byte{0})
	}
	return d.Sum64()
}

// Equal reports whether a and b contain the same keys, ignoring order and duplicates.
func Equal(a, b []string) bool {
	return slices.Equal(Normalize(a), Normalize(b))
}
