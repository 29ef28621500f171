// Package fingerprint computes stable hashes used to group retried units
// for locality when the store breaks ties during pop_units.
package fingerprint

import (
	"fmt"

	"github.com/spaolacci/murmur3"
)

// Of returns a stable 64-bit fingerprint for a (file, run, lumi) triple.
func Of(fileID string, run, lumi int) uint64 {
	key := fmt.Sprintf("%s\x00%d\x00%d", fileID, run, lumi)
	return murmur3.Sum64([]byte(key))
}
