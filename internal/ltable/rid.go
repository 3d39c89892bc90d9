package ltable

import (
	"fmt"
	"strconv"
)

// BaseRID formats a base-record rid from its counter value.
func BaseRID(n uint64) string { return fmt.Sprintf("b%d", n) }

// TailRID formats a tail-record rid from its counter value.
func TailRID(n uint64) string { return fmt.Sprintf("t%d", n) }

// RIDSuffix parses the numeric suffix out of a "b<n>" or "t<n>" rid.
func RIDSuffix(rid string) (uint64, error) {
	if len(rid) < 2 {
		return 0, fmt.Errorf("ltable: malformed rid %q", rid)
	}
	return strconv.ParseUint(rid[1:], 10, 64)
}

// IsTailRID reports whether rid is a tail rid ("t" prefixed).
func IsTailRID(rid string) bool {
	return len(rid) > 0 && rid[0] == 't'
}
