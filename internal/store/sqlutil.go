package store

import (
	"fmt"
	"strings"
)

// inClause expands a single %s in format into a placeholder list for ids.
func inClause(format string, ids []int64, leading ...any) (string, []any) {
	args := make([]any, 0, len(leading)+len(ids))
	args = append(args, leading...)
	for _, id := range ids {
		args = append(args, id)
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	return fmt.Sprintf(format, marks), args
}
