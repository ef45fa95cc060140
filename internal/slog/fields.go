package slog

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// LogFormatter lets a value control its own log representation.
type LogFormatter interface {
	FormatLog() string
}

// writeOrderedFields renders fields as space-separated key=value pairs in
// sorted key order, per spec.md §6 ("a short code... followed by key=value
// fields"). Deterministic ordering makes log lines diffable and greppable.
func writeOrderedFields(b *strings.Builder, m map[string]interface{}) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for i, k := range keys {
		if i != 0 {
			b.WriteRune(' ')
		}
		b.WriteString(k)
		b.WriteRune('=')
		b.WriteString(formatValue(m[k]))
	}
}

func formatValue(v interface{}) string {
	switch casted := v.(type) {
	case string:
		if strings.ContainsAny(casted, " \t\"") {
			return strconv.Quote(casted)
		}
		return casted
	case time.Time:
		return casted.UTC().Format(time.RFC3339)
	case time.Duration:
		return casted.String()
	case LogFormatter:
		return casted.FormatLog()
	case error:
		return strconv.Quote(casted.Error())
	case fmt.Stringer:
		return casted.String()
	default:
		return fmt.Sprint(v)
	}
}
