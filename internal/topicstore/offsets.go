package topicstore

import (
	"cmp"
	"strconv"

	"github.com/mdedetrich/nakadi/internal/problems"
)

// BeginOffset sorts before every event offset of a partition.
const BeginOffset = "BEGIN"

// ParseOffset parses BeginOffset (as -1) or a non-negative decimal.
func ParseOffset(partition, s string) (int64, error) {
	if s == BeginOffset {
		return -1, nil
	}
	if s == "" {
		return 0, problems.InvalidCursor(problems.CursorNullOffset, partition, s, nil)
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, problems.InvalidCursor(problems.CursorInvalidFormat, partition, s, err)
	}
	return v, nil
}

// FormatOffset is the inverse of ParseOffset.
func FormatOffset(v int64) string {
	if v < 0 {
		return BeginOffset
	}
	return strconv.FormatInt(v, 10)
}

// CompareOffsets orders offsets that share the BEGIN/decimal encoding.
func CompareOffsets(a, b string) (int, error) {
	av, err := ParseOffset("", a)
	if err != nil {
		return 0, err
	}
	bv, err := ParseOffset("", b)
	if err != nil {
		return 0, err
	}
	return cmp.Compare(av, bv), nil
}

// CheckRange validates offset against a partition's committable range.
// Offsets outside it are reported as CursorUnavailable.
func CheckRange(p Partition, offset string) error {
	v, err := ParseOffset(p.ID, offset)
	if err != nil {
		return err
	}
	if v < 0 {
		return nil
	}
	oldest, _ := ParseOffset(p.ID, p.Oldest)
	newest, _ := ParseOffset(p.ID, p.Newest)
	if v < oldest || v > newest {
		return problems.InvalidCursor(problems.CursorUnavailable, p.ID, offset, nil)
	}
	return nil
}

// FindPartition looks up id in parts.
func FindPartition(parts []Partition, id string) (Partition, bool) {
	for _, p := range parts {
		if p.ID == id {
			return p, true
		}
	}
	return Partition{}, false
}
