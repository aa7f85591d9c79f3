package topicstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pebblestore "github.com/mdedetrich/nakadi/internal/storage/pebble"
)

// streamMeta is persisted per stream under streams/{name}.
type streamMeta struct {
	Name           string `json:"name"`
	Partitions     int    `json:"partitions"`
	RetentionAgeMs int64  `json:"retention_age_ms,omitempty"`
	RetentionBytes int64  `json:"retention_bytes,omitempty"`
	CreatedAtMs    int64  `json:"created_at_ms"`
}

var streamMetaPrefix = []byte("streams/")

func streamMetaKey(name string) []byte {
	k := make([]byte, 0, len(streamMetaPrefix)+len(name))
	k = append(k, streamMetaPrefix...)
	return append(k, name...)
}

func readStreamMeta(db *pebblestore.DB, name string) (streamMeta, bool, error) {
	b, err := db.Get(streamMetaKey(name))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return streamMeta{}, false, nil
	}
	if err != nil {
		return streamMeta{}, false, err
	}
	var m streamMeta
	if err := json.Unmarshal(b, &m); err != nil {
		return streamMeta{}, false, fmt.Errorf("stream %s: corrupt metadata: %w", name, err)
	}
	return m, true, nil
}

func writeStreamMeta(db *pebblestore.DB, m streamMeta) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return db.Set(streamMetaKey(m.Name), b)
}

func (m streamMeta) retentionAge() time.Duration {
	return time.Duration(m.RetentionAgeMs) * time.Millisecond
}
