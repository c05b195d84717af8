package store

import (
	"encoding/json"
	"fmt"
)

// AppendJSONL encodes v as a single JSON line and writes it into the store
// keyed by key (typically a sequence-number-derived key), giving the
// secondary event-log namespace the same crash-recovery guarantees as any
// other record: after a dirty shutdown, lines written since the last Flush
// are not recovered.
func (s *Store) AppendJSONL(key []byte, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal jsonl record: %w", err)
	}

	return s.Write(key, line)
}
