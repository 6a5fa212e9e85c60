package profilestore

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CurrentSchemaVersion is written into every encoded record.
const CurrentSchemaVersion = 1

// ErrVersionMismatch is returned when a stored record has a schema version
// this build cannot read.
var ErrVersionMismatch = errors.New("profile record version mismatch")

func encodeRecord(rec Record) ([]byte, error) {
	rec.SchemaVersion = CurrentSchemaVersion
	return json.Marshal(rec)
}

func decodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, err
	}
	if rec.SchemaVersion != CurrentSchemaVersion {
		return Record{}, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, rec.SchemaVersion, CurrentSchemaVersion)
	}
	return rec, nil
}
