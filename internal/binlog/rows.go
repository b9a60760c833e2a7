package binlog

import (
	"encoding/json"
	"fmt"
	"time"

	"project-feed/internal/models"
)

// AfterImages picks the new row images from an update event, whose rows alternate
// [old_row_1, new_row_1, old_row_2, new_row_2, ...]
func AfterImages(rows [][]interface{}) [][]interface{} {
	out := make([][]interface{}, 0, len(rows)/2)
	for i := 1; i < len(rows); i += 2 {
		out = append(out, rows[i])
	}
	return out
}

// createdColumn is the only column whose string values are read as timestamps
const createdColumn = "date_created"

// RowPayload renders a binlog row as the record snapshot JSON the feed parses
func RowPayload(columns []string, row []interface{}) ([]byte, error) {
	snapshot := make(map[string]interface{}, len(columns))
	for i := 0; i < len(row) && i < len(columns); i++ {
		value := convertValue(row[i])
		if columns[i] == createdColumn {
			value = normalizeTimestamp(value)
		}
		snapshot[columns[i]] = value
	}
	if _, ok := snapshot["proid"]; !ok {
		return nil, fmt.Errorf("row has no proid column (%d columns)", len(columns))
	}
	return json.Marshal(snapshot)
}

func convertValue(value interface{}) interface{} {
	switch v := value.(type) {
	case []byte:
		// TEXT columns arrive as raw bytes
		return string(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

// normalizeTimestamp rewrites a DATETIME string, which arrives without a zone, as RFC 3339
func normalizeTimestamp(value interface{}) interface{} {
	s, ok := value.(string)
	if !ok {
		return value
	}
	if t, err := models.ParseTimestamp(s); err == nil {
		return t.Format(time.RFC3339Nano)
	}
	return s
}
