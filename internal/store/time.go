package store

import (
	"fmt"
	"time"

	"project-feed/internal/models"
)

// timeValue scans creation timestamps from any of the supported drivers.
// pgx and mysql (parseTime) yield time.Time, sqlite stores fixed width text.
type timeValue struct {
	time.Time
}

func (v *timeValue) Scan(src any) error {
	var err error
	switch t := src.(type) {
	case time.Time:
		v.Time = t.UTC()
	case string:
		v.Time, err = models.ParseTimestamp(t)
	case []byte:
		v.Time, err = models.ParseTimestamp(string(t))
	case nil:
		v.Time = time.Time{}
	default:
		err = fmt.Errorf("unsupported time value %T", src)
	}
	return err
}
