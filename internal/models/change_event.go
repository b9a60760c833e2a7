package models

// ChangeEvent represents a committed mutation of one record
type ChangeEvent struct {
	Seq    uint64 `json:"seq"` // assigned by the feed, monotonic per process
	Record Record `json:"data"`
}

// ID returns the id of the changed record
func (e ChangeEvent) ID() int64 {
	return e.Record.ID
}
