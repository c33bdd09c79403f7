package api

// Change is one event from a changefeed. OldVal is nil for inserts, NewVal is
// nil for deletes.
type Change struct {
	OldVal Record `json:"old_val"`
	NewVal Record `json:"new_val"`
}
