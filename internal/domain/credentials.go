package domain

import "time"

// Credentials holds the per-user secrets. GoogleToken is an opaque JSON blob
// owned by the calendar adapter.
type Credentials struct {
	UserID           UserID
	TogglAPIToken    string
	GoogleToken      string
	Timezone         string
	LastMetadataSync *time.Time
	UpdatedAt        time.Time
}

// Connected reports whether a Google token is stored.
func (c Credentials) Connected() bool { return c.GoogleToken != "" }
