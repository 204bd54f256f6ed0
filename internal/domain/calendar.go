package domain

// Calendar is a Google calendar the user allowed us to write to.
type Calendar struct {
	UserID     UserID
	ID         int64  // local id
	CalendarID string // Google calendar id
	Name       string
	IsDefault  bool
}

// RemoteCalendar is a calendar as listed by the provider.
type RemoteCalendar struct {
	ID         string
	Summary    string
	AccessRole string // owner, writer, reader, freeBusyReader
	Primary    bool
}

// Writable reports whether events can be written to the calendar.
func (c RemoteCalendar) Writable() bool {
	return c.AccessRole == "owner" || c.AccessRole == "writer"
}
