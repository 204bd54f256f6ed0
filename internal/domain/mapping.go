package domain

import "fmt"

// EntityType is the kind of Toggl entity a mapping applies to.
type EntityType string

const (
	EntityTag          EntityType = "tag"
	EntityProject      EntityType = "project"
	EntityWorkspace    EntityType = "workspace"
	EntityOrganization EntityType = "organization"
)

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case EntityTag, EntityProject, EntityWorkspace, EntityOrganization:
		return true
	}
	return false
}

// EntityMapping assigns a calendar and color to entries matching a Toggl
// entity. Unique per (user, entity type, entity id).
type EntityMapping struct {
	UserID       UserID
	ID           int64
	EntityType   EntityType
	EntityID     int64
	EntityName   string // display only
	CalendarID   *int64 // nil keeps the default calendar
	Color        Color
	ProcessOrder int // lower = higher priority among mappings of one type
}

func (m EntityMapping) String() string {
	return fmt.Sprintf("%s:%s -> %s", m.EntityType, m.EntityName, m.Color.Name())
}

// Color is a Google Calendar event color id ("1".."11"). The empty Color
// leaves the calendar's own color in place.
type Color string

const (
	ColorNone      Color = ""
	ColorLavender  Color = "1"
	ColorSage      Color = "2"
	ColorGrape     Color = "3"
	ColorFlamingo  Color = "4"
	ColorBanana    Color = "5"
	ColorTangerine Color = "6"
	ColorPeacock   Color = "7"
	ColorGraphite  Color = "8"
	ColorBlueberry Color = "9"
	ColorBasil     Color = "10"
	ColorTomato    Color = "11"

	// ColorRunning marks entries whose timer is still running.
	ColorRunning = ColorGraphite
)

var colorNames = map[Color]string{
	ColorLavender:  "Lavender",
	ColorSage:      "Sage",
	ColorGrape:     "Grape",
	ColorFlamingo:  "Flamingo",
	ColorBanana:    "Banana",
	ColorTangerine: "Tangerine",
	ColorPeacock:   "Peacock",
	ColorGraphite:  "Graphite",
	ColorBlueberry: "Blueberry",
	ColorBasil:     "Basil",
	ColorTomato:    "Tomato",
}

// Name returns the Google display name of the color.
func (c Color) Name() string {
	if n, ok := colorNames[c]; ok {
		return n
	}
	return "Default"
}

// ColorByName looks up a color by its display name.
func ColorByName(name string) (Color, bool) {
	for c, n := range colorNames {
		if n == name {
			return c, true
		}
	}
	return ColorNone, false
}
