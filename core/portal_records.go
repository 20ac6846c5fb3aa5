package core

import (
	"encoding/json"
	"fmt"
)

// RosterEntry is one day of a crew member's roster as served by the portal.
// The object is passed through untouched apart from the location field.
type RosterEntry map[string]any

// Date is the entry's pjtDt (YYYYMMDD).
func (e RosterEntry) Date() string { return stringField(e["pjtDt"]) }

// DiaNo is the duty diagram number (pdiaNo) assigned for the day.
func (e RosterEntry) DiaNo() string { return stringField(e["pdiaNo"]) }

// SetLocation records the derived working location.
func (e RosterEntry) SetLocation(location string) { e["location"] = location }

// DiaInfo is the portal's duty diagram detail for one day.
type DiaInfo map[string]any

// Segments returns the diagram legs, whichever key the portal used.
func (d DiaInfo) Segments() []map[string]any {
	raw, ok := d["data"].([]any)
	if !ok {
		raw, _ = d["extrCrewDiaList"].([]any)
	}
	out := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if m, ok := v.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func stringField(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
