package core

import (
	"context"
	"log"
	"strings"
)

// EmergencyLocation marks stand-by duty days.
const EmergencyLocation = "비상"

// PortalSource is the subset of XcrewClient the sync needs.
type PortalSource interface {
	GetSchedule(ctx context.Context, date, employeeName string) ([]RosterEntry, error)
	GetDiaInfo(ctx context.Context, date, knownID string) (DiaInfo, error)
}

// PortalSession is a PortalSource that can also be asked to log in up front.
type PortalSession interface {
	PortalSource
	Authenticate(ctx context.Context) error
}

var _ PortalSession = (*XcrewClient)(nil)

// PortalFactory builds a fresh portal session for one employee's credentials.
type PortalFactory func(employeeID, password string) PortalSession

// NewPortalFactory returns a PortalFactory producing XcrewClients for cfg.
func NewPortalFactory(cfg PortalConfig) PortalFactory {
	return func(employeeID, password string) PortalSession {
		return NewXcrewClient(cfg, employeeID, password)
	}
}

// ScheduleSyncer mirrors a month of portal data into the schedule store.
type ScheduleSyncer struct {
	store ScheduleStore
	limit int
}

func NewScheduleSyncer(store ScheduleStore, limit int) *ScheduleSyncer {
	if limit <= 0 {
		limit = 5
	}
	return &ScheduleSyncer{store: store, limit: limit}
}

type dayLocation struct {
	date     string
	location string
}

// Sync fetches the roster for date, pulls the duty diagram of every working
// day concurrently, stores diagrams and derived locations, and stores the
// enriched roster. A failing day is logged and skipped.
func (s *ScheduleSyncer) Sync(ctx context.Context, portal PortalSource, username, date, employeeName string) ([]RosterEntry, error) {
	schedule, err := portal.GetSchedule(ctx, date, employeeName)
	if err != nil {
		return nil, err
	}

	days := WorkingDays(schedule)
	found, err := RunBounded(ctx, days, s.limit, func(ctx context.Context, item RosterEntry) (dayLocation, error) {
		day := item.Date()
		loc, err := s.syncDay(ctx, portal, username, day, item.DiaNo())
		if err != nil {
			log.Printf("sync: dia for %s user=%s failed: %v", day, username, err)
			return dayLocation{date: day}, nil
		}
		return dayLocation{date: day, location: loc}, nil
	})
	if err != nil {
		return nil, err
	}

	locations := make(map[string]string, len(found))
	for _, f := range found {
		if f.location != "" {
			locations[f.date] = f.location
		}
	}
	ApplyLocations(schedule, locations)

	if err := s.store.SaveSchedule(ctx, username, date, schedule); err != nil {
		return nil, err
	}
	log.Printf("sync: user=%s date=%s entries=%d working=%d located=%d", username, date, len(schedule), len(days), len(locations))
	return schedule, nil
}

func (s *ScheduleSyncer) syncDay(ctx context.Context, portal PortalSource, username, day, diaNo string) (string, error) {
	dia, err := portal.GetDiaInfo(ctx, day, diaNo)
	if err != nil {
		return "", err
	}
	if dia == nil {
		return "", nil
	}
	if err := s.store.SaveDia(ctx, username, day, dia); err != nil {
		return "", err
	}
	loc := ExtractLocation(dia)
	if loc == "" {
		return "", nil
	}
	if err := s.store.SaveWorkingLocation(ctx, username, day, loc); err != nil {
		return "", err
	}
	return loc, nil
}

// Cached returns the stored roster for date with the month's stored
// working locations applied. A nil slice means nothing has been synced.
func (s *ScheduleSyncer) Cached(ctx context.Context, username, date string) ([]RosterEntry, error) {
	schedule, err := s.store.LoadSchedule(ctx, username, date)
	if err != nil || schedule == nil {
		return schedule, err
	}
	month := date
	if len(month) > 6 {
		month = month[:6]
	}
	locations, err := s.store.WorkingLocations(ctx, username, month)
	if err != nil {
		return nil, err
	}
	ApplyLocations(schedule, locations)
	return schedule, nil
}

// WorkingDays keeps entries with a real diagram number: present, not "S"
// (rest day) and not starting with "~".
func WorkingDays(schedule []RosterEntry) []RosterEntry {
	var out []RosterEntry
	for _, e := range schedule {
		p := e.DiaNo()
		if p == "" || p == "S" || strings.HasPrefix(p, "~") {
			continue
		}
		out = append(out, e)
	}
	return out
}

// ApplyLocations sets the location field of entries whose date has one.
func ApplyLocations(schedule []RosterEntry, locations map[string]string) {
	for _, e := range schedule {
		if loc, ok := locations[e.Date()]; ok && loc != "" {
			e.SetLocation(loc)
		}
	}
}

// ExtractLocation derives where a duty starts: the emergency marker when the
// first leg is a stand-by, else the first leg naming a departure station.
func ExtractLocation(dia DiaInfo) string {
	segments := dia.Segments()
	if len(segments) == 0 {
		return ""
	}
	if stringField(segments[0]["pjtHrDvNm"]) == EmergencyLocation {
		return EmergencyLocation
	}
	for _, seg := range segments {
		if nm := stringField(seg["dptStnNm"]); nm != "" {
			return nm
		}
		if nm := stringField(seg["depStnNm"]); nm != "" {
			return nm
		}
	}
	return ""
}
