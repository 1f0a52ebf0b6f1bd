package api

import (
	"geo-drilldown-map/pkg/database"
	"geo-drilldown-map/pkg/mapview"
	"geo-drilldown-map/pkg/metrics"
)

// JournalSink accepts fetch journal rows; *database.JournalWriter is one.
type JournalSink interface {
	Record(database.FetchLog)
}

// JournalHook adapts finished map fetches to session.Hooks.Journal.  Either
// argument may be nil.
func JournalHook(sink JournalSink, m *metrics.Collector) func(string, mapview.FetchRecord) {
	return func(sessionID string, rec mapview.FetchRecord) {
		if m != nil {
			m.Transition(rec.Outcome)
		}
		if sink != nil {
			sink.Record(FetchLogEntry(sessionID, rec))
		}
	}
}

// FetchLogEntry converts one record into a journal row.
func FetchLogEntry(sessionID string, rec mapview.FetchRecord) database.FetchLog {
	return database.FetchLog{
		SessionID:  sessionID,
		RegionKey:  rec.Region.Key(),
		Level:      rec.Region.Level.String(),
		URLPath:    rec.URLPath,
		Outcome:    rec.Outcome,
		Status:     rec.Status,
		ElapsedMS:  rec.Elapsed.Milliseconds(),
		Generation: int64(rec.Generation),
		FetchedAt:  rec.At.Unix(),
		Error:      rec.Err,
	}
}
