package audit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(actor, action string, at time.Time) *Record {
	return &Record{
		ID:            NewID(at),
		OccurredAt:    at,
		ActorUserID:   actor,
		OrgID:         "org-1",
		ActionKey:     action,
		ResourceType:  "drawing",
		ResourceID:    "d-1",
		Decision:      DecisionAllow,
		ReasonCode:    "role_permission",
		PolicyVersion: 3,
	}
}

func TestRecord_Validate(t *testing.T) {
	base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		mutate func(r *Record)
	}{
		{"missing id", func(r *Record) { r.ID = "" }},
		{"missing time", func(r *Record) { r.OccurredAt = time.Time{} }},
		{"missing actor", func(r *Record) { r.ActorUserID = "" }},
		{"missing action", func(r *Record) { r.ActionKey = "" }},
		{"bad decision", func(r *Record) { r.Decision = "maybe" }},
		{"missing reason", func(r *Record) { r.ReasonCode = "" }},
	}

	require.NoError(t, testRecord("u1", "project.drawings.read", base).Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testRecord("u1", "project.drawings.read", base)
			tt.mutate(rec)
			err := rec.Validate()
			assert.True(t, errors.Is(err, ErrInvalidRecord))
		})
	}
}

func TestNewID_SortsByTime(t *testing.T) {
	base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	a := NewID(base)
	b := NewID(base)
	c := NewID(base.Add(time.Millisecond))

	assert.Len(t, a, 26)
	assert.Less(t, a, b)
	assert.Less(t, b, c)
}

func TestFilter_Matches(t *testing.T) {
	base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	rec := testRecord("u1", "project.drawings.read", base)
	rec.ImpersonationSessionID = "s1"
	rec.EffectiveUserID = "u2"

	before := base.Add(-time.Minute)
	after := base.Add(time.Minute)

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty", Filter{}, true},
		{"time window", Filter{Since: &before, Until: &after}, true},
		{"until is exclusive", Filter{Until: &base}, false},
		{"actor", Filter{ActorUserID: "u1"}, true},
		{"other actor", Filter{ActorUserID: "u9"}, false},
		{"effective user", Filter{EffectiveUserID: "u2"}, true},
		{"action set", Filter{ActionKeys: []string{"x.y", "project.drawings.read"}}, true},
		{"action miss", Filter{ActionKeys: []string{"x.y"}}, false},
		{"decision", Filter{Decision: DecisionDeny}, false},
		{"reason", Filter{ReasonCodes: []string{"role_permission"}}, true},
		{"session", Filter{ImpersonationSessionID: "s1"}, true},
		{"after id", Filter{AfterID: rec.ID}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(rec))
		})
	}
}

func TestParseExportFormat(t *testing.T) {
	f, err := ParseExportFormat("")
	require.NoError(t, err)
	assert.Equal(t, ExportFormatNDJSON, f)

	f, err = ParseExportFormat("csv")
	require.NoError(t, err)
	assert.Equal(t, "text/csv", f.ContentType())

	_, err = ParseExportFormat("xml")
	assert.Error(t, err)
}
