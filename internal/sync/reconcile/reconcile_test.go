// Package reconcile provides unit tests for the server-wins merge logic.
package reconcile

import (
	"testing"

	"github.com/diabetactic/glucotrack-core/internal/models"
	"github.com/diabetactic/glucotrack-core/internal/remote"
)

func TestDecideInsertWhenNoLocalMatch(t *testing.T) {
	rr := remote.RemoteReading{ID: 1, Value: 100, Date: "2026-08-30T08:00:00Z"}
	if got := Decide(nil, rr); got != ActionInsert {
		t.Errorf("Expected insert, got %s", got)
	}
}

func TestDecideIgnoreWhenPayloadsAgree(t *testing.T) {
	local := &models.Reading{RemoteID: 1, Value: 100, Notes: "n", MealContext: "fasting"}
	rr := remote.RemoteReading{ID: 1, Value: 100, Notes: "n", MealContext: "fasting"}
	if got := Decide(local, rr); got != ActionIgnore {
		t.Errorf("Expected ignore, got %s", got)
	}
}

func TestDecideOverwriteOnDivergence(t *testing.T) {
	cases := []struct {
		name   string
		local  models.Reading
		remote remote.RemoteReading
	}{
		{"value", models.Reading{Value: 100}, remote.RemoteReading{Value: 105}},
		{"notes", models.Reading{Value: 100, Notes: "a"}, remote.RemoteReading{Value: 100, Notes: "b"}},
		{"meal context", models.Reading{Value: 100, MealContext: "fasting"}, remote.RemoteReading{Value: 100, MealContext: "postmeal"}},
	}
	for _, c := range cases {
		if got := Decide(&c.local, c.remote); got != ActionOverwrite {
			t.Errorf("%s divergence: expected overwrite, got %s", c.name, got)
		}
	}
}

func TestReadingFromRemote(t *testing.T) {
	rr := remote.RemoteReading{
		ID:    7,
		Value: 200,
		Date:  "2026-08-30T08:15:00+02:00",
		Notes: "after breakfast",
	}

	reading, err := ReadingFromRemote(rr)
	if err != nil {
		t.Fatalf("ReadingFromRemote failed: %v", err)
	}
	if reading.RemoteID != 7 {
		t.Errorf("Expected remote id 7, got %d", reading.RemoteID)
	}
	if !reading.Synced || reading.IsLocalOnly {
		t.Error("Fetched readings must arrive synced and not local-only")
	}
	if reading.Unit != models.UnitMgDL {
		t.Errorf("Expected default unit mg/dL, got %s", reading.Unit)
	}
	if reading.Status != models.StatusHigh {
		t.Errorf("Expected status high for value 200, got %s", reading.Status)
	}
	if reading.TZOffsetSec != 7200 {
		t.Errorf("Expected offset 7200 from +02:00 date, got %d", reading.TZOffsetSec)
	}
}

func TestReadingFromRemoteRejectsBadDate(t *testing.T) {
	rr := remote.RemoteReading{ID: 7, Value: 100, Date: "yesterday"}
	if _, err := ReadingFromRemote(rr); err == nil {
		t.Error("Expected error for unparseable date")
	}
}

func TestMergeIntoOverwritesPayloadOnly(t *testing.T) {
	local := &models.Reading{
		ID:          "local-id",
		RemoteID:    3,
		Value:       100,
		Unit:        models.UnitMgDL,
		Notes:       "local note",
		MeasuredAt:  1700000000,
		TZOffsetSec: 0,
	}
	rr := remote.RemoteReading{
		ID:    3,
		Value: 140,
		Notes: "server note",
		Date:  "2026-08-30T10:00:00-05:00",
	}

	MergeInto(local, rr)

	if local.Value != 140 || local.Notes != "server note" {
		t.Errorf("Expected server payload to win, got %+v", local)
	}
	if local.ID != "local-id" || local.RemoteID != 3 {
		t.Error("Merge must not touch identity fields")
	}
	if local.TZOffsetSec != -18000 {
		t.Errorf("Expected offset -18000 from -05:00 date, got %d", local.TZOffsetSec)
	}
	// Empty remote unit keeps the local one
	if local.Unit != models.UnitMgDL {
		t.Errorf("Expected unit preserved, got %s", local.Unit)
	}
}
