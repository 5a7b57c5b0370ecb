// Package reconcile holds the pure merge logic used when remote readings
// are folded back into the local store.
//
// The policy is server-wins: remote writes only ever originate from this
// client's own earlier pushes, so divergence means a stale local cache and
// never a genuine concurrent edit. Overwriting is therefore safe and avoids
// a three-way merge.
package reconcile

import (
	"time"

	"github.com/diabetactic/glucotrack-core/internal/models"
	"github.com/diabetactic/glucotrack-core/internal/remote"
)

// Action is the per-record merge decision.
type Action int

const (
	// ActionInsert creates a new local reading from the remote record.
	ActionInsert Action = iota
	// ActionOverwrite replaces local payload fields with remote values.
	ActionOverwrite
	// ActionIgnore leaves the local reading untouched.
	ActionIgnore
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionOverwrite:
		return "overwrite"
	default:
		return "ignore"
	}
}

// Decide picks the merge action for one remote record. local is the reading
// whose remote id matches, or nil when none exists. Local-only readings
// never reach here: they carry no remote id, so no remote record can match
// them, and they are resolved exclusively by the push path.
func Decide(local *models.Reading, rr remote.RemoteReading) Action {
	if local == nil {
		return ActionInsert
	}
	if differs(local, rr) {
		return ActionOverwrite
	}
	return ActionIgnore
}

// differs compares the mutable payload fields between local and remote.
func differs(local *models.Reading, rr remote.RemoteReading) bool {
	if local.Value != rr.Value {
		return true
	}
	if local.Notes != rr.Notes {
		return true
	}
	if local.MealContext != rr.MealContext {
		return true
	}
	return false
}

// ReadingFromRemote maps a remote record onto a fresh local reading, synced
// by definition.
func ReadingFromRemote(rr remote.RemoteReading) (*models.Reading, error) {
	measured, err := rr.MeasuredAt()
	if err != nil {
		return nil, err
	}

	unit := rr.Unit
	if unit == "" {
		unit = models.UnitMgDL
	}

	_, offset := measured.Zone()
	return &models.Reading{
		RemoteID:    rr.ID,
		MeasuredAt:  measured.Unix(),
		TZOffsetSec: offset,
		Value:       rr.Value,
		Unit:        unit,
		MealContext: rr.MealContext,
		Notes:       rr.Notes,
		Status:      models.ClassifyStatus(rr.Value, unit),
		Synced:      true,
		IsLocalOnly: false,
	}, nil
}

// MergeInto overwrites the local reading's payload fields with remote
// values. The caller persists the result and re-marks it synced.
func MergeInto(local *models.Reading, rr remote.RemoteReading) {
	local.Value = rr.Value
	local.Notes = rr.Notes
	local.MealContext = rr.MealContext
	if rr.Unit != "" {
		local.Unit = rr.Unit
	}
	if measured, err := rr.MeasuredAt(); err == nil {
		local.MeasuredAt = measured.Unix()
		_, offset := measured.Zone()
		local.TZOffsetSec = offset
	}
	local.UpdatedAt = time.Now().Unix()
}
