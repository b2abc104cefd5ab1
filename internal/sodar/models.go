// Package sodar is the client for the landing zone service REST API.
package sodar

import (
	"fmt"
	"time"
)

// ZoneStatus is the server-side lifecycle state of a landing zone.
type ZoneStatus string

const (
	StatusCreating   ZoneStatus = "CREATING"
	StatusActive     ZoneStatus = "ACTIVE"
	StatusFailed     ZoneStatus = "FAILED"
	StatusValidating ZoneStatus = "VALIDATING"
	StatusMoving     ZoneStatus = "MOVING"
	StatusMoved      ZoneStatus = "MOVED"
	StatusDeleted    ZoneStatus = "DELETED"
)

// Usable reports whether a zone can still receive uploads. FAILED zones
// stay usable: a failed validation leaves the files in place.
func (s ZoneStatus) Usable() bool {
	return s == StatusActive || s == StatusFailed
}

// Terminal reports whether the zone can never become ACTIVE again.
func (s ZoneStatus) Terminal() bool {
	return s == StatusMoved || s == StatusDeleted || s == StatusFailed
}

// LandingZone is a server-managed staging area on the object grid.
type LandingZone struct {
	UUID         string     `json:"sodar_uuid"`
	Project      string     `json:"project"`
	Title        string     `json:"title"`
	Status       ZoneStatus `json:"status"`
	StatusInfo   string     `json:"status_info"`
	StatusLocked bool       `json:"status_locked"`
	// RootPath is the zone's root collection on the grid.
	RootPath     string    `json:"irods_path"`
	DateModified time.Time `json:"date_modified"`
}

// APIError is a non-2xx response from the zone service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("zone service returned %d: %s", e.StatusCode, e.Message)
}
