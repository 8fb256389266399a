// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package models defines the shared domain types exchanged between the
// integration clients, the bulk sync engine, the tenant store, and the
// job health monitor.
//
// Upstream payloads are carried verbatim in Raw fields for auditability;
// nothing in this package owns a wire format beyond that pass-through.
package models

import (
	"github.com/goccy/go-json"
)

// IntegrationType identifies the upstream Student Information System family
// a tenant is connected to.
type IntegrationType string

// Supported integration types. Only PowerSchool and FACTS are implemented;
// the remaining values are recognized for session bookkeeping.
const (
	IntegrationPowerSchool IntegrationType = "powerschool"
	IntegrationFACTS       IntegrationType = "facts"
	IntegrationClever      IntegrationType = "clever"
	IntegrationVeracross   IntegrationType = "veracross"
)

// PluginCapability is the detected PowerSchool plugin variant. The bridge
// period lookup uses a different named query depending on which plugin
// version the district has installed.
type PluginCapability int

const (
	// PluginUnknown means the capability probe has not run yet.
	PluginUnknown PluginCapability = iota
	// PluginLegacy selects the original dailyschedule query.
	PluginLegacy
	// PluginFixed selects the studentschedulefordate query.
	PluginFixed
)

// String returns a human-readable capability name.
func (p PluginCapability) String() string {
	switch p {
	case PluginLegacy:
		return "legacy"
	case PluginFixed:
		return "fixed"
	default:
		return "unknown"
	}
}

// Session describes one tenant's connection to an upstream SIS.
// Exactly one session is active per tenant domain at a time within a
// process; reconnecting updates the session in place.
type Session struct {
	TenantDomain    string          `json:"tenantDomain"`
	IntegrationType IntegrationType `json:"integrationType"`
	BaseURL         string          `json:"baseUrl"`

	// OAuth client-credentials (PowerSchool family). The issued access
	// token itself lives in the credential store, never here.
	ClientID     string `json:"-"`
	ClientSecret string `json:"-"`

	// Static key material (FACTS family).
	APIKey          string `json:"-"`
	SubscriptionKey string `json:"-"`

	// Plugin is the capability detected by the fixed-plugin probe.
	Plugin PluginCapability `json:"plugin"`
}

// UserKind distinguishes roster entry types.
type UserKind string

const (
	UserKindStudent UserKind = "student"
	UserKindStaff   UserKind = "staff"
)

// RosterUser is one synchronized roster entry, keyed by ExternalID within a
// tenant's user cache. Re-fetches overwrite by id (last-write-wins).
type RosterUser struct {
	ExternalID  string          `json:"id"`
	Kind        UserKind        `json:"userType"`
	DisplayName string          `json:"name"`
	LocationID  string          `json:"locationId,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// Location is one school location as reported by the upstream SIS.
type Location struct {
	ID           string          `json:"id"`
	SchoolNumber int             `json:"schoolNumber,omitempty"`
	Name         string          `json:"name"`
	Raw          json.RawMessage `json:"location,omitempty"`
}

// ClassPeriod is one normalized class-meeting attendance row from the
// period-level attendance query.
type ClassPeriod struct {
	Comment   string `json:"comment"`
	Code      string `json:"code"`
	Day       string `json:"day"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
	StudentID int64  `json:"studentId"`
	PeriodID  int64  `json:"periodId"`
}

// DailySchedule is the single daily attendance template row, when present.
type DailySchedule struct {
	Code      string `json:"code"`
	Day       string `json:"day"`
	SchoolID  int    `json:"schoolId"`
	YearID    int    `json:"yearId"`
	StudentID int64  `json:"studentId"`
	Comment   string `json:"comment"`
}

// AttendanceTables carries the raw "tables" blob of one attendance-detail
// row: table name to column name to value, exactly as the upstream named
// query returned it.
type AttendanceTables map[string]map[string]any

// attendance-detail candidate field lookups are done against the attendance
// and attendance_code tables of the raw blob.
const (
	tableAttendance     = "attendance"
	tableAttendanceCode = "attendance_code"
)

// ModeCode returns the attendance mode code (e.g. "ATT_ModeDaily") of the
// row, or "" when absent.
func (t AttendanceTables) ModeCode() string {
	if att, ok := t[tableAttendance]; ok {
		if v, ok := att["att_mode_code"].(string); ok {
			return v
		}
	}
	return ""
}

// AttCode returns the human-oriented attendance code (e.g. "A", "T") from
// the joined attendance_code table, or "" when absent.
func (t AttendanceTables) AttCode() string {
	if codeTable, ok := t[tableAttendanceCode]; ok {
		if v, ok := codeTable["att_code"].(string); ok {
			return v
		}
	}
	return ""
}

// RawScheduleDay embeds the per-step upstream payloads of one reconciled
// schedule day for auditing.
type RawScheduleDay struct {
	HasBridgePeriod       bool               `json:"hasBridgePeriod"`
	BridgePeriodList      []json.RawMessage  `json:"bridgePeriodList"`
	ScheduleDay           DailySchedule      `json:"scheduleDay"`
	ScheduleClassPeriods  []ClassPeriod      `json:"scheduleClassPeriods"`
	DailyAttendance       AttendanceTables   `json:"dailyAttendance"`
	ClassMeetingAttendance []AttendanceTables `json:"classMeetingAttendance"`
}

// ScheduleDay is the unified per-student-per-day schedule/attendance record
// produced by the reconciler. Identity key is (StudentID, Year, Month,
// DayOfMonth); it is immutable once constructed and a re-fetch replaces the
// cache entry wholesale.
type ScheduleDay struct {
	StudentID  string `json:"studentId"`
	Year       int    `json:"year"`
	Month      int    `json:"month"`
	DayOfMonth int    `json:"dayOfMonth"`

	SchoolLocation int `json:"schoolLocation"`

	Found                bool `json:"found"`
	HasClassPeriods      bool `json:"hasClassPeriods"`
	HasDailySchedule     bool `json:"hasDailySchedule"`
	HasBridgePeriod      bool `json:"hasBridgePeriod"`
	NumberOfClassPeriods int  `json:"numberOfClassPeriods"`

	// Resolved internal identifier pair from the id-mapping query.
	SwappedStudentID   int64 `json:"swappedStudentId"`
	SwappedStudentDcID int64 `json:"swappedStudentDcId"`

	HasDailyCode        bool   `json:"hasDailyCode"`
	DailyCode           string `json:"dailyCode"`
	HasClassPeriodCodes bool   `json:"hasClassPeriodCodes"`

	Raw RawScheduleDay `json:"rawPowerschool"`
}

// CacheKey returns the tenant-cache key for this schedule day.
func (d ScheduleDay) CacheKey() string {
	return ScheduleDayKey(d.StudentID, d.Year, d.Month, d.DayOfMonth)
}
