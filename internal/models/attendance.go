// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"fmt"

	"github.com/goccy/go-json"
)

// ScheduleDayKey builds the tenant-cache key for a schedule day.
// Format matches the upstream cache convention: "{studentId}_{y}-{m}-{d}".
func ScheduleDayKey(studentID string, year, month, day int) string {
	return fmt.Sprintf("%s_%d-%d-%d", studentID, year, month, day)
}

// AttendanceRecord is one per-student attendance row produced by the
// attendance-by-date-range sync. AttendanceCodeName is resolved through the
// attendance-code map fetched alongside the rows; nil when the short code is
// unknown.
type AttendanceRecord struct {
	StudentID          string          `json:"studentId"`
	AttendanceDate     string          `json:"attendanceDate"`
	AttendanceCodeName string          `json:"attendanceCodeName,omitempty"`
	Raw                json.RawMessage `json:"data,omitempty"`
}

// AttendanceCheckResult is the per-student derived result of the
// attendance-existence check: whether the student is enrolled in any course
// that is both a home room and attendance-taking.
type AttendanceCheckResult struct {
	StudentID                string            `json:"studentId"`
	HasHomeRoomWithAttendance bool             `json:"hasHomeRoomWithAttendance"`
	Courses                  []json.RawMessage `json:"data,omitempty"`
	EnrolledClasses          []json.RawMessage `json:"enrolledClasses,omitempty"`
}
