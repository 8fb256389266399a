// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

package powerschool

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/visitu/sisbridge/internal/logging"
	"github.com/visitu/sisbridge/internal/models"
)

// Named-query endpoints composed into one schedule day.
const (
	queryStudentIDMap     = "/ws/schema/query/com.pearson.core.student.student_dcid_id_map"
	queryDailyAttendance  = "/ws/schema/query/com.pearson.core.attendance.daily_attendance_template"
	queryMeetingInterval  = "/ws/schema/query/com.pearson.core.attendance.meeting_interval_attendance_template"
	queryScheduleForDate  = "/ws/schema/query/com.visitu.project.student.studentschedulefordate"
	queryDailySchedule    = "/ws/schema/query/com.visitu.project.student.dailyschedule"
	queryAttendanceDetail = "/ws/schema/query/com.pearson.core.attendance.student_attendance_detail"
)

// bridgeYearID is the school-year identifier the bridge period plugin
// queries were certified against. The plugin does not expose a year lookup,
// so the value is pinned until a product clarification lands.
// TODO(integrations): derive the year id from the school calendar term.
const bridgeYearID = 34

// Attendance mode codes used to partition attendance-detail rows.
const (
	modeDaily   = "ATT_ModeDaily"
	modeMeeting = "ATT_ModeMeeting"
)

// dailyAttendPeriodFlag marks a bridge period row that carries the daily
// attendance period.
const dailyAttendPeriodFlag = "1"

// ScheduleDayRequest identifies one student-day to reconcile.
type ScheduleDayRequest struct {
	StudentID  string
	Year       int
	Month      int
	DayOfMonth int

	// SchoolNumber seeds the meeting-interval lookup; a successful daily
	// attendance row overrides it.
	SchoolNumber int

	// AttendanceEnabled gates the optional attendance-detail enrichment.
	AttendanceEnabled bool
}

// Validate reports the first missing required field.
func (r ScheduleDayRequest) Validate() error {
	if r.StudentID == "" {
		return models.NewValidationError("studentId", "is required")
	}
	if r.Year == 0 || r.Month == 0 || r.DayOfMonth == 0 {
		return models.NewValidationError("date", "year, month and dayOfMonth are required")
	}
	return nil
}

// ScheduleDay reconciles one student's schedule and attendance for one
// calendar day by composing up to five upstream queries:
//
//  1. Identifier swap (fatal on failure): external id to (id, dcid).
//  2. Daily attendance template (isolated): absence of a daily row degrades
//     the result, it does not fail the call.
//  3. Meeting interval attendance (isolated): period-level rows.
//  4. Bridge period lookup (fatal on failure): the query depends on the
//     detected plugin capability.
//  5. Attendance detail (optional, isolated): daily and per-meeting codes.
func (c *Client) ScheduleDay(ctx context.Context, req ScheduleDayRequest) (models.ScheduleDay, error) {
	if err := req.Validate(); err != nil {
		return models.ScheduleDay{}, err
	}

	// The upstream queries disagree on date formats.
	dateYMD := fmt.Sprintf("%04d-%02d-%02d", req.Year, req.Month, req.DayOfMonth)
	dateMDY := fmt.Sprintf("%02d-%02d-%04d", req.Month, req.DayOfMonth, req.Year)

	log := logging.With().
		Str("tenant", c.session.TenantDomain).
		Str("student_id", req.StudentID).
		Str("date", dateYMD).
		Logger()

	swappedID, swappedDcID, err := c.swapStudentID(ctx, req.StudentID)
	if err != nil {
		return models.ScheduleDay{}, fmt.Errorf("student id mapping: %w", err)
	}

	day := models.ScheduleDay{
		StudentID:          req.StudentID,
		Year:               req.Year,
		Month:              req.Month,
		DayOfMonth:         req.DayOfMonth,
		SchoolLocation:     req.SchoolNumber,
		SwappedStudentID:   swappedID,
		SwappedStudentDcID: swappedDcID,
	}

	daily, schoolID, err := c.fetchDailySchedule(ctx, swappedID, dateYMD)
	if err != nil {
		log.Warn().Err(err).Msg("Daily attendance template lookup failed, continuing without")
	} else if daily != nil {
		day.Raw.ScheduleDay = *daily
		day.HasDailySchedule = daily.StudentID != 0
		if schoolID != 0 {
			day.SchoolLocation = schoolID
		}
	}

	periods, err := c.fetchClassPeriods(ctx, swappedID, day.SchoolLocation, dateYMD)
	if err != nil {
		log.Warn().Err(err).Msg("Meeting interval lookup failed, continuing without")
	} else {
		day.Raw.ScheduleClassPeriods = periods
		day.HasClassPeriods = len(periods) >= 1
		day.NumberOfClassPeriods = len(periods)
	}

	bridgePeriods, err := c.fetchBridgePeriods(ctx, swappedID, dateMDY)
	if err != nil {
		return models.ScheduleDay{}, fmt.Errorf("bridge period lookup: %w", err)
	}
	day.Raw.BridgePeriodList = bridgePeriods
	day.HasBridgePeriod = len(bridgePeriods) >= 1
	day.Raw.HasBridgePeriod = day.HasBridgePeriod

	if req.AttendanceEnabled {
		dailyAtt, meetingAtt, err := c.fetchAttendanceDetail(ctx, swappedDcID, dateYMD)
		if err != nil {
			log.Warn().Err(err).Msg("Attendance detail lookup failed, continuing without")
		} else {
			day.Raw.DailyAttendance = dailyAtt
			day.Raw.ClassMeetingAttendance = meetingAtt
			day.HasDailyCode = dailyAtt != nil
			day.DailyCode = dailyAtt.AttCode()
			day.HasClassPeriodCodes = len(meetingAtt) > 0
		}
	}

	day.Found = day.HasClassPeriods || day.HasDailySchedule || day.HasBridgePeriod
	return day, nil
}

// swapStudentID resolves the externally known student id into the internal
// (id, dcid) pair every schedule and attendance query keys on.
func (c *Client) swapStudentID(ctx context.Context, studentID string) (int64, int64, error) {
	body := map[string]any{
		"students_dcid": []string{studentID},
	}

	var out queryResponse
	if err := c.postQuery(ctx, "student_id_map", queryStudentIDMap, body, pageParams(1, false), &out); err != nil {
		return 0, 0, err
	}
	if len(out.Record) == 0 {
		return 0, 0, fmt.Errorf("no id mapping for student %s", studentID)
	}

	var pair struct {
		ID   flexID `json:"id"`
		DcID flexID `json:"dcid"`
	}
	if err := json.Unmarshal(out.Record[0], &pair); err != nil {
		return 0, 0, fmt.Errorf("decode id mapping: %w", err)
	}
	return int64(pair.ID), int64(pair.DcID), nil
}

// fetchDailySchedule returns the daily attendance template row for the day,
// or (nil, 0, nil) when the student has none. The second return value is
// the school id reported by the row.
func (c *Client) fetchDailySchedule(ctx context.Context, studentID int64, dateYMD string) (*models.DailySchedule, int, error) {
	body := map[string]any{
		"studentid": studentID,
		"att_date":  dateYMD,
	}

	var out struct {
		Count  int `json:"count"`
		Record []struct {
			Tables struct {
				Attendance map[string]any `json:"attendance"`
			} `json:"tables"`
		} `json:"record"`
	}
	if err := c.postQuery(ctx, "daily_attendance_template", queryDailyAttendance, body, pageParams(1, true), &out); err != nil {
		return nil, 0, err
	}
	if out.Count == 0 || len(out.Record) == 0 {
		return nil, 0, nil
	}

	att := out.Record[0].Tables.Attendance
	daily := &models.DailySchedule{
		Code:      asString(att["attendance_codeid"]),
		Day:       asString(att["att_date"]),
		SchoolID:  int(asInt64(att["schoolid"])),
		YearID:    int(asInt64(att["yearid"])),
		StudentID: asInt64(att["studentid"]),
		Comment:   asString(att["comment"]),
	}
	return daily, daily.SchoolID, nil
}

// fetchClassPeriods returns the period-level meeting attendance rows for
// the day.
func (c *Client) fetchClassPeriods(ctx context.Context, studentID int64, schoolID int, dateYMD string) ([]models.ClassPeriod, error) {
	body := map[string]any{
		"studentid": studentID,
		"schoolid":  schoolID,
		"att_date":  dateYMD,
	}

	var out struct {
		Record []struct {
			Tables struct {
				Attendance map[string]any `json:"attendance"`
			} `json:"tables"`
		} `json:"record"`
	}
	if err := c.postQuery(ctx, "meeting_interval_attendance", queryMeetingInterval, body, pageParams(1, true), &out); err != nil {
		return nil, err
	}

	periods := make([]models.ClassPeriod, 0, len(out.Record))
	for _, rec := range out.Record {
		att := rec.Tables.Attendance
		periods = append(periods, models.ClassPeriod{
			Comment:   asString(att["att_comment"]),
			Code:      asString(att["attendance_codeid"]),
			Day:       asString(att["att_date"]),
			StartTime: asInt64(att["start_time"]),
			EndTime:   asInt64(att["end_time"]),
			StudentID: asInt64(att["studentid"]),
			PeriodID:  asInt64(att["periodid"]),
		})
	}
	return periods, nil
}

// fetchBridgePeriods runs the plugin-dependent schedule query and keeps
// only the rows flagged as the daily attendance period.
func (c *Client) fetchBridgePeriods(ctx context.Context, studentID int64, dateMDY string) ([]json.RawMessage, error) {
	endpoint := queryDailySchedule
	operation := "bridge_daily_schedule"
	if c.session.Plugin == models.PluginFixed {
		endpoint = queryScheduleForDate
		operation = "bridge_schedule_for_date"
	}

	body := map[string]any{
		"studentId":    studentID,
		"yearId":       bridgeYearID,
		"calendarDate": dateMDY,
	}

	var out queryResponse
	if err := c.postQuery(ctx, operation, endpoint, body, pageParams(1, false), &out); err != nil {
		return nil, err
	}

	bridgePeriods := make([]json.RawMessage, 0, len(out.Record))
	for _, raw := range out.Record {
		var row map[string]any
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		if asString(row["dailyattendperiod"]) == dailyAttendPeriodFlag {
			bridgePeriods = append(bridgePeriods, raw)
		}
	}
	return bridgePeriods, nil
}

// fetchAttendanceDetail returns the day's attendance rows partitioned by
// mode: the daily-mode row (first wins) and the per-meeting rows in
// upstream order.
func (c *Client) fetchAttendanceDetail(ctx context.Context, studentDcID int64, dateYMD string) (models.AttendanceTables, []models.AttendanceTables, error) {
	body := map[string]any{
		"attendance_att_mode_code":  []string{modeMeeting, modeDaily},
		"students_dcid":             []int64{studentDcID},
		"attendance_att_date_start": dateYMD,
		"attendance_att_date_end":   dateYMD,
	}

	var out struct {
		Record []struct {
			Tables models.AttendanceTables `json:"tables"`
		} `json:"record"`
	}
	if err := c.postQuery(ctx, "student_attendance_detail", queryAttendanceDetail, body, pageParams(1, false), &out); err != nil {
		return nil, nil, err
	}

	var daily models.AttendanceTables
	var meetings []models.AttendanceTables
	for _, rec := range out.Record {
		switch rec.Tables.ModeCode() {
		case modeDaily:
			if daily == nil {
				daily = rec.Tables
			}
		case modeMeeting:
			meetings = append(meetings, rec.Tables)
		}
	}
	return daily, meetings, nil
}
