// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

package facts

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/visitu/sisbridge/internal/logging"
	"github.com/visitu/sisbridge/internal/models"
)

// coursesPageSize caps the course detail fetch; the deduplicated course id
// filter keeps the result well under one page.
const coursesPageSize = 100

// CheckRequest identifies one student-term to check for a home-room
// attendance-taking course.
type CheckRequest struct {
	StudentID string
	TermID    int
	YearID    int
}

// Validate reports the first invalid field.
func (r CheckRequest) Validate() error {
	if r.StudentID == "" {
		return models.NewValidationError("studentId", "is required")
	}
	if r.TermID < 1 || r.TermID > 6 {
		return models.NewValidationError("termId", "must be 1-6")
	}
	if r.YearID == 0 {
		return models.NewValidationError("yearId", "is required")
	}
	return nil
}

// classItem is one enrollment row; term flags mark which terms the class
// is active in.
type classItem struct {
	CourseID int64 `json:"courseID"`
	YearID   int   `json:"yearId"`
	Term1    bool  `json:"term1"`
	Term2    bool  `json:"term2"`
	Term3    bool  `json:"term3"`
	Term4    bool  `json:"term4"`
	Term5    bool  `json:"term5"`
	Term6    bool  `json:"term6"`
}

// activeIn reports whether the class is active in the given term.
func (c classItem) activeIn(termID int) bool {
	switch termID {
	case 1:
		return c.Term1
	case 2:
		return c.Term2
	case 3:
		return c.Term3
	case 4:
		return c.Term4
	case 5:
		return c.Term5
	case 6:
		return c.Term6
	default:
		return false
	}
}

// AttendanceCheck determines whether a student has a home-room
// attendance-taking course in the given term: enrollments for the year are
// fetched, filtered by the term flag, deduplicated to course ids, and the
// matching courses are inspected for homeRoom and attendance both set.
//
// The course detail fetch is best-effort: on failure the check proceeds
// with no courses, so HasHomeRoomWithAttendance degrades to false rather
// than failing the student.
func (c *Client) AttendanceCheck(ctx context.Context, req CheckRequest) (models.AttendanceCheckResult, error) {
	if err := req.Validate(); err != nil {
		return models.AttendanceCheckResult{}, err
	}

	query := url.Values{}
	query.Set("filters", fmt.Sprintf("yearId==%d", req.YearID))
	query.Set("pageSize", strconv.Itoa(maxPageSize))
	query.Set("api-version", apiVersion)

	var enrollments resultsPage
	path := "/Classes/v2/Students/" + url.PathEscape(req.StudentID)
	if err := c.get(ctx, c.fetcher, "student_classes", path, query, &enrollments); err != nil {
		return models.AttendanceCheckResult{}, fmt.Errorf("fetch classes for student %s: %w", req.StudentID, err)
	}

	courseIDs := make([]int64, 0, len(enrollments.Results))
	seen := make(map[int64]struct{}, len(enrollments.Results))
	for _, raw := range enrollments.Results {
		var class classItem
		if err := json.Unmarshal(raw, &class); err != nil {
			return models.AttendanceCheckResult{}, fmt.Errorf("decode class enrollment: %w", err)
		}
		if !class.activeIn(req.TermID) || class.CourseID == 0 {
			continue
		}
		if _, dup := seen[class.CourseID]; dup {
			continue
		}
		seen[class.CourseID] = struct{}{}
		courseIDs = append(courseIDs, class.CourseID)
	}

	courses := c.fetchCourses(ctx, courseIDs)

	hasHomeRoomWithAttendance := false
	for _, raw := range courses {
		var course struct {
			HomeRoom   bool `json:"homeRoom"`
			Attendance bool `json:"attendance"`
		}
		if err := json.Unmarshal(raw, &course); err != nil {
			continue
		}
		if course.HomeRoom && course.Attendance {
			hasHomeRoomWithAttendance = true
			break
		}
	}

	return models.AttendanceCheckResult{
		StudentID:                 req.StudentID,
		HasHomeRoomWithAttendance: hasHomeRoomWithAttendance,
		Courses:                   courses,
		EnrolledClasses:           enrollments.Results,
	}, nil
}

// fetchCourses returns the course rows for the given ids, or nil when the
// lookup fails or no ids were requested.
func (c *Client) fetchCourses(ctx context.Context, courseIDs []int64) []json.RawMessage {
	ids := make([]string, 0, len(courseIDs))
	for _, id := range courseIDs {
		ids = append(ids, strconv.FormatInt(id, 10))
	}

	query := url.Values{}
	query.Set("filters", "courseID=="+strings.Join(ids, "|"))
	query.Set("pageSize", strconv.Itoa(coursesPageSize))
	query.Set("api-version", apiVersion)

	var out resultsPage
	if err := c.get(ctx, c.fetcher, "courses", "/Courses", query, &out); err != nil {
		logging.Warn().
			Err(err).
			Str("tenant", c.session.TenantDomain).
			Strs("course_ids", ids).
			Msg("Course detail fetch failed, proceeding without courses")
		return nil
	}
	return out.Results
}
