// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

package facts

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/visitu/sisbridge/internal/models"
)

// attendanceCodeAliases are the field names an attendance row may carry its
// short code under, probed in order. Upstream FACTS versions disagree.
var attendanceCodeAliases = []string{"attendanceCode", "code", "attdCode"}

// AttendanceQuery narrows a date-range attendance fetch. Filters uses the
// FACTS filter expression syntax, e.g.
// "attendanceDate>=2026-03-01,attendanceDate<=2026-03-05".
type AttendanceQuery struct {
	Filters  string
	Sorts    string
	Page     int
	PageSize int
}

// StudentAttendance fetches one page of attendance rows for a date range
// and resolves each row's short code to its display name. The code table
// is re-fetched alongside every call rather than cached; codes are
// editable upstream mid-year.
//
// Both requests run in parallel and either failure fails the call.
func (c *Client) StudentAttendance(ctx context.Context, q AttendanceQuery) ([]models.AttendanceRecord, error) {
	page := q.Page
	if page <= 0 {
		page = 1
	}
	sorts := q.Sorts
	if sorts == "" {
		sorts = "null"
	}

	var codes resultsPage
	var rows resultsPage

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.get(gctx, c.attendanceFetcher, "attendance_codes",
			"/academics/AttendanceCodes", nil, &codes)
	})
	g.Go(func() error {
		query := url.Values{}
		query.Set("Filters", q.Filters)
		query.Set("Sorts", sorts)
		query.Set("Page", strconv.Itoa(page))
		query.Set("PageSize", strconv.Itoa(clampPageSize(q.PageSize)))
		query.Set("api-version", apiVersion)
		return c.get(gctx, c.attendanceFetcher, "student_attendance",
			"/People/StudentAttendance", query, &rows)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	codeMap := make(map[string]string, len(codes.Results))
	for _, raw := range codes.Results {
		var code struct {
			Code string `json:"code"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &code); err != nil {
			return nil, fmt.Errorf("decode attendance code: %w", err)
		}
		codeMap[code.Code] = code.Name
	}

	records := make([]models.AttendanceRecord, 0, len(rows.Results))
	for _, raw := range rows.Results {
		var row map[string]any
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("decode attendance row: %w", err)
		}

		codeName := codeMap[rowAttendanceCode(row)]
		row["attendanceCodeName"] = codeName

		enriched, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("encode attendance row: %w", err)
		}
		records = append(records, models.AttendanceRecord{
			StudentID:          asString(row["studentId"]),
			AttendanceDate:     asString(row["attendanceDate"]),
			AttendanceCodeName: codeName,
			Raw:                enriched,
		})
	}
	return records, nil
}

// rowAttendanceCode returns the first non-empty code alias on the row.
func rowAttendanceCode(row map[string]any) string {
	for _, alias := range attendanceCodeAliases {
		if v, ok := row[alias]; ok {
			if s := asString(v); s != "" {
				return s
			}
		}
	}
	return ""
}
