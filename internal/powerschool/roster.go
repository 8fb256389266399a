// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

package powerschool

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/visitu/sisbridge/internal/models"
)

// studentExpansions are the sub-resources requested alongside every roster
// page so a single pass captures contact and enrollment detail.
var studentExpansions = []string{
	"contact",
	"contact_info",
	"school_enrollment",
	"phones",
	"global_id",
	"demographics",
	"addresses",
}

// Schools lists the district's schools.
func (c *Client) Schools(ctx context.Context) ([]models.Location, error) {
	var out struct {
		Schools struct {
			School json.RawMessage `json:"school"`
		} `json:"schools"`
	}
	if err := c.get(ctx, "district_schools", "/ws/v1/district/school", nil, &out); err != nil {
		return nil, err
	}

	raws, err := normalizeList(out.Schools.School)
	if err != nil {
		return nil, fmt.Errorf("decode school list: %w", err)
	}

	locations := make([]models.Location, 0, len(raws))
	for _, raw := range raws {
		var school struct {
			ID           flexID `json:"id"`
			Name         string `json:"name"`
			SchoolNumber flexID `json:"school_number"`
		}
		if err := json.Unmarshal(raw, &school); err != nil {
			return nil, fmt.Errorf("decode school: %w", err)
		}
		locations = append(locations, models.Location{
			ID:           strconv.FormatInt(int64(school.ID), 10),
			Name:         school.Name,
			SchoolNumber: int(school.SchoolNumber),
			Raw:          raw,
		})
	}
	return locations, nil
}

// StudentCount returns the number of enrolled students at a school.
func (c *Client) StudentCount(ctx context.Context, schoolID string) (int, error) {
	var out struct {
		Resource struct {
			Count int `json:"count"`
		} `json:"resource"`
	}
	path := "/ws/v1/school/" + url.PathEscape(schoolID) + "/student/count"
	if err := c.get(ctx, "student_count", path, nil, &out); err != nil {
		return 0, err
	}
	return out.Resource.Count, nil
}

// StudentsPage fetches one page of a school's student roster with the
// standard expansions.
func (c *Client) StudentsPage(ctx context.Context, schoolID string, page, pageSize int) ([]models.RosterUser, error) {
	query := url.Values{}
	query.Set("pagesize", strconv.Itoa(pageSize))
	query.Set("page", strconv.Itoa(page))
	query.Set("expansions", strings.Join(studentExpansions, ","))

	var out struct {
		Students struct {
			Student json.RawMessage `json:"student"`
		} `json:"students"`
	}
	path := "/ws/v1/school/" + url.PathEscape(schoolID) + "/student"
	if err := c.get(ctx, "student_page", path, query, &out); err != nil {
		return nil, err
	}

	raws, err := normalizeList(out.Students.Student)
	if err != nil {
		return nil, fmt.Errorf("decode student list: %w", err)
	}

	users := make([]models.RosterUser, 0, len(raws))
	for _, raw := range raws {
		var student struct {
			ID   flexID `json:"id"`
			Name struct {
				FirstName string `json:"first_name"`
				LastName  string `json:"last_name"`
			} `json:"name"`
		}
		if err := json.Unmarshal(raw, &student); err != nil {
			return nil, fmt.Errorf("decode student: %w", err)
		}
		users = append(users, models.RosterUser{
			ExternalID:  strconv.FormatInt(int64(student.ID), 10),
			Kind:        models.UserKindStudent,
			DisplayName: strings.TrimSpace(student.Name.FirstName + " " + student.Name.LastName),
			LocationID:  schoolID,
			Raw:         raw,
		})
	}
	return users, nil
}

// normalizeList handles the upstream quirk where single-element collections
// arrive as a bare object instead of a one-element array.
func normalizeList(raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	return []json.RawMessage{raw}, nil
}
