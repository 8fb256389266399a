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

	"github.com/visitu/sisbridge/internal/models"
)

// defaultSchoolsPageSize mirrors the upstream default; districts rarely
// configure more than a handful of schools.
const defaultSchoolsPageSize = 10

// Schools lists the tenant's school configurations.
func (c *Client) Schools(ctx context.Context, pageSize int) ([]models.Location, error) {
	if pageSize <= 0 {
		pageSize = defaultSchoolsPageSize
	}
	query := url.Values{}
	query.Set("PageSize", strconv.Itoa(pageSize))
	query.Set("api-version", apiVersion)

	var out resultsPage
	if err := c.get(ctx, c.fetcher, "school_configurations", "/SchoolConfigurations", query, &out); err != nil {
		return nil, err
	}

	locations := make([]models.Location, 0, len(out.Results))
	for _, raw := range out.Results {
		var row map[string]any
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("decode school configuration: %w", err)
		}
		locations = append(locations, models.Location{
			ID:   asString(row["schoolId"]),
			Name: asString(row["schoolName"]),
			Raw:  raw,
		})
	}
	return locations, nil
}

// PeopleQuery narrows a people roster fetch.
type PeopleQuery struct {
	Filters  string
	PageSize int
}

// People fetches the people roster, optionally filtered with the FACTS
// filter expression syntax.
func (c *Client) People(ctx context.Context, q PeopleQuery) ([]models.RosterUser, error) {
	query := url.Values{}
	if q.Filters != "" {
		query.Set("filters", q.Filters)
	}
	query.Set("pageSize", strconv.Itoa(clampPageSize(q.PageSize)))

	var out resultsPage
	if err := c.get(ctx, c.fetcher, "people", "/people", query, &out); err != nil {
		return nil, err
	}

	users := make([]models.RosterUser, 0, len(out.Results))
	for _, raw := range out.Results {
		var row map[string]any
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("decode person: %w", err)
		}
		kind := models.UserKindStudent
		if asString(row["role"]) == "staff" {
			kind = models.UserKindStaff
		}
		name := strings.TrimSpace(asString(row["firstName"]) + " " + asString(row["lastName"]))
		users = append(users, models.RosterUser{
			ExternalID:  asString(row["personId"]),
			Kind:        kind,
			DisplayName: name,
			LocationID:  asString(row["schoolId"]),
			Raw:         raw,
		})
	}
	return users, nil
}

// StudentsQuery narrows an enrolled-student listing.
type StudentsQuery struct {
	// SchoolID filters to one configured school.
	SchoolID string
	// LastName fuzzy-matches on last name.
	LastName string
	// StudentIDs restricts the listing to specific students.
	StudentIDs []string
	PageSize   int
}

// filters builds the FACTS filter expression. Terms are comma-joined;
// the student id list becomes a pipe OR-list.
func (q StudentsQuery) filters() string {
	var terms []string
	if q.SchoolID != "" {
		terms = append(terms, "configSchoolId=="+q.SchoolID)
	}
	terms = append(terms, "status==Enrolled")
	if q.LastName != "" {
		terms = append(terms, "(LastName)_="+q.LastName)
	}
	if len(q.StudentIDs) > 0 {
		terms = append(terms, "studentId=="+strings.Join(q.StudentIDs, "|"))
	}
	return strings.Join(terms, ",")
}

// Students lists enrolled students for roster loading.
func (c *Client) Students(ctx context.Context, q StudentsQuery) ([]models.RosterUser, error) {
	query := url.Values{}
	query.Set("filters", q.filters())
	query.Set("pageSize", strconv.Itoa(clampPageSize(q.PageSize)))

	var out resultsPage
	if err := c.get(ctx, c.fetcher, "students", "/Students", query, &out); err != nil {
		return nil, err
	}

	users := make([]models.RosterUser, 0, len(out.Results))
	for _, raw := range out.Results {
		var row map[string]any
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("decode student: %w", err)
		}
		name := strings.TrimSpace(asString(row["firstName"]) + " " + asString(row["lastName"]))
		users = append(users, models.RosterUser{
			ExternalID:  asString(row["studentId"]),
			Kind:        models.UserKindStudent,
			DisplayName: name,
			LocationID:  asString(row["configSchoolId"]),
			Raw:         raw,
		})
	}
	return users, nil
}
