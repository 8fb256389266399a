// SIS Bridge - Student Information System Sync & Reconciliation Engine
// Copyright 2026 Visitu
// SPDX-License-Identifier: AGPL-3.0-or-later

package facts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visitu/sisbridge/internal/credentials"
	"github.com/visitu/sisbridge/internal/fetch"
	"github.com/visitu/sisbridge/internal/models"
)

// fakeFACTS is an in-process FACTS API. Handlers are keyed by URL path.
type fakeFACTS struct {
	t        *testing.T
	server   *httptest.Server
	handlers map[string]http.HandlerFunc

	mu      sync.Mutex
	queries map[string][]url.Values
	hits    map[string]int
}

func newFakeFACTS(t *testing.T) *fakeFACTS {
	f := &fakeFACTS{
		t:        t,
		handlers: map[string]http.HandlerFunc{},
		queries:  map[string][]url.Values{},
		hits:     map[string]int{},
	}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-material", r.Header.Get("Facts-Api-Key"))
		assert.Equal(t, "sub-material", r.Header.Get("Ocp-Apim-Subscription-Key"))

		f.mu.Lock()
		f.queries[r.URL.Path] = append(f.queries[r.URL.Path], r.URL.Query())
		f.hits[r.URL.Path]++
		f.mu.Unlock()

		if h, ok := f.handlers[r.URL.Path]; ok {
			h(w, r)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeFACTS) handle(path string, status int, body string) {
	f.handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func (f *fakeFACTS) lastQuery(path string) url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	queries := f.queries[path]
	require.NotEmpty(f.t, queries, "no request recorded for %s", path)
	return queries[len(queries)-1]
}

func (f *fakeFACTS) hitCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func newTestClient(t *testing.T, f *fakeFACTS) *Client {
	t.Helper()
	return New(models.Session{
		TenantDomain:    "demo.example.org",
		IntegrationType: models.IntegrationFACTS,
		BaseURL:         f.server.URL,
		APIKey:          "key-material",
		SubscriptionKey: "sub-material",
	})
}

func TestSchools(t *testing.T) {
	f := newFakeFACTS(t)
	f.handle("/SchoolConfigurations", http.StatusOK,
		`{"results":[
			{"schoolId":1,"schoolName":"Lakeside"},
			{"schoolId":"2","schoolName":"Riverview"}]}`)

	locations, err := newTestClient(t, f).Schools(context.Background(), 0)
	require.NoError(t, err)

	require.Len(t, locations, 2)
	assert.Equal(t, "1", locations[0].ID)
	assert.Equal(t, "Lakeside", locations[0].Name)
	assert.Equal(t, "2", locations[1].ID)

	query := f.lastQuery("/SchoolConfigurations")
	assert.Equal(t, "10", query.Get("PageSize"))
	assert.Equal(t, "1.0", query.Get("api-version"))
}

func TestPeople(t *testing.T) {
	f := newFakeFACTS(t)
	f.handle("/people", http.StatusOK,
		`{"results":[
			{"personId":100,"firstName":"Ada","lastName":"Lovelace","schoolId":1},
			{"personId":"101","firstName":"Grace","lastName":"Hopper","role":"staff"}]}`)

	users, err := newTestClient(t, f).People(context.Background(), PeopleQuery{
		Filters:  "schoolId==1",
		PageSize: 500,
	})
	require.NoError(t, err)

	require.Len(t, users, 2)
	assert.Equal(t, "100", users[0].ExternalID)
	assert.Equal(t, "Ada Lovelace", users[0].DisplayName)
	assert.Equal(t, models.UserKindStudent, users[0].Kind)
	assert.Equal(t, "1", users[0].LocationID)
	assert.Equal(t, models.UserKindStaff, users[1].Kind)

	query := f.lastQuery("/people")
	assert.Equal(t, "schoolId==1", query.Get("filters"))
	assert.Equal(t, "500", query.Get("pageSize"))
}

func TestStudentsFilterExpression(t *testing.T) {
	f := newFakeFACTS(t)
	f.handle("/Students", http.StatusOK,
		`{"results":[
			{"studentId":7,"firstName":"Alan","lastName":"Turing","configSchoolId":1}]}`)

	users, err := newTestClient(t, f).Students(context.Background(), StudentsQuery{
		SchoolID:   "1",
		LastName:   "Tur",
		StudentIDs: []string{"7", "8"},
	})
	require.NoError(t, err)

	require.Len(t, users, 1)
	assert.Equal(t, "7", users[0].ExternalID)
	assert.Equal(t, "Alan Turing", users[0].DisplayName)
	assert.Equal(t, "1", users[0].LocationID)

	query := f.lastQuery("/Students")
	assert.Equal(t,
		"configSchoolId==1,status==Enrolled,(LastName)_=Tur,studentId==7|8",
		query.Get("filters"))
	assert.Equal(t, "50000", query.Get("pageSize"))
}

func TestMissingKeysRejected(t *testing.T) {
	c := New(models.Session{
		TenantDomain: "demo.example.org",
		BaseURL:      "http://facts.invalid",
	})
	_, err := c.Schools(context.Background(), 0)
	require.ErrorIs(t, err, credentials.ErrNoCredential)
}

func TestStudentAttendanceResolvesCodeNames(t *testing.T) {
	f := newFakeFACTS(t)
	f.handle("/academics/AttendanceCodes", http.StatusOK,
		`{"results":[
			{"code":"A","name":"Absent"},
			{"code":"T","name":"Tardy"}]}`)
	// Rows exercise all three code field aliases plus an unknown code.
	f.handle("/People/StudentAttendance", http.StatusOK,
		`{"results":[
			{"studentId":1,"attendanceDate":"2026-03-05","attendanceCode":"A"},
			{"studentId":2,"attendanceDate":"2026-03-05","code":"T"},
			{"studentId":3,"attendanceDate":"2026-03-05","attdCode":"A"},
			{"studentId":4,"attendanceDate":"2026-03-05","attendanceCode":"ZZ"}]}`)

	records, err := newTestClient(t, f).StudentAttendance(context.Background(), AttendanceQuery{
		Filters: "attendanceDate>=2026-03-05,attendanceDate<=2026-03-05",
	})
	require.NoError(t, err)

	require.Len(t, records, 4)
	assert.Equal(t, "Absent", records[0].AttendanceCodeName)
	assert.Equal(t, "Tardy", records[1].AttendanceCodeName)
	assert.Equal(t, "Absent", records[2].AttendanceCodeName)
	assert.Empty(t, records[3].AttendanceCodeName)
	assert.Equal(t, "1", records[0].StudentID)
	assert.Contains(t, string(records[0].Raw), "attendanceCodeName")

	query := f.lastQuery("/People/StudentAttendance")
	assert.Equal(t, "null", query.Get("Sorts"))
	assert.Equal(t, "1", query.Get("Page"))
	assert.Equal(t, "50000", query.Get("PageSize"))
	assert.Equal(t, "1.0", query.Get("api-version"))
}

func TestStudentAttendanceEitherFailureFailsCall(t *testing.T) {
	f := newFakeFACTS(t)
	f.handle("/academics/AttendanceCodes", http.StatusInternalServerError, `{}`)
	f.handle("/People/StudentAttendance", http.StatusOK, `{"results":[]}`)

	_, err := newTestClient(t, f).StudentAttendance(context.Background(), AttendanceQuery{})
	require.Error(t, err)
}

func TestStudentAttendanceRetriesRateLimit(t *testing.T) {
	f := newFakeFACTS(t)
	f.handle("/academics/AttendanceCodes", http.StatusOK, `{"results":[]}`)

	attempts := 0
	f.handlers["/People/StudentAttendance"] = func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[]}`))
	}

	c := newTestClient(t, f)
	// Eliminate backoff waiting so the retry runs instantly.
	instant := fetch.New(string(models.IntegrationFACTS),
		fetch.WithMaxRetries(attendanceRetries),
		fetch.WithSleep(func(ctx context.Context, d time.Duration) error { return nil }))
	WithFetchers(instant, instant)(c)

	records, err := c.StudentAttendance(context.Background(), AttendanceQuery{})
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, 2, attempts)
}

func TestAttendanceCheck(t *testing.T) {
	f := newFakeFACTS(t)
	// Three enrollments: two active in term 2 sharing a course id, one
	// inactive. The duplicate must collapse in the course filter.
	f.handle("/Classes/v2/Students/555", http.StatusOK,
		`{"results":[
			{"courseID":10,"yearId":2026,"term2":true},
			{"courseID":10,"yearId":2026,"term2":true},
			{"courseID":11,"yearId":2026,"term2":false},
			{"courseID":12,"yearId":2026,"term2":true}]}`)
	f.handle("/Courses", http.StatusOK,
		`{"results":[
			{"courseID":10,"title":"Homeroom","homeRoom":true,"attendance":true},
			{"courseID":12,"title":"Art","homeRoom":false,"attendance":true}]}`)

	result, err := newTestClient(t, f).AttendanceCheck(context.Background(), CheckRequest{
		StudentID: "555",
		TermID:    2,
		YearID:    2026,
	})
	require.NoError(t, err)

	assert.Equal(t, "555", result.StudentID)
	assert.True(t, result.HasHomeRoomWithAttendance)
	assert.Len(t, result.Courses, 2)
	assert.Len(t, result.EnrolledClasses, 4)

	classQuery := f.lastQuery("/Classes/v2/Students/555")
	assert.Equal(t, "yearId==2026", classQuery.Get("filters"))
	assert.Equal(t, "50000", classQuery.Get("pageSize"))

	courseQuery := f.lastQuery("/Courses")
	assert.Equal(t, "courseID==10|12", courseQuery.Get("filters"))
	assert.Equal(t, "100", courseQuery.Get("pageSize"))
}

func TestAttendanceCheckCourseFailureDegrades(t *testing.T) {
	f := newFakeFACTS(t)
	f.handle("/Classes/v2/Students/555", http.StatusOK,
		`{"results":[{"courseID":10,"yearId":2026,"term1":true}]}`)
	f.handle("/Courses", http.StatusInternalServerError, `{}`)

	result, err := newTestClient(t, f).AttendanceCheck(context.Background(), CheckRequest{
		StudentID: "555",
		TermID:    1,
		YearID:    2026,
	})
	require.NoError(t, err)
	assert.False(t, result.HasHomeRoomWithAttendance)
	assert.Empty(t, result.Courses)
	assert.Len(t, result.EnrolledClasses, 1)
}

func TestAttendanceCheckClassFailureIsFatal(t *testing.T) {
	f := newFakeFACTS(t)
	f.handle("/Classes/v2/Students/555", http.StatusInternalServerError, `{}`)

	_, err := newTestClient(t, f).AttendanceCheck(context.Background(), CheckRequest{
		StudentID: "555",
		TermID:    1,
		YearID:    2026,
	})
	require.Error(t, err)
}

func TestAttendanceCheckValidation(t *testing.T) {
	c := newTestClient(t, newFakeFACTS(t))

	cases := []CheckRequest{
		{TermID: 1, YearID: 2026},
		{StudentID: "1", TermID: 0, YearID: 2026},
		{StudentID: "1", TermID: 7, YearID: 2026},
		{StudentID: "1", TermID: 1},
	}
	for _, req := range cases {
		_, err := c.AttendanceCheck(context.Background(), req)
		assert.True(t, models.IsValidationError(err), "request %+v", req)
	}
}
