package authz_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/eduassist/eduassist/internal/authz"
	"github.com/eduassist/eduassist/internal/model"
)

// dryRunDB returns a gorm handle that renders SQL without a server.
func dryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=localhost user=eduassist dbname=eduassist sslmode=disable",
	}), &gorm.Config{
		DryRun:                 true,
		DisableAutomaticPing:   true,
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	return db
}

// scopedSQL renders the list query ScopeCollection produces for table.
func scopedSQL(t *testing.T, r *authz.Resolver, a *model.Principal, m interface{ TableName() string }) string {
	t.Helper()
	db := dryRunDB(t)
	return db.ToSQL(func(tx *gorm.DB) *gorm.DB {
		q := r.ScopeModel(context.Background(), a, m, tx.Model(m))
		var rows []map[string]any
		return q.Find(&rows)
	})
}

const noRows = "1 = 0"

func TestScopeCollectionAnonymousAndRoleless(t *testing.T) {
	r := newResolver(&fakeLinks{})
	assert.Contains(t, scopedSQL(t, r, nil, model.FeeItem{}), noRows)
	assert.Contains(t, scopedSQL(t, r, actor(""), model.CalendarEvent{}), noRows)
}

func TestScopeCollectionElevatedUnfiltered(t *testing.T) {
	r := newResolver(&fakeLinks{})
	staff := &model.Principal{ID: uuid.New(), Role: model.RoleParent, Staff: true}
	for _, m := range []interface{ TableName() string }{
		model.FeeItem{}, model.Payment{}, model.Assignment{}, model.Notification{}, model.Course{},
	} {
		sql := scopedSQL(t, r, staff, m)
		assert.NotContains(t, sql, "WHERE", m.TableName())
	}
}

func TestScopeCollectionStudentFeeItems(t *testing.T) {
	r := newResolver(&fakeLinks{})
	student := actor(model.RoleStudent)
	sql := scopedSQL(t, r, student, model.FeeItem{})
	assert.Contains(t, sql, "student_id = '"+student.ID.String()+"'")
}

func TestScopeCollectionParentFeeItems(t *testing.T) {
	parent := actor(model.RoleParent)
	s1, s2 := uuid.New(), uuid.New()
	r := newResolver(&fakeLinks{links: map[uuid.UUID][]uuid.UUID{parent.ID: {s1}}})

	sql := scopedSQL(t, r, parent, model.FeeItem{})
	assert.Contains(t, sql, "student_id IN ('"+s1.String()+"')")
	assert.NotContains(t, sql, s2.String())
}

func TestScopeCollectionParentWithoutLinksIsEmpty(t *testing.T) {
	parent := actor(model.RoleParent)
	r := newResolver(&fakeLinks{})
	for _, m := range []interface{ TableName() string }{
		model.FeeItem{}, model.Payment{}, model.Assignment{}, model.Registration{},
	} {
		assert.Contains(t, scopedSQL(t, r, parent, m), noRows, m.TableName())
	}
}

func TestScopeCollectionLookupErrorFailsClosed(t *testing.T) {
	parent := actor(model.RoleParent)
	r := newResolver(&fakeLinks{err: errors.New("timeout")})
	assert.Contains(t, scopedSQL(t, r, parent, model.FeeItem{}), noRows)
	assert.Contains(t, scopedSQL(t, r, parent, model.Payment{}), noRows)
}

func TestScopeCollectionPaymentsThroughFeeItem(t *testing.T) {
	r := newResolver(&fakeLinks{})
	student := actor(model.RoleStudent)
	sql := scopedSQL(t, r, student, model.Payment{})
	assert.Contains(t, sql, "fee_item_id IN (SELECT id FROM")
	assert.Contains(t, sql, student.ID.String())

	assert.NotContains(t, scopedSQL(t, r, actor(model.RoleFinance), model.Payment{}), "WHERE")
	assert.Contains(t, scopedSQL(t, r, actor(model.RoleLecturer), model.Payment{}), noRows)
}

func TestScopeCollectionNotificationsAlwaysOwnInbox(t *testing.T) {
	r := newResolver(&fakeLinks{})
	for _, role := range []model.Role{model.RoleStudent, model.RoleFinance, model.RoleAdmin} {
		a := actor(role)
		assert.Contains(t, scopedSQL(t, r, a, model.Notification{}), "user_id = '"+a.ID.String()+"'", role)
	}
}

func TestScopeCollectionAssignments(t *testing.T) {
	r := newResolver(&fakeLinks{})

	lecturer := actor(model.RoleLecturer)
	assert.Contains(t, scopedSQL(t, r, lecturer, model.Assignment{}), "lecturer_id = '"+lecturer.ID.String()+"'")

	student := actor(model.RoleStudent)
	sql := scopedSQL(t, r, student, model.Assignment{})
	assert.Contains(t, sql, "JOIN enrollments")
	assert.Contains(t, sql, student.ID.String())

	dept := uuid.New()
	hod := &model.Principal{ID: uuid.New(), Role: model.RoleHOD, DepartmentID: &dept}
	sql = scopedSQL(t, r, hod, model.Assignment{})
	assert.Contains(t, sql, "programmes.department_id")
	assert.Contains(t, sql, dept.String())

	// A department head without a department falls back to ownership.
	bare := actor(model.RoleHOD)
	assert.Contains(t, scopedSQL(t, r, bare, model.Assignment{}), "owner_user_id = '"+bare.ID.String()+"'")

	assert.NotContains(t, scopedSQL(t, r, actor(model.RoleRecords), model.Assignment{}), "WHERE")
	assert.Contains(t, scopedSQL(t, r, actor(model.RoleFinance), model.Assignment{}), noRows)
}

func TestScopeCollectionUnitScopedTables(t *testing.T) {
	r := newResolver(&fakeLinks{})
	lecturer := actor(model.RoleLecturer)

	assert.Contains(t, scopedSQL(t, r, lecturer, model.Submission{}), "lecturer_id = '"+lecturer.ID.String()+"'")
	assert.Contains(t, scopedSQL(t, r, lecturer, model.Timetable{}), "lecturer_id = '"+lecturer.ID.String()+"'")
	assert.Contains(t, scopedSQL(t, r, lecturer, model.Registration{}), "courses.lecturer_id")

	for _, role := range []model.Role{model.RoleAdmin, model.RoleRecords, model.RoleFinance} {
		assert.NotContains(t, scopedSQL(t, r, actor(role), model.Registration{}), "WHERE", role)
	}
	assert.Contains(t, scopedSQL(t, r, actor(model.RoleLibrarian), model.Timetable{}), noRows)
}

func TestScopeCollectionOwnerFallback(t *testing.T) {
	r := newResolver(&fakeLinks{})
	a := actor(model.RoleLibrarian)
	assert.Contains(t, scopedSQL(t, r, a, model.CalendarEvent{}), "owner_user_id = '"+a.ID.String()+"'")
	assert.Contains(t, scopedSQL(t, r, a, model.Message{}), "owner_user_id = '"+a.ID.String()+"'")
}

func TestScopeCollectionUnmatchedTypes(t *testing.T) {
	a := actor(model.RoleStudent)

	closed := newResolver(&fakeLinks{})
	assert.Contains(t, scopedSQL(t, closed, a, model.Unit{}), noRows)

	open := newResolver(&fakeLinks{}, "units")
	assert.NotContains(t, scopedSQL(t, open, a, model.Unit{}), "WHERE")
	assert.Contains(t, scopedSQL(t, open, a, model.Department{}), noRows)
}

func TestScopeCollectionCourses(t *testing.T) {
	r := newResolver(&fakeLinks{})
	lecturer := actor(model.RoleLecturer)
	assert.Contains(t, scopedSQL(t, r, lecturer, model.Course{}), "lecturer_id = '"+lecturer.ID.String()+"'")

	dept := uuid.New()
	hod := actor(model.RoleHOD)
	hod.DepartmentID = &dept
	sql := scopedSQL(t, r, hod, model.Course{})
	assert.Contains(t, sql, "department_id = '"+dept.String()+"'")
	assert.Contains(t, sql, `programme_id IN (SELECT id FROM "programmes"`)

	assert.NotContains(t, scopedSQL(t, r, actor(model.RoleRecords), model.Course{}), "WHERE")
	assert.Contains(t, scopedSQL(t, r, actor(model.RoleStudent), model.Course{}), noRows)
}

func TestScopeCollectionCustomRule(t *testing.T) {
	r := newResolver(&fakeLinks{})
	r.Register("courses", func(_ context.Context, s authz.Scope) (*gorm.DB, error) {
		if s.Actor.Role == model.RoleLecturer {
			return s.Query.Where("lecturer_id = ?", s.Actor.ID), nil
		}
		return nil, authz.ErrNoMatch
	})

	lecturer := actor(model.RoleLecturer)
	assert.Contains(t, scopedSQL(t, r, lecturer, model.Course{}), "lecturer_id = '"+lecturer.ID.String()+"'")
	assert.Contains(t, scopedSQL(t, r, actor(model.RoleStudent), model.Course{}), noRows)

	r.Register("units", func(context.Context, authz.Scope) (*gorm.DB, error) {
		return nil, errors.New("boom")
	})
	assert.Contains(t, scopedSQL(t, r, lecturer, model.Unit{}), noRows)
}

func TestScopeCollectionParentSeesOnlyLinkedStudentRows(t *testing.T) {
	parent := actor(model.RoleParent)
	s1 := uuid.New()
	r := newResolver(&fakeLinks{links: map[uuid.UUID][]uuid.UUID{parent.ID: {s1}}})

	sql := scopedSQL(t, r, parent, model.FeeItem{})
	require.True(t, strings.HasPrefix(sql, `SELECT * FROM "fee_items"`), sql)
	assert.True(t, strings.HasSuffix(sql, "WHERE student_id IN ('"+s1.String()+"')"), sql)
}
