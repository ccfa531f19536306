package model_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduassist/eduassist/internal/model"
)

func TestParseRole(t *testing.T) {
	for _, r := range []string{"student", "parent", "lecturer", "hod", "finance", "records", "admin", "superadmin", "librarian", ""} {
		got, err := model.ParseRole(r)
		require.NoError(t, err, r)
		assert.Equal(t, model.Role(r), got)
	}
	_, err := model.ParseRole("janitor")
	assert.Error(t, err)
}

func TestPrincipalElevation(t *testing.T) {
	var anon *model.Principal
	assert.False(t, anon.IsAuthenticated())
	assert.False(t, anon.IsElevated())
	assert.Nil(t, anon.IDPtr())
	assert.Equal(t, uuid.Nil, anon.Department())

	student := &model.Principal{ID: uuid.New(), Role: model.RoleStudent}
	assert.True(t, student.IsAuthenticated())
	assert.False(t, student.IsElevated())

	staff := &model.Principal{ID: uuid.New(), Role: model.RoleLecturer, Staff: true}
	assert.True(t, staff.IsElevated())

	super := &model.Principal{ID: uuid.New(), Role: model.RoleSuperAdmin}
	assert.True(t, super.IsElevated())

	// An unauthenticated principal is never elevated, whatever its flags say.
	ghost := &model.Principal{Staff: true, Superuser: true}
	assert.False(t, ghost.IsElevated())
}

func TestRoleSeesAllRecords(t *testing.T) {
	assert.True(t, model.RoleFinance.SeesAllRecords())
	assert.True(t, model.RoleRecords.SeesAllRecords())
	assert.True(t, model.RoleAdmin.SeesAllRecords())
	assert.False(t, model.RoleStudent.SeesAllRecords())
	assert.False(t, model.RoleLibrarian.SeesAllRecords())
}

func TestUserPrincipal(t *testing.T) {
	dept := uuid.New()
	u := model.User{ID: uuid.New(), Username: "hod1", Role: model.RoleHOD, DepartmentID: &dept}
	p := u.Principal()
	assert.Equal(t, u.ID, p.ID)
	assert.Equal(t, dept, p.Department())
	assert.Equal(t, model.RoleHOD, p.Role)
}

func TestBaseBeforeCreateAssignsID(t *testing.T) {
	var f model.FeeItem
	require.NoError(t, f.BeforeCreate(nil))
	assert.NotEqual(t, uuid.Nil, f.ID)

	fixed := uuid.New()
	g := model.FeeItem{Base: model.Base{ID: fixed}}
	require.NoError(t, g.BeforeCreate(nil))
	assert.Equal(t, fixed, g.ID)
}
