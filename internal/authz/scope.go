package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/eduassist/eduassist/internal/model"
)

// ErrNoMatch is returned by a Rule that has no branch for the actor, so the
// owner fallback applies.
var ErrNoMatch = errors.New("authz: no matching rule")

// Rule narrows a collection query for a non-elevated, authenticated actor
// that has a role. Any error other than ErrNoMatch yields an empty result.
type Rule func(ctx context.Context, s Scope) (*gorm.DB, error)

// Scope is the input handed to a Rule.
type Scope struct {
	Actor *model.Principal
	Query *gorm.DB

	resolver *Resolver
}

// None returns a query that matches no rows.
func (s Scope) None() *gorm.DB {
	return s.Query.Where("1 = 0")
}

// LinkedStudents loads the actor's linked students fresh.
func (s Scope) LinkedStudents(ctx context.Context) ([]uuid.UUID, error) {
	return s.resolver.linkedStudents(ctx, s.Actor)
}

// Subquery starts an independent query against table that shares the
// session's dialect, for use inside IN (?) predicates.
func (s Scope) Subquery(table string) *gorm.DB {
	return s.Query.Session(&gorm.Session{NewDB: true}).Table(table)
}

// Register adds or replaces the collection rule for a table.
// Call during setup, before the resolver serves requests.
func (r *Resolver) Register(table string, rule Rule) {
	r.rules[table] = rule
}

// RegisterOwned declares the owner column of a table for the fallback rule.
func (r *Resolver) RegisterOwned(table, column string) {
	r.owned[table] = column
}

// ScopeCollection narrows q, a query over table, to the rows actor may see.
// It never returns an error: when a rule cannot be evaluated the result is
// empty.
func (r *Resolver) ScopeCollection(ctx context.Context, actor *model.Principal, table string, q *gorm.DB) *gorm.DB {
	s := Scope{Actor: actor, Query: q, resolver: r}
	if !actor.IsAuthenticated() {
		return s.None()
	}
	if actor.IsElevated() {
		return q
	}
	if actor.Role == "" {
		return s.None()
	}

	if rule, ok := r.rules[table]; ok {
		scoped, err := rule(ctx, s)
		switch {
		case err == nil:
			return scoped
		case !errors.Is(err, ErrNoMatch):
			r.logger.Warn("authz: collection rule failed, returning no rows",
				"error", err,
				"table", table,
				"actor_id", actor.ID,
				"role", actor.Role)
			return s.None()
		}
	}

	if column, ok := r.owned[table]; ok {
		return q.Where(fmt.Sprintf("%s = ?", column), actor.ID)
	}
	if r.failOpen[table] {
		return q
	}
	r.logger.Debug("authz: no collection rule, returning no rows", "table", table, "role", actor.Role)
	return s.None()
}

// ScopeModel is ScopeCollection for a gorm model value; the table is taken
// from the model's TableName.
func (r *Resolver) ScopeModel(ctx context.Context, actor *model.Principal, m interface{ TableName() string }, q *gorm.DB) *gorm.DB {
	return r.ScopeCollection(ctx, actor, m.TableName(), q)
}

func registerDefaultRules(r *Resolver) {
	r.RegisterOwned("assignments", "owner_user_id")
	r.RegisterOwned("calendar_events", "owner_user_id")
	r.RegisterOwned("messages", "owner_user_id")

	r.Register("notifications", notificationRule)
	r.Register("fee_items", feeItemRule)
	r.Register("payments", paymentRule)
	r.Register("assignments", assignmentRule)
	r.Register("registrations", registrationRule)
	r.Register("submissions", submissionRule)
	r.Register("timetables", timetableRule)
	r.Register("courses", courseRule)
}

func notificationRule(_ context.Context, s Scope) (*gorm.DB, error) {
	return s.Query.Where("user_id = ?", s.Actor.ID), nil
}

// studentColumn handles the student and parent branches shared by
// student-scoped tables.
func studentColumn(ctx context.Context, s Scope, column string) (*gorm.DB, error) {
	switch s.Actor.Role {
	case model.RoleStudent:
		return s.Query.Where(column+" = ?", s.Actor.ID), nil
	case model.RoleParent:
		ids, err := s.LinkedStudents(ctx)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return s.None(), nil
		}
		return s.Query.Where(column+" IN ?", ids), nil
	}
	return nil, ErrNoMatch
}

func feeItemRule(ctx context.Context, s Scope) (*gorm.DB, error) {
	if q, err := studentColumn(ctx, s, "student_id"); !errors.Is(err, ErrNoMatch) {
		return q, err
	}
	if s.Actor.Role.SeesAllRecords() {
		return s.Query, nil
	}
	return s.None(), nil
}

func paymentRule(ctx context.Context, s Scope) (*gorm.DB, error) {
	switch s.Actor.Role {
	case model.RoleStudent:
		return s.Query.Where("fee_item_id IN (?)",
			s.Subquery("fee_items").Select("id").Where("student_id = ?", s.Actor.ID)), nil
	case model.RoleParent:
		ids, err := s.LinkedStudents(ctx)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return s.None(), nil
		}
		return s.Query.Where("fee_item_id IN (?)",
			s.Subquery("fee_items").Select("id").Where("student_id IN ?", ids)), nil
	}
	if s.Actor.Role.SeesAllRecords() {
		return s.Query, nil
	}
	return s.None(), nil
}

func assignmentRule(ctx context.Context, s Scope) (*gorm.DB, error) {
	switch s.Actor.Role {
	case model.RoleStudent:
		return s.Query.Where("unit_id IN (?)", enrolledUnits(s, []uuid.UUID{s.Actor.ID})), nil
	case model.RoleParent:
		ids, err := s.LinkedStudents(ctx)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return s.None(), nil
		}
		return s.Query.Where("unit_id IN (?)", enrolledUnits(s, ids)), nil
	case model.RoleLecturer:
		return s.Query.Where("lecturer_id = ?", s.Actor.ID), nil
	case model.RoleHOD:
		dept := s.Actor.Department()
		if dept == uuid.Nil {
			return nil, ErrNoMatch
		}
		return s.Query.Where("unit_id IN (?)", departmentUnits(s, dept)), nil
	case model.RoleAdmin, model.RoleRecords:
		return s.Query, nil
	}
	return s.None(), nil
}

// unitScoped builds the rule shared by registration, submission and
// timetable records. lecturer narrows the lecturer branch and hod the
// department branch.
func unitScoped(lecturer func(Scope) *gorm.DB, hod func(Scope, uuid.UUID) *gorm.DB) Rule {
	return func(ctx context.Context, s Scope) (*gorm.DB, error) {
		if q, err := studentColumn(ctx, s, "student_id"); !errors.Is(err, ErrNoMatch) {
			return q, err
		}
		switch s.Actor.Role {
		case model.RoleLecturer:
			return lecturer(s), nil
		case model.RoleHOD:
			dept := s.Actor.Department()
			if dept == uuid.Nil {
				return nil, ErrNoMatch
			}
			return hod(s, dept), nil
		}
		if s.Actor.Role.SeesAllRecords() {
			return s.Query, nil
		}
		return s.None(), nil
	}
}

var (
	registrationRule = unitScoped(
		func(s Scope) *gorm.DB {
			return s.Query.Where("unit_id IN (?)", lecturerUnits(s, s.Actor.ID))
		},
		func(s Scope, dept uuid.UUID) *gorm.DB {
			return s.Query.Where("unit_id IN (?)", departmentUnits(s, dept))
		},
	)
	submissionRule = unitScoped(
		func(s Scope) *gorm.DB {
			return s.Query.Where("lecturer_id = ?", s.Actor.ID)
		},
		func(s Scope, dept uuid.UUID) *gorm.DB {
			return s.Query.Where("assignment_id IN (?)",
				s.Subquery("assignments").Select("id").Where("unit_id IN (?)", departmentUnits(s, dept)))
		},
	)
	timetableRule = unitScoped(
		func(s Scope) *gorm.DB {
			return s.Query.Where("lecturer_id = ?", s.Actor.ID)
		},
		func(s Scope, dept uuid.UUID) *gorm.DB {
			return s.Query.Where("unit_id IN (?)", departmentUnits(s, dept))
		},
	)
)

func courseRule(_ context.Context, s Scope) (*gorm.DB, error) {
	switch s.Actor.Role {
	case model.RoleLecturer:
		return s.Query.Where("lecturer_id = ?", s.Actor.ID), nil
	case model.RoleHOD:
		dept := s.Actor.Department()
		if dept == uuid.Nil {
			return nil, ErrNoMatch
		}
		return s.Query.Where("department_id = ? OR programme_id IN (?)", dept,
			s.Subquery("programmes").Select("id").Where("department_id = ?", dept)), nil
	}
	if s.Actor.Role.SeesAllRecords() {
		return s.Query, nil
	}
	return s.None(), nil
}

// departmentUnits selects units whose course belongs to dept directly or
// through its programme.
func departmentUnits(s Scope, dept uuid.UUID) *gorm.DB {
	return s.Subquery("units").Select("units.id").
		Joins("JOIN courses ON courses.id = units.course_id").
		Joins("LEFT JOIN programmes ON programmes.id = courses.programme_id").
		Where("courses.department_id = ? OR programmes.department_id = ?", dept, dept)
}

func enrolledUnits(s Scope, students []uuid.UUID) *gorm.DB {
	return s.Subquery("units").Select("units.id").
		Joins("JOIN enrollments ON enrollments.course_id = units.course_id").
		Where("enrollments.student_id IN ? AND enrollments.active", students)
}

func lecturerUnits(s Scope, lecturer uuid.UUID) *gorm.DB {
	return s.Subquery("units").Select("units.id").
		Joins("JOIN courses ON courses.id = units.course_id").
		Where("courses.lecturer_id = ?", lecturer)
}
