package authz

import (
	"reflect"

	"github.com/google/uuid"
)

// Entities declare the ownership signals they carry by implementing any of
// these interfaces. A zero UUID means the signal is absent.
type (
	// Owned entities have a direct owner reference.
	Owned interface {
		OwnerRef() uuid.UUID
	}

	// StudentScoped entities belong to a student, directly or one hop away.
	StudentScoped interface {
		StudentRef() uuid.UUID
	}

	// LecturerScoped entities name the lecturer responsible for them.
	LecturerScoped interface {
		LecturerRef() uuid.UUID
	}

	// Teachable entities can tell whether a lecturer teaches them.
	Teachable interface {
		TaughtBy(lecturerID uuid.UUID) bool
	}

	// DepartmentScoped entities carry a department reference.
	DepartmentScoped interface {
		DepartmentRef() uuid.UUID
	}

	// DepartmentChained entities inherit a department from a parent entity
	// (unit -> course -> programme). DepartmentParent returns nil when the
	// parent is not loaded.
	DepartmentChained interface {
		DepartmentParent() any
	}
)

// maxDepartmentHops bounds the parent walk. Submission -> assignment -> unit
// -> course -> programme is the longest chain in the schema.
const maxDepartmentHops = 4

// Signals are the ownership signals resolved from one entity.
type Signals struct {
	Owner      uuid.UUID
	Student    uuid.UUID
	Lecturer   uuid.UUID
	Department uuid.UUID
}

// ResolveSignals reads the ownership signals an entity declares, in order:
// owner, student, lecturer, department (direct, then inherited).
func ResolveSignals(entity any) Signals {
	var s Signals
	if isNil(entity) {
		return s
	}
	if o, ok := entity.(Owned); ok {
		s.Owner = o.OwnerRef()
	}
	if st, ok := entity.(StudentScoped); ok {
		s.Student = st.StudentRef()
	}
	if l, ok := entity.(LecturerScoped); ok {
		s.Lecturer = l.LecturerRef()
	}
	for _, d := range departmentChain(entity) {
		if d != uuid.Nil {
			s.Department = d
			break
		}
	}
	return s
}

// departmentChain returns the department references found walking from the
// entity up its parents, nearest first.
func departmentChain(entity any) []uuid.UUID {
	var chain []uuid.UUID
	cur := entity
	for range maxDepartmentHops + 1 {
		if isNil(cur) {
			break
		}
		if d, ok := cur.(DepartmentScoped); ok {
			chain = append(chain, d.DepartmentRef())
		}
		c, ok := cur.(DepartmentChained)
		if !ok {
			break
		}
		cur = c.DepartmentParent()
	}
	return chain
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}
