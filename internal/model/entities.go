package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Base carries the identifier and timestamps shared by every domain entity.
type Base struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// EntityID returns the primary key as a string.
func (b Base) EntityID() string { return b.ID.String() }

// BeforeCreate assigns an ID so audit entries always carry the target key.
func (b *Base) BeforeCreate(*gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}

func derefID(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}

// Department is an academic department.
type Department struct {
	Base
	Name       string     `gorm:"type:text;not null" json:"name"`
	Code       string     `gorm:"type:text;uniqueIndex;not null" json:"code"`
	HeadUserID *uuid.UUID `gorm:"type:uuid" json:"head_user_id,omitempty"`
}

func (Department) TableName() string { return "departments" }

func (d Department) DepartmentRef() uuid.UUID { return d.ID }

// Programme groups courses under a department.
type Programme struct {
	Base
	Name         string    `gorm:"type:text;not null" json:"name"`
	Code         string    `gorm:"type:text;uniqueIndex;not null" json:"code"`
	DepartmentID uuid.UUID `gorm:"type:uuid;not null" json:"department_id"`
}

func (Programme) TableName() string { return "programmes" }

func (p Programme) DepartmentRef() uuid.UUID { return p.DepartmentID }

// Course belongs to a department either directly or through its programme.
type Course struct {
	Base
	Code         string     `gorm:"type:text;uniqueIndex;not null" json:"code"`
	Name         string     `gorm:"type:text;not null" json:"name"`
	Description  string     `gorm:"type:text" json:"description"`
	ProgrammeID  *uuid.UUID `gorm:"type:uuid" json:"programme_id,omitempty"`
	DepartmentID *uuid.UUID `gorm:"type:uuid" json:"department_id,omitempty"`
	LecturerID   *uuid.UUID `gorm:"type:uuid" json:"lecturer_id,omitempty"`
	Status       string     `gorm:"type:text;not null;default:'draft'" json:"status"`

	Programme *Programme `gorm:"foreignKey:ProgrammeID" json:"-"`
}

func (Course) TableName() string { return "courses" }

func (c Course) LecturerRef() uuid.UUID   { return derefID(c.LecturerID) }
func (c Course) DepartmentRef() uuid.UUID { return derefID(c.DepartmentID) }

func (c Course) DepartmentParent() any {
	if c.Programme == nil {
		return nil
	}
	return c.Programme
}

// Unit is a teachable block of a course.
type Unit struct {
	Base
	CourseID    uuid.UUID `gorm:"type:uuid;not null" json:"course_id"`
	Title       string    `gorm:"type:text;not null" json:"title"`
	Description string    `gorm:"type:text" json:"description"`

	Course *Course `gorm:"foreignKey:CourseID" json:"-"`
}

func (Unit) TableName() string { return "units" }

func (u Unit) DepartmentParent() any {
	if u.Course == nil {
		return nil
	}
	return u.Course
}

// TaughtBy reports whether the lecturer runs the unit's course.
func (u Unit) TaughtBy(lecturerID uuid.UUID) bool {
	return u.Course != nil && u.Course.LecturerID != nil && *u.Course.LecturerID == lecturerID
}

// Enrollment places a student on a course.
type Enrollment struct {
	Base
	StudentID uuid.UUID `gorm:"type:uuid;not null" json:"student_id"`
	CourseID  uuid.UUID `gorm:"type:uuid;not null" json:"course_id"`
	Active    bool      `gorm:"not null;default:true" json:"active"`
}

func (Enrollment) TableName() string { return "enrollments" }

func (e Enrollment) StudentRef() uuid.UUID { return e.StudentID }

// FeeItem is a charge raised against a student.
type FeeItem struct {
	Base
	StudentID uuid.UUID  `gorm:"type:uuid;not null" json:"student_id"`
	Title     string     `gorm:"type:text;not null" json:"title"`
	Amount    float64    `gorm:"type:numeric(10,2);not null" json:"amount"`
	Paid      float64    `gorm:"type:numeric(10,2);not null;default:0" json:"paid"`
	DueDate   *time.Time `gorm:"type:date" json:"due_date,omitempty"`
}

func (FeeItem) TableName() string { return "fee_items" }

func (f FeeItem) StudentRef() uuid.UUID { return f.StudentID }

// Payment settles part of a fee item.
type Payment struct {
	Base
	FeeItemID uuid.UUID `gorm:"type:uuid;not null" json:"fee_item_id"`
	Amount    float64   `gorm:"type:numeric(10,2);not null" json:"amount"`
	Method    string    `gorm:"type:text" json:"method"`

	FeeItem *FeeItem `gorm:"foreignKey:FeeItemID" json:"-"`
}

func (Payment) TableName() string { return "payments" }

// StudentRef resolves the student through the fee item when it is loaded.
func (p Payment) StudentRef() uuid.UUID {
	if p.FeeItem == nil {
		return uuid.Nil
	}
	return p.FeeItem.StudentID
}

// Assignment is coursework set on a unit.
type Assignment struct {
	Base
	UnitID      uuid.UUID  `gorm:"type:uuid;not null" json:"unit_id"`
	LecturerID  *uuid.UUID `gorm:"type:uuid" json:"lecturer_id,omitempty"`
	OwnerUserID *uuid.UUID `gorm:"type:uuid" json:"owner_user_id,omitempty"`
	Title       string     `gorm:"type:text;not null" json:"title"`
	Description string     `gorm:"type:text" json:"description"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	Status      string     `gorm:"type:text;not null;default:'draft'" json:"status"`

	Unit *Unit `gorm:"foreignKey:UnitID" json:"-"`
}

func (Assignment) TableName() string { return "assignments" }

func (a Assignment) OwnerRef() uuid.UUID    { return derefID(a.OwnerUserID) }
func (a Assignment) LecturerRef() uuid.UUID { return derefID(a.LecturerID) }

func (a Assignment) TaughtBy(lecturerID uuid.UUID) bool {
	return a.Unit != nil && a.Unit.TaughtBy(lecturerID)
}

func (a Assignment) DepartmentParent() any {
	if a.Unit == nil {
		return nil
	}
	return a.Unit
}

// SetOwner implements owner defaulting on create.
func (a *Assignment) SetOwner(id uuid.UUID) {
	if a.OwnerUserID == nil {
		a.OwnerUserID = &id
	}
}

// Registration is a student's request to take a unit.
type Registration struct {
	Base
	StudentID    uuid.UUID  `gorm:"type:uuid;not null" json:"student_id"`
	UnitID       uuid.UUID  `gorm:"type:uuid;not null" json:"unit_id"`
	Status       string     `gorm:"type:text;not null;default:'pending'" json:"status"`
	AcademicYear string     `gorm:"type:text" json:"academic_year"`
	Trimester    int        `gorm:"not null;default:1" json:"trimester"`
	ApprovedBy   *uuid.UUID `gorm:"type:uuid" json:"approved_by,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`

	Unit *Unit `gorm:"foreignKey:UnitID" json:"-"`
}

func (Registration) TableName() string { return "registrations" }

func (r Registration) StudentRef() uuid.UUID { return r.StudentID }

func (r Registration) TaughtBy(lecturerID uuid.UUID) bool {
	return r.Unit != nil && r.Unit.TaughtBy(lecturerID)
}

func (r Registration) DepartmentParent() any {
	if r.Unit == nil {
		return nil
	}
	return r.Unit
}

// Submission is a student's answer to an assignment.
type Submission struct {
	Base
	AssignmentID uuid.UUID  `gorm:"type:uuid;not null" json:"assignment_id"`
	StudentID    uuid.UUID  `gorm:"type:uuid;not null" json:"student_id"`
	LecturerID   *uuid.UUID `gorm:"type:uuid" json:"lecturer_id,omitempty"`
	Content      string     `gorm:"type:text" json:"content"`
	Score        *float64   `gorm:"type:numeric(5,2)" json:"score,omitempty"`

	Assignment *Assignment `gorm:"foreignKey:AssignmentID" json:"-"`
}

func (Submission) TableName() string { return "submissions" }

func (s Submission) StudentRef() uuid.UUID  { return s.StudentID }
func (s Submission) LecturerRef() uuid.UUID { return derefID(s.LecturerID) }

func (s Submission) DepartmentParent() any {
	if s.Assignment == nil {
		return nil
	}
	return s.Assignment
}

// Timetable is a scheduled session of a unit.
type Timetable struct {
	Base
	UnitID     uuid.UUID  `gorm:"type:uuid;not null" json:"unit_id"`
	StudentID  *uuid.UUID `gorm:"type:uuid" json:"student_id,omitempty"`
	LecturerID *uuid.UUID `gorm:"type:uuid" json:"lecturer_id,omitempty"`
	Weekday    int        `gorm:"not null" json:"weekday"`
	StartsAt   string     `gorm:"type:text;not null" json:"starts_at"`
	EndsAt     string     `gorm:"type:text;not null" json:"ends_at"`
	Room       string     `gorm:"type:text" json:"room"`

	Unit *Unit `gorm:"foreignKey:UnitID" json:"-"`
}

func (Timetable) TableName() string { return "timetables" }

func (t Timetable) StudentRef() uuid.UUID  { return derefID(t.StudentID) }
func (t Timetable) LecturerRef() uuid.UUID { return derefID(t.LecturerID) }

func (t Timetable) DepartmentParent() any {
	if t.Unit == nil {
		return nil
	}
	return t.Unit
}

// Notification is addressed to a single user.
type Notification struct {
	Base
	UserID uuid.UUID         `gorm:"type:uuid;not null" json:"user_id"`
	Title  string            `gorm:"type:text;not null" json:"title"`
	Body   string            `gorm:"type:text" json:"body"`
	Read   bool              `gorm:"not null;default:false" json:"read"`
	Kind   string            `gorm:"type:text;not null;default:'info'" json:"kind"`
	Data   datatypes.JSONMap `gorm:"type:jsonb" json:"data,omitempty"`
}

func (Notification) TableName() string { return "notifications" }

func (n Notification) OwnerRef() uuid.UUID { return n.UserID }

func (n *Notification) SetOwner(id uuid.UUID) {
	if n.UserID == uuid.Nil {
		n.UserID = id
	}
}

// CalendarEvent is a personal calendar entry.
type CalendarEvent struct {
	Base
	OwnerUserID  uuid.UUID         `gorm:"type:uuid;not null" json:"owner_user_id"`
	Title        string            `gorm:"type:text;not null" json:"title"`
	Description  string            `gorm:"type:text" json:"description"`
	StartAt      time.Time         `gorm:"not null" json:"start_at"`
	EndAt        time.Time         `gorm:"not null" json:"end_at"`
	TimezoneHint string            `gorm:"type:text;not null;default:'Africa/Nairobi'" json:"timezone_hint"`
	SourceType   string            `gorm:"type:text" json:"source_type"`
	SourceID     string            `gorm:"type:text" json:"source_id"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	IsActive     bool              `gorm:"not null;default:true" json:"is_active"`
}

func (CalendarEvent) TableName() string { return "calendar_events" }

func (e CalendarEvent) OwnerRef() uuid.UUID { return e.OwnerUserID }

func (e *CalendarEvent) SetOwner(id uuid.UUID) {
	if e.OwnerUserID == uuid.Nil {
		e.OwnerUserID = id
	}
}

// Message is a note written by its owner, optionally about a student.
type Message struct {
	Base
	OwnerUserID uuid.UUID  `gorm:"type:uuid;not null" json:"owner_user_id"`
	StudentID   *uuid.UUID `gorm:"type:uuid" json:"student_id,omitempty"`
	Subject     string     `gorm:"type:text" json:"subject"`
	Body        string     `gorm:"type:text" json:"body"`
	SenderRole  string     `gorm:"type:text" json:"sender_role"`
}

func (Message) TableName() string { return "messages" }

func (m Message) OwnerRef() uuid.UUID   { return m.OwnerUserID }
func (m Message) StudentRef() uuid.UUID { return derefID(m.StudentID) }

func (m *Message) SetOwner(id uuid.UUID) {
	if m.OwnerUserID == uuid.Nil {
		m.OwnerUserID = id
	}
}

// AuditedTables lists the tables whose lifecycle changes are audited when no
// explicit allow-list is configured.
func AuditedTables() []string {
	return []string{
		"departments", "programmes", "courses", "units", "enrollments",
		"fee_items", "payments", "assignments", "registrations", "submissions",
		"timetables", "notifications", "calendar_events", "messages", "users",
	}
}
