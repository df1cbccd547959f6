package models

import "time"

// ProxyStatus captures lifecycle states for proxy requests.
type ProxyStatus string

const (
	ProxyStatusPending     ProxyStatus = "PENDING"
	ProxyStatusAccepted    ProxyStatus = "PROXY_ACCEPTED"
	ProxyStatusHODApproved ProxyStatus = "HOD_APPROVED"
	ProxyStatusHODRejected ProxyStatus = "HOD_REJECTED"
	ProxyStatusCancelled   ProxyStatus = "CANCELLED"
)

// Valid reports whether the status belongs to the closed set. The ledger
// rejects any other value at its boundary.
func (s ProxyStatus) Valid() bool {
	switch s {
	case ProxyStatusPending, ProxyStatusAccepted, ProxyStatusHODApproved, ProxyStatusHODRejected, ProxyStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is permitted.
func (s ProxyStatus) Terminal() bool {
	switch s {
	case ProxyStatusHODApproved, ProxyStatusHODRejected, ProxyStatusCancelled:
		return true
	}
	return false
}

// Lecture slots are 8 fixed daily time windows.
const (
	MinLectureSlot = 1
	MaxLectureSlot = 8
)

// ProxyRequest is a faculty member's ask for a colleague to cover a lecture.
// Rows are never deleted; all mutation goes through lifecycle transitions.
//
// Invariants: ProxyFacultyID is nil while status is PENDING and set for every
// later status; HODApprovedAt is set iff status is HOD_APPROVED or HOD_REJECTED.
type ProxyRequest struct {
	ID                  string      `db:"id" json:"id"`
	RequestingFacultyID string      `db:"requesting_faculty_id" json:"requesting_faculty_id"`
	ProxyFacultyID      *string     `db:"proxy_faculty_id" json:"proxy_faculty_id,omitempty"`
	HODApproverID       *string     `db:"hod_approver_id" json:"hod_approver_id,omitempty"`
	SubjectID           string      `db:"subject_id" json:"subject_id"`
	Date                time.Time   `db:"date" json:"date"`
	LectureSlot         int         `db:"lecture_slot" json:"lecture_slot"`
	Reason              string      `db:"reason" json:"reason"`
	LeaveType           LeaveType   `db:"leave_type" json:"leave_type"`
	Status              ProxyStatus `db:"status" json:"status"`
	DecisionNote        *string     `db:"decision_note" json:"decision_note,omitempty"`
	RequestedAt         time.Time   `db:"requested_at" json:"requested_at"`
	RespondedAt         *time.Time  `db:"responded_at" json:"responded_at,omitempty"`
	HODApprovedAt       *time.Time  `db:"hod_approved_at" json:"hod_approved_at,omitempty"`
}

// ProxyRequestFilter constrains listing queries.
type ProxyRequestFilter struct {
	Status       []ProxyStatus
	RequesterID  string
	ProxyID      string
	DepartmentID string
	SubjectID    string
	DateFrom     *time.Time
	DateTo       *time.Time
	Limit        int
	Offset       int
}
