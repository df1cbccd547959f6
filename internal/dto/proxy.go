package dto

import "github.com/facultydesk/proxy-api/internal/models"

// CreateProxyRequest is the payload for submitting a cover request.
type CreateProxyRequest struct {
	SubjectID   string           `json:"subject_id" validate:"required"`
	Date        string           `json:"date" validate:"required,datetime=2006-01-02"`
	LectureSlot int              `json:"lecture_slot" validate:"required"`
	Reason      string           `json:"reason" validate:"required,min=3,max=500"`
	LeaveType   models.LeaveType `json:"leave_type" validate:"omitempty,oneof=CASUAL SICK EARNED"`
}

// DecisionRequest carries an optional note for HOD approve/reject calls.
type DecisionRequest struct {
	Note string `json:"note" validate:"omitempty,max=500"`
}

// ProxyQuery mirrors supported listing filters.
type ProxyQuery struct {
	Status   []models.ProxyStatus
	Scope    string
	DateFrom string
	DateTo   string
	Limit    int
	Offset   int
}
