package dto

// DepartmentRequest creates or updates a department.
type DepartmentRequest struct {
	Code        string `json:"code" validate:"required,min=2,max=10"`
	Name        string `json:"name" validate:"required,min=3,max=100"`
	Description string `json:"description" validate:"omitempty,max=255"`
}

// SubjectRequest creates or updates a subject.
type SubjectRequest struct {
	Code         string `json:"code" validate:"required,min=3,max=12"`
	Name         string `json:"name" validate:"required,min=3,max=100"`
	DepartmentID string `json:"department_id" validate:"required"`
	Credits      int    `json:"credits" validate:"required,min=1,max=10"`
	Semester     int    `json:"semester" validate:"required,min=1,max=8"`
}
