package dto

import "github.com/facultydesk/proxy-api/internal/models"

// CreateUserRequest is the admin payload for provisioning an account.
type CreateUserRequest struct {
	Email        string          `json:"email" validate:"required,email"`
	Password     string          `json:"password" validate:"required,min=8"`
	FirstName    string          `json:"first_name" validate:"required,min=2,max=50"`
	LastName     string          `json:"last_name" validate:"required,min=2,max=50"`
	PhoneNumber  string          `json:"phone_number" validate:"omitempty,min=10"`
	Role         models.UserRole `json:"role" validate:"required,oneof=FACULTY HOD ADMIN"`
	DepartmentID string          `json:"department_id" validate:"omitempty"`
}

// UpdateUserRequest updates mutable profile fields.
type UpdateUserRequest struct {
	FirstName    string           `json:"first_name" validate:"omitempty,min=2,max=50"`
	LastName     string           `json:"last_name" validate:"omitempty,min=2,max=50"`
	PhoneNumber  string           `json:"phone_number" validate:"omitempty,min=10"`
	Role         *models.UserRole `json:"role" validate:"omitempty,oneof=FACULTY HOD ADMIN"`
	DepartmentID *string          `json:"department_id"`
	Active       *bool            `json:"active"`
}
