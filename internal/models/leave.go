package models

import "time"

// LeaveType enumerates the leave categories a covered lecture can consume.
type LeaveType string

const (
	LeaveCasual LeaveType = "CASUAL"
	LeaveSick   LeaveType = "SICK"
	LeaveEarned LeaveType = "EARNED"
)

// Valid reports whether the leave type is one of the closed set.
func (t LeaveType) Valid() bool {
	switch t {
	case LeaveCasual, LeaveSick, LeaveEarned:
		return true
	}
	return false
}

// LeaveBalance tracks the yearly quota per faculty member. One row per
// (user, year), created lazily on first need. used* never exceeds the
// allotted amount; the debit statement enforces it.
type LeaveBalance struct {
	ID               string    `db:"id" json:"id"`
	UserID           string    `db:"user_id" json:"user_id"`
	Year             int       `db:"year" json:"year"`
	CasualLeaves     int       `db:"casual_leaves" json:"casual_leaves"`
	SickLeaves       int       `db:"sick_leaves" json:"sick_leaves"`
	EarnedLeaves     int       `db:"earned_leaves" json:"earned_leaves"`
	UsedCasualLeaves int       `db:"used_casual_leaves" json:"used_casual_leaves"`
	UsedSickLeaves   int       `db:"used_sick_leaves" json:"used_sick_leaves"`
	UsedEarnedLeaves int       `db:"used_earned_leaves" json:"used_earned_leaves"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Remaining returns the unused units for the given category.
func (b *LeaveBalance) Remaining(t LeaveType) int {
	switch t {
	case LeaveSick:
		return b.SickLeaves - b.UsedSickLeaves
	case LeaveEarned:
		return b.EarnedLeaves - b.UsedEarnedLeaves
	default:
		return b.CasualLeaves - b.UsedCasualLeaves
	}
}

// LeaveAllotment carries admin overrides for yearly quotas.
type LeaveAllotment struct {
	CasualLeaves int `json:"casual_leaves" validate:"required,min=0"`
	SickLeaves   int `json:"sick_leaves" validate:"required,min=0"`
	EarnedLeaves int `json:"earned_leaves" validate:"required,min=0"`
}
