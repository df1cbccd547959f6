package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/facultydesk/proxy-api/internal/models"
)

const subjectColumns = `id, code, name, department_id, credits, semester, created_at, updated_at`

// SubjectRepository persists subject reference data.
type SubjectRepository struct {
	db *sqlx.DB
}

// NewSubjectRepository constructs the repository.
func NewSubjectRepository(db *sqlx.DB) *SubjectRepository {
	return &SubjectRepository{db: db}
}

// Create inserts a new subject.
func (r *SubjectRepository) Create(ctx context.Context, subject *models.Subject) error {
	if subject.ID == "" {
		subject.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if subject.CreatedAt.IsZero() {
		subject.CreatedAt = now
	}
	subject.UpdatedAt = now
	const query = `INSERT INTO subjects (id, code, name, department_id, credits, semester, created_at, updated_at)
		VALUES (:id, :code, :name, :department_id, :credits, :semester, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, subject); err != nil {
		return fmt.Errorf("create subject: %w", err)
	}
	return nil
}

// GetByID fetches a subject by identifier.
func (r *SubjectRepository) GetByID(ctx context.Context, id string) (*models.Subject, error) {
	query := fmt.Sprintf(`SELECT %s FROM subjects WHERE id = $1 LIMIT 1`, subjectColumns)
	var subject models.Subject
	if err := r.db.GetContext(ctx, &subject, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get subject: %w", err)
	}
	return &subject, nil
}

// List returns subjects, optionally scoped to a department.
func (r *SubjectRepository) List(ctx context.Context, departmentID string) ([]models.Subject, error) {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf(`SELECT %s FROM subjects`, subjectColumns))
	var args []interface{}
	if departmentID != "" {
		builder.WriteString(" WHERE department_id = $1")
		args = append(args, departmentID)
	}
	builder.WriteString(" ORDER BY code ASC")

	var subjects []models.Subject
	if err := r.db.SelectContext(ctx, &subjects, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	return subjects, nil
}

// ListByFaculty returns the subjects a faculty member holds.
func (r *SubjectRepository) ListByFaculty(ctx context.Context, userID string) ([]models.Subject, error) {
	query := fmt.Sprintf(`SELECT s.%s FROM subjects s
		JOIN faculty_subjects fs ON fs.subject_id = s.id
		WHERE fs.user_id = $1 ORDER BY s.code ASC`,
		strings.ReplaceAll(subjectColumns, ", ", ", s."))
	var subjects []models.Subject
	if err := r.db.SelectContext(ctx, &subjects, query, userID); err != nil {
		return nil, fmt.Errorf("list subjects by faculty: %w", err)
	}
	return subjects, nil
}

// Update updates mutable subject fields.
func (r *SubjectRepository) Update(ctx context.Context, subject *models.Subject) error {
	subject.UpdatedAt = time.Now().UTC()
	const query = `UPDATE subjects SET code = :code, name = :name, department_id = :department_id,
		credits = :credits, semester = :semester, updated_at = :updated_at WHERE id = :id`
	result, err := r.db.NamedExecContext(ctx, query, subject)
	if err != nil {
		return fmt.Errorf("update subject: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check subject update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
