package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/facultydesk/proxy-api/internal/dto"
	"github.com/facultydesk/proxy-api/internal/models"
	appErrors "github.com/facultydesk/proxy-api/pkg/errors"
	"github.com/facultydesk/proxy-api/pkg/export"
)

// ReportFormat enumerates supported export formats.
const (
	ReportFormatCSV = "csv"
	ReportFormatPDF = "pdf"
)

var reportHeaders = []string{
	"Request ID", "Requester", "Proxy", "Subject", "Date", "Slot", "Leave Type", "Status", "Requested At",
}

// Report bundles rendered bytes with HTTP metadata.
type Report struct {
	Content     []byte
	ContentType string
	Filename    string
}

// ReportService renders proxy-request history exports. HODs see their
// department, admins see everything.
type ReportService struct {
	proxies  *ProxyService
	identity identityStore
	subjects subjectLookup
	csv      *export.CSVExporter
	pdf      *export.PDFExporter
	logger   *zap.Logger
}

// NewReportService creates a new ReportService.
func NewReportService(proxies *ProxyService, identity identityStore, subjects subjectLookup, logger *zap.Logger) *ReportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportService{
		proxies:  proxies,
		identity: identity,
		subjects: subjects,
		csv:      export.NewCSVExporter(),
		pdf:      export.NewPDFExporter(),
		logger:   logger,
	}
}

// ProxyHistory renders the actor's visible request history in the requested
// format. Visibility follows the same scoping as the list endpoint.
func (s *ReportService) ProxyHistory(ctx context.Context, query dto.ProxyQuery, format string, actor *models.JWTClaims) (*Report, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = ReportFormatCSV
	}
	if format != ReportFormatCSV && format != ReportFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}

	requests, err := s.proxies.List(ctx, query, actor)
	if err != nil {
		return nil, err
	}

	dataset := export.Dataset{Headers: reportHeaders}
	nameCache := map[string]string{}
	subjectCache := map[string]string{}
	for i := range requests {
		request := &requests[i]
		row := map[string]string{
			"Request ID":   request.ID,
			"Requester":    s.userName(ctx, nameCache, request.RequestingFacultyID),
			"Proxy":        "",
			"Subject":      s.subjectName(ctx, subjectCache, request.SubjectID),
			"Date":         request.Date.Format("2006-01-02"),
			"Slot":         fmt.Sprintf("%d", request.LectureSlot),
			"Leave Type":   string(request.LeaveType),
			"Status":       string(request.Status),
			"Requested At": request.RequestedAt.Format(time.RFC3339),
		}
		if request.ProxyFacultyID != nil {
			row["Proxy"] = s.userName(ctx, nameCache, *request.ProxyFacultyID)
		}
		dataset.Rows = append(dataset.Rows, row)
	}

	stamp := time.Now().UTC().Format("20060102")
	switch format {
	case ReportFormatPDF:
		content, err := s.pdf.Render(dataset, "Proxy Request History")
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf report")
		}
		return &Report{
			Content:     content,
			ContentType: "application/pdf",
			Filename:    fmt.Sprintf("proxy-requests-%s.pdf", stamp),
		}, nil
	default:
		content, err := s.csv.Render(dataset)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv report")
		}
		return &Report{
			Content:     content,
			ContentType: "text/csv",
			Filename:    fmt.Sprintf("proxy-requests-%s.csv", stamp),
		}, nil
	}
}

func (s *ReportService) userName(ctx context.Context, cache map[string]string, id string) string {
	if name, ok := cache[id]; ok {
		return name
	}
	user, err := s.identity.FindByID(ctx, id)
	if err != nil {
		s.logger.Debug("failed to resolve user for report", zap.String("user_id", id), zap.Error(err))
		cache[id] = id
		return id
	}
	cache[id] = user.FullName()
	return cache[id]
}

func (s *ReportService) subjectName(ctx context.Context, cache map[string]string, id string) string {
	if name, ok := cache[id]; ok {
		return name
	}
	subject, err := s.subjects.GetByID(ctx, id)
	if err != nil {
		s.logger.Debug("failed to resolve subject for report", zap.String("subject_id", id), zap.Error(err))
		cache[id] = id
		return id
	}
	cache[id] = fmt.Sprintf("%s %s", subject.Code, subject.Name)
	return cache[id]
}
