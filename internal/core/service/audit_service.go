package service

import (
	"context"

	"github.com/rl1809/stockflow/internal/core/domain"
	"github.com/rl1809/stockflow/internal/port"
)

const MaxAuditPageSize = 100

type AuditService struct {
	repo port.AuditRepository
}

func NewAuditService(repo port.AuditRepository) *AuditService {
	return &AuditService{repo: repo}
}

// History returns one page of audit entries, newest first.
func (s *AuditService) History(ctx context.Context, q domain.AuditQuery) (domain.AuditPage, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage < 1 || q.PerPage > MaxAuditPageSize {
		q.PerPage = MaxAuditPageSize
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.From.After(q.To) {
		return domain.AuditPage{}, ErrInvalidRange
	}

	page, err := s.repo.ListAudit(ctx, q)
	if err != nil {
		return domain.AuditPage{}, err
	}
	if page.Logs == nil {
		page.Logs = []domain.AuditLogEntry{}
	}
	return page, nil
}
