package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"lifeboat/internal/models"
	"lifeboat/internal/repository"
)

type AlertHistoryService struct {
	alertRepo repository.AlertRepo
}

func NewAlertHistoryService(alertRepo repository.AlertRepo) *AlertHistoryService {
	return &AlertHistoryService{alertRepo: alertRepo}
}

var (
	errInvalidTimeRange = errors.New("invalid time range: From must be <= To")
	errUnknownAlertCode = errors.New("unknown alert code")
)

// normalizeToUTC returns t in UTC, preserving zero time values.
func normalizeToUTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

// normalizeAlertCode trims spaces and uppercases the code filter.
func normalizeAlertCode(s string) string {
	return strings.TrimSpace(strings.ToUpper(s))
}

// normalizeAndValidateFilter prepares query parameters and validates the time range.
func normalizeAndValidateFilter(f AlertFilter) (time.Time, time.Time, string, error) {
	from := normalizeToUTC(f.From)
	to := normalizeToUTC(f.To)

	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return time.Time{}, time.Time{}, "", errInvalidTimeRange
	}

	code := normalizeAlertCode(f.Code)
	if code != "" && models.ParseAlertCode(code) == models.AlertNone && code != models.AlertNone.String() {
		return time.Time{}, time.Time{}, "", errUnknownAlertCode
	}
	return from, to, code, nil
}

func (s *AlertHistoryService) ListAlerts(ctx context.Context, f AlertFilter) ([]models.AlertRecord, error) {
	from, to, code, err := normalizeAndValidateFilter(f)
	if err != nil {
		return nil, err
	}
	return s.alertRepo.List(ctx, from, to, code)
}
