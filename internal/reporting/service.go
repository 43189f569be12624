package reporting

import (
	"context"
	"errors"
	"time"

	"voicecall-platform/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// MaxRange bounds a single summary query.
const MaxRange = 366 * 24 * time.Hour

// Repository abstracts data access for reporting.
//
// IMPORTANT:
// - Methods must only return records the user took part in.
// calls.Store satisfies it.

type Repository interface {
	ListForParticipant(ctx context.Context, userID string, from, to time.Time) ([]calls.Record, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.UserID == "" {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.To.Sub(req.Range.From) > MaxRange {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListForParticipant(ctx, req.UserID, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{UserID: req.UserID, Range: req.Range}
	for _, c := range rows {
		if !c.HasParticipant(req.UserID) {
			continue
		}
		out.TotalCalls++
		if c.CallerID == req.UserID {
			out.OutgoingCalls++
		} else {
			out.IncomingCalls++
		}
		if c.StartedAt != nil {
			out.AnsweredCalls++
			out.TotalDurationSeconds += c.DurationSeconds
		}
		switch c.Status {
		case calls.StatusDeclined:
			out.DeclinedCalls++
		case calls.StatusMissed:
			out.MissedCalls++
		case calls.StatusRinging, calls.StatusOngoing:
			out.InProgressCalls++
		case calls.StatusEnded:
			// counted through AnsweredCalls when it connected
		}
	}
	if out.AnsweredCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.AnsweredCalls
	}
	if out.TotalCalls > 0 {
		out.AnswerRate = float64(out.AnsweredCalls) / float64(out.TotalCalls)
	}
	return out, nil
}
