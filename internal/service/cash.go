package service

import (
	"context"
	"errors"
	"strings"

	"zaiko/backend/internal/domain"
	"zaiko/backend/internal/store"
)

// OpenCashSession opens a drawer for the actor at the actor's branch.
// A branch holds at most one OPEN session, and so does a user.
func (s *Service) OpenCashSession(ctx context.Context, req domain.CashOpenRequest) (domain.CashSession, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.CashSession{}, err
	}
	if branch := strings.TrimSpace(req.BranchID); branch != "" && branch != actor.BranchID {
		return domain.CashSession{}, ErrForbidden
	}
	if req.InitialCash.IsNegative() || !domain.ValidMoney(req.InitialCash) {
		return domain.CashSession{}, ErrInvalidInput
	}

	session, err := s.repo.CreateCashSession(ctx, domain.CashSession{
		BranchID:    actor.BranchID,
		UserID:      actor.UserID,
		InitialCash: req.InitialCash,
		OpenedAt:    s.now(),
	})
	if err != nil {
		return domain.CashSession{}, mapStoreError(err)
	}

	s.metrics.CashTransition("open")
	s.log.Info().Str("session", session.ID).Str("branch", session.BranchID).Str("user", session.UserID).Msg("cash session opened")
	return *session, nil
}

// CloseCashSession counts the drawer and closes the session for good.
// Only the user who opened it may close it.
func (s *Service) CloseCashSession(ctx context.Context, req domain.CashCloseRequest) (domain.CashCloseResponse, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.CashCloseResponse{}, err
	}
	if strings.TrimSpace(req.CashSessionID) == "" || req.FinalCash.IsNegative() || !domain.ValidMoney(req.FinalCash) {
		return domain.CashCloseResponse{}, ErrInvalidInput
	}

	closed, err := s.repo.CloseCashSession(ctx, req.CashSessionID, actor.UserID, req.FinalCash, s.now())
	if err != nil {
		return domain.CashCloseResponse{}, mapStoreError(err)
	}

	resp := domain.CashCloseResponse{
		Expected: closed.Expected(),
		Session:  *closed,
	}
	if closed.Difference != nil {
		resp.Difference = *closed.Difference
	}

	s.metrics.CashTransition("close")
	s.log.Info().
		Str("session", closed.ID).
		Str("expected", resp.Expected.StringFixed(2)).
		Str("difference", resp.Difference.StringFixed(2)).
		Msg("cash session closed")
	return resp, nil
}

func (s *Service) CurrentCashSession(ctx context.Context) (domain.CashSession, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.CashSession{}, err
	}
	session, err := s.repo.GetOpenCashSession(ctx, actor.UserID, actor.BranchID)
	if err != nil {
		return domain.CashSession{}, err
	}
	return *session, nil
}

// RecordExpense takes cash out of an open drawer.
func (s *Service) RecordExpense(ctx context.Context, req domain.CashExpenseRequest) (domain.CashSession, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.CashSession{}, err
	}
	description := strings.TrimSpace(req.Description)
	if strings.TrimSpace(req.CashSessionID) == "" || description == "" || !req.Amount.IsPositive() || !domain.ValidMoney(req.Amount) {
		return domain.CashSession{}, ErrInvalidInput
	}

	session, err := s.repo.RecordCashMovement(ctx, domain.CashMovement{
		CashSessionID: req.CashSessionID,
		Kind:          domain.CashMovementExpense,
		Amount:        req.Amount,
		Description:   description,
		CreatedAt:     s.now(),
	}, actor.UserID)
	if err != nil {
		return domain.CashSession{}, mapStoreError(err)
	}

	s.log.Info().Str("session", session.ID).Str("amount", req.Amount.StringFixed(2)).Msg("cash expense recorded")
	return *session, nil
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotSessionOwner):
		return ErrForbidden
	case errors.Is(err, store.ErrInvalidTransaction):
		return ErrInvalidInput
	}
	return err
}
