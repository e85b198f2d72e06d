package lending

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"library-lending/pkg/models"
)

// paymentVerifiedReason is stored on the request when a staff issuance
// bridges the paid-deposit flow into an active loan.
const paymentVerifiedReason = "Payment correctly verified"

// IssueBook converts an approved intent (or a direct action on a free book)
// into an active loan. forUserID may be zero, meaning the actor borrows for
// themselves; issuing on behalf of another user requires a staff role.
// requestUid is optional and only consulted on the staff paid-book path.
//
// The whole operation runs in a single transaction with an extended timeout
// because it chains the loan insert, the guarded stock decrement, the
// request accept and the popularity update; failure of any step leaves
// stock and loan state untouched.
func (s *Service) IssueBook(actor Actor, titleUid string, forUserID uint, requestUid string) (*models.BookLoan, error) {
	if titleUid == "" {
		return nil, ErrMissingInput
	}
	userID := forUserID
	if userID == 0 {
		if actor.ID == 0 {
			return nil, ErrUnauthenticated
		}
		userID = actor.ID
	}
	if userID != actor.ID && !CanActForOthers(actor.Role) {
		return nil, ErrForbidden
	}
	// Only staff may bridge a pending request into an accept; a member
	// supplying their own request uid would otherwise sidestep the
	// payment-verification round-trip on priced titles.
	if requestUid != "" && !CanManageRequests(actor.Role) {
		requestUid = ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), issueTimeout)
	defer cancel()

	var loan *models.BookLoan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		title, err := s.findTitle(tx, titleUid)
		if err != nil {
			return err
		}
		if title.Stock <= 0 {
			return ErrBookUnavailable
		}

		if requestUid != "" {
			if err := s.checkBridgedRequest(tx, requestUid, userID, title.ID); err != nil {
				return err
			}
		}

		held, err := s.userHoldsTitle(tx, userID, title.ID, requestUid)
		if err != nil {
			return err
		}
		if held {
			return ErrAlreadyHeld
		}

		copy, err := s.pickFreeCopy(tx, title.ID)
		if err != nil {
			if errors.Is(err, ErrNoAvailableCopy) {
				// Stock said yes but no copy is free: the counter has
				// drifted or a concurrent claim won; same outcome for
				// the caller.
				return ErrBookUnavailable
			}
			return err
		}

		now := s.now()
		loan = &models.BookLoan{
			LoanUid:    uuid.New().String(),
			BookCopyID: copy.ID,
			UserID:     userID,
			Status:     models.LoanIssued,
			LoanDate:   now,
			ReturnDate: now.AddDate(0, 0, LoanPeriodDays),
		}
		if err := tx.Create(loan).Error; err != nil {
			return err
		}

		if err := s.decrementStock(tx, title.ID); err != nil {
			return err
		}

		if priceOf(title) > 0 && CanManageRequests(actor.Role) && requestUid != "" {
			if _, err := s.acceptRequest(tx, actor, requestUid, paymentVerifiedReason); err != nil {
				return err
			}
		}

		return s.updatePopularity(tx, title.ID)
	})
	if err != nil {
		return nil, convert(err)
	}
	return loan, nil
}

// checkBridgedRequest verifies that the request an issuance is about to
// accept actually belongs to the target user and to a copy of the issued
// title, so an unrelated request cannot be stamped as payment-verified.
func (s *Service) checkBridgedRequest(tx *gorm.DB, requestUid string, userID, titleID uint) error {
	var request models.BookLoanRequest
	if err := tx.Where("request_uid = ?", requestUid).First(&request).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRequestNotFound
		}
		return err
	}
	if request.UserID != userID {
		return ErrRequestMismatch
	}
	var copy models.BookCopy
	if err := tx.First(&copy, request.BookCopyID).Error; err != nil {
		return err
	}
	if copy.BookTitleID != titleID {
		return ErrRequestMismatch
	}
	return nil
}
