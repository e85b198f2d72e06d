package lending

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"library-lending/pkg/models"
)

// CreateRequest records a borrow request for a priced title: a security
// deposit first, then a PENDING request referencing it, in one transaction.
// Partial creation (deposit without request) is prevented by rollback.
func (s *Service) CreateRequest(actor Actor, titleUid, amount, paymentMethod, paymentReference string) (*models.BookLoanRequest, error) {
	if actor.ID == 0 {
		return nil, ErrUnauthenticated
	}
	if titleUid == "" {
		return nil, ErrMissingInput
	}

	var request *models.BookLoanRequest
	err := s.db.Transaction(func(tx *gorm.DB) error {
		title, err := s.findTitle(tx, titleUid)
		if err != nil {
			return err
		}
		if title.Stock <= 0 {
			return ErrBookUnavailable
		}

		held, err := s.userHoldsTitle(tx, actor.ID, title.ID, "")
		if err != nil {
			return err
		}
		if held {
			return ErrAlreadyHeld
		}

		copy, err := s.pickFreeCopy(tx, title.ID)
		if err != nil {
			return err
		}

		deposit := models.BookSecurityDeposit{
			UserID:           actor.ID,
			BookCopyID:       copy.ID,
			Amount:           amount,
			PaymentMethod:    paymentMethod,
			PaymentReference: paymentReference,
			State:            models.DepositActive,
			DepositDate:      s.now(),
		}
		if err := tx.Create(&deposit).Error; err != nil {
			return err
		}

		request = &models.BookLoanRequest{
			RequestUid:            uuid.New().String(),
			UserID:                actor.ID,
			BookCopyID:            copy.ID,
			BookSecurityDepositID: deposit.ID,
			Status:                models.RequestPending,
			RequestDate:           s.now(),
		}
		return tx.Create(request).Error
	})
	if err != nil {
		return nil, convert(err)
	}
	return request, nil
}

// AcceptRequest moves a PENDING request to ACCEPTED. When the deciding actor
// is staff, the requester is notified; on the self-service free-book path
// the caller already knows the outcome and no notification is created.
func (s *Service) AcceptRequest(actor Actor, requestUid, reason string) (*models.BookLoanRequest, error) {
	var request *models.BookLoanRequest
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		request, err = s.acceptRequest(tx, actor, requestUid, reason)
		return err
	})
	if err != nil {
		return nil, convert(err)
	}
	return request, nil
}

// acceptRequest works on an already-open transaction so issuance can chain
// into it without nesting independent transactions.
func (s *Service) acceptRequest(tx *gorm.DB, actor Actor, requestUid, reason string) (*models.BookLoanRequest, error) {
	var request models.BookLoanRequest
	if err := tx.Where("request_uid = ?", requestUid).First(&request).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	if request.Status != models.RequestPending {
		return nil, ErrRequestDecided
	}

	request.Status = models.RequestAccepted
	request.Description = reason
	if err := tx.Save(&request).Error; err != nil {
		return nil, err
	}

	if CanManageRequests(actor.Role) {
		title, err := titleOfCopy(tx, request.BookCopyID)
		if err != nil {
			return nil, err
		}
		msg := requestOutcomeMessage(title, models.RequestAccepted, reason)
		if err := s.createNotification(tx, request.UserID, msg); err != nil {
			return nil, err
		}
	}
	return &request, nil
}

// DeclineRequest deactivates the active deposit (the refund signal), marks
// the request DECLINED with the reason, and notifies the requester, all in
// one transaction. Stock is never touched by a decline.
func (s *Service) DeclineRequest(actor Actor, requestUid, reason string) (*models.BookLoanRequest, error) {
	var request models.BookLoanRequest
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("request_uid = ?", requestUid).First(&request).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRequestNotFound
			}
			return err
		}
		if request.Status != models.RequestPending {
			return ErrRequestDecided
		}

		now := s.now()
		res := tx.Model(&models.BookSecurityDeposit{}).
			Where("id = ? AND state = ?", request.BookSecurityDepositID, models.DepositActive).
			Updates(map[string]interface{}{
				"state":       models.DepositUnactive,
				"return_date": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// The referenced deposit should always exist and be active
			// under FK integrity.
			return errDepositUpdate
		}

		res = tx.Model(&models.BookLoanRequest{}).
			Where("id = ?", request.ID).
			Updates(map[string]interface{}{
				"status":      models.RequestDeclined,
				"description": reason,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errRequestUpdate
		}
		request.Status = models.RequestDeclined
		request.Description = reason

		title, err := titleOfCopy(tx, request.BookCopyID)
		if err != nil {
			return err
		}
		msg := requestOutcomeMessage(title, models.RequestDeclined, reason)
		return s.createNotification(tx, request.UserID, msg)
	})
	if err != nil {
		return nil, convert(err)
	}
	return &request, nil
}
