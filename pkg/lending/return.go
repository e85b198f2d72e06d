package lending

import (
	"errors"

	"gorm.io/gorm"

	"library-lending/pkg/models"
)

// ReturnBook flips the actor's issued loan on the title back to IN_STOCK,
// stamps the actual return time over the stored due date, and restores one
// unit of stock. A second return of the same loan fails with NotIssued and
// does not increment stock again.
func (s *Service) ReturnBook(actor Actor, titleUid string) (*models.BookLoan, error) {
	if actor.ID == 0 {
		return nil, ErrUnauthenticated
	}
	if titleUid == "" {
		return nil, ErrMissingInput
	}

	var loan models.BookLoan
	err := s.db.Transaction(func(tx *gorm.DB) error {
		title, err := s.findTitle(tx, titleUid)
		if err != nil {
			return err
		}

		err = tx.Where("user_id = ? AND status = ?", actor.ID, models.LoanIssued).
			Where("book_copy_id IN (?)", copyIDsOf(tx, title.ID)).
			First(&loan).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotIssued
			}
			return err
		}

		loan.Status = models.LoanInStock
		loan.ReturnDate = s.now()
		if err := tx.Save(&loan).Error; err != nil {
			return err
		}

		return s.incrementStock(tx, title.ID)
	})
	if err != nil {
		return nil, convert(err)
	}
	return &loan, nil
}

// LoanView pairs a loan with its title for the member's loan listing.
type LoanView struct {
	Loan  models.BookLoan
	Title models.BookTitle
}

// LoansForUser lists a user's loans, newest first, with their titles.
func (s *Service) LoansForUser(userID uint) ([]LoanView, error) {
	if userID == 0 {
		return nil, ErrUnauthenticated
	}
	var loans []models.BookLoan
	if err := s.db.Where("user_id = ?", userID).Order("loan_date DESC").Find(&loans).Error; err != nil {
		return nil, convert(err)
	}
	views := make([]LoanView, 0, len(loans))
	for _, loan := range loans {
		title, err := titleOfCopy(s.db, loan.BookCopyID)
		if err != nil {
			return nil, convert(err)
		}
		views = append(views, LoanView{Loan: loan, Title: *title})
	}
	return views, nil
}
