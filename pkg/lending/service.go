package lending

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"

	"library-lending/pkg/models"
)

const (
	RoleMember     = "MEMBER"
	RoleLibrarian  = "LIBRARIAN"
	RoleSuperadmin = "SUPERADMIN"
)

// LoanPeriodDays is the fixed lending period; the due date is stamped at
// issuance and never recalculated.
const LoanPeriodDays = 20

// issueTimeout bounds the issuance transaction, which chains several
// dependent writes (loan, stock, request accept, popularity).
const issueTimeout = 30 * time.Second

// Actor identifies who is performing a lifecycle operation. It is passed
// explicitly into every call instead of being read from ambient session
// state, so the engine is testable without a request context.
type Actor struct {
	ID   uint
	Role string
}

// CanActForOthers reports whether the role may issue or manage loans on
// behalf of another user.
func CanActForOthers(role string) bool {
	return role == RoleLibrarian || role == RoleSuperadmin
}

// CanManageRequests reports whether the role may decide loan requests and
// manage inventory.
func CanManageRequests(role string) bool {
	return role == RoleLibrarian || role == RoleSuperadmin
}

// Service is the book lending lifecycle engine. Every operation runs inside
// a single database transaction; that transaction is the only concurrency
// control in the system.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db, now: time.Now}
}

// NewServiceWithClock injects the clock for deterministic date math in tests.
func NewServiceWithClock(db *gorm.DB, now func() time.Time) *Service {
	return &Service{db: db, now: now}
}

func (s *Service) findTitle(tx *gorm.DB, titleUid string) (*models.BookTitle, error) {
	var title models.BookTitle
	if err := tx.Where("title_uid = ?", titleUid).First(&title).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTitleNotFound
		}
		return nil, err
	}
	return &title, nil
}

// copyIDsOf builds a subquery yielding the ids of every copy under a title,
// so holds can be checked at the title level rather than per copy.
func copyIDsOf(tx *gorm.DB, titleID uint) *gorm.DB {
	return tx.Model(&models.BookCopy{}).Select("id").Where("book_title_id = ?", titleID)
}

// userHoldsTitle applies the two independent duplicate-hold guards: an
// ISSUED loan for any copy of the title, or a PENDING request for any copy
// of the title, each blocks a new hold on its own. exceptRequestUid exempts
// the pending request an issuance is about to bridge into an accept, which
// would otherwise block its own fulfilment.
func (s *Service) userHoldsTitle(tx *gorm.DB, userID, titleID uint, exceptRequestUid string) (bool, error) {
	var n int64
	err := tx.Model(&models.BookLoan{}).
		Where("user_id = ? AND status = ?", userID, models.LoanIssued).
		Where("book_copy_id IN (?)", copyIDsOf(tx, titleID)).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	pending := tx.Model(&models.BookLoanRequest{}).
		Where("user_id = ? AND status = ?", userID, models.RequestPending).
		Where("book_copy_id IN (?)", copyIDsOf(tx, titleID))
	if exceptRequestUid != "" {
		pending = pending.Where("request_uid <> ?", exceptRequestUid)
	}
	if err := pending.Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// pickFreeCopy selects the lowest-numbered copy of the title that has no
// active loan. It must be called inside the transaction that consumes the
// copy, so a concurrent request cannot claim the same one.
func (s *Service) pickFreeCopy(tx *gorm.DB, titleID uint) (*models.BookCopy, error) {
	blocking := tx.Model(&models.BookLoan{}).
		Select("book_copy_id").
		Where("status = ?", models.LoanIssued)

	var copy models.BookCopy
	err := tx.Where("book_title_id = ?", titleID).
		Where("id NOT IN (?)", blocking).
		Order("copy_number ASC").
		First(&copy).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoAvailableCopy
		}
		return nil, err
	}
	return &copy, nil
}

// decrementStock performs the guarded conditional decrement that closes the
// check-then-decrement race: the losing side of a concurrent issuance for
// the last copy sees zero affected rows.
func (s *Service) decrementStock(tx *gorm.DB, titleID uint) error {
	res := tx.Model(&models.BookTitle{}).
		Where("id = ? AND stock > 0", titleID).
		UpdateColumn("stock", gorm.Expr("stock - 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrBookUnavailable
	}
	return nil
}

func (s *Service) incrementStock(tx *gorm.DB, titleID uint) error {
	return tx.Model(&models.BookTitle{}).
		Where("id = ?", titleID).
		UpdateColumn("stock", gorm.Expr("stock + 1")).Error
}

func (s *Service) createNotification(tx *gorm.DB, userID uint, message string) error {
	n := models.Notification{
		UserID:    userID,
		Message:   message,
		Read:      false,
		CreatedAt: s.now(),
	}
	return tx.Create(&n).Error
}

// priceOf parses the decimal-as-string price; a positive price gates the
// deposit/accept round-trip. Unparseable prices are treated as free.
func priceOf(title *models.BookTitle) float64 {
	p, err := strconv.ParseFloat(title.Price, 64)
	if err != nil {
		return 0
	}
	return p
}

func titleOfCopy(tx *gorm.DB, copyID uint) (*models.BookTitle, error) {
	var copy models.BookCopy
	if err := tx.First(&copy, copyID).Error; err != nil {
		return nil, err
	}
	var title models.BookTitle
	if err := tx.First(&title, copy.BookTitleID).Error; err != nil {
		return nil, err
	}
	return &title, nil
}

func requestOutcomeMessage(title *models.BookTitle, status models.RequestStatus, reason string) string {
	verb := "accepted"
	if status == models.RequestDeclined {
		verb = "declined"
	}
	if reason == "" {
		return fmt.Sprintf("Your request to borrow %q was %s", title.Title, verb)
	}
	return fmt.Sprintf("Your request to borrow %q was %s: %s", title.Title, verb, reason)
}
