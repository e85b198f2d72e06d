package lending

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"library-lending/pkg/models"
)

var testClock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A second connection to a :memory: database would see an empty
	// schema, so everything shares one.
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := setupTestDB(t)
	return NewServiceWithClock(db, func() time.Time { return testClock }), db
}

func seedTitle(t *testing.T, db *gorm.DB, name, price string, copies int) *models.BookTitle {
	t.Helper()
	author := models.Author{Name: name + " Author"}
	require.NoError(t, db.Create(&author).Error)
	title := models.BookTitle{
		TitleUid: uuid.New().String(),
		Title:    name,
		AuthorID: author.ID,
		Price:    price,
		Stock:    copies,
	}
	require.NoError(t, db.Create(&title).Error)
	for i := 1; i <= copies; i++ {
		require.NoError(t, db.Create(&models.BookCopy{BookTitleID: title.ID, CopyNumber: i}).Error)
	}
	return &title
}

func reloadTitle(t *testing.T, db *gorm.DB, id uint) *models.BookTitle {
	t.Helper()
	var title models.BookTitle
	require.NoError(t, db.First(&title, id).Error)
	return &title
}

func notificationCount(t *testing.T, db *gorm.DB, userID uint) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.Notification{}).Where("user_id = ?", userID).Count(&n).Error)
	return n
}

func TestCreateRequestCreatesDepositAndPendingRequest(t *testing.T) {
	svc, db := newTestService(t)
	title := seedTitle(t, db, "Hyperion", "12.50", 2)
	member := Actor{ID: 7, Role: RoleMember}

	request, err := svc.CreateRequest(member, title.TitleUid, "12.50", "CARD", "pay-001")
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, request.Status)
	assert.NotEmpty(t, request.RequestUid)

	var deposit models.BookSecurityDeposit
	require.NoError(t, db.First(&deposit, request.BookSecurityDepositID).Error)
	assert.Equal(t, models.DepositActive, deposit.State)
	assert.Equal(t, "12.50", deposit.Amount)
	assert.Equal(t, member.ID, deposit.UserID)

	// The lowest-numbered free copy is reserved for the request.
	var copy models.BookCopy
	require.NoError(t, db.First(&copy, request.BookCopyID).Error)
	assert.Equal(t, 1, copy.CopyNumber)

	// Creating a request never touches stock.
	assert.Equal(t, 2, reloadTitle(t, db, title.ID).Stock)
}

func TestCreateRequestRejectsDuplicateHold(t *testing.T) {
	svc, db := newTestService(t)
	title := seedTitle(t, db, "Hyperion", "12.50", 2)
	member := Actor{ID: 7, Role: RoleMember}

	_, err := svc.CreateRequest(member, title.TitleUid, "12.50", "CARD", "pay-001")
	require.NoError(t, err)

	_, err = svc.CreateRequest(member, title.TitleUid, "12.50", "CARD", "pay-002")
	assert.ErrorIs(t, err, ErrAlreadyHeld)
}

func TestCreateRequestOutOfStock(t *testing.T) {
	svc, db := newTestService(t)
	title := seedTitle(t, db, "Hyperion", "12.50", 0)

	_, err := svc.CreateRequest(Actor{ID: 7, Role: RoleMember}, title.TitleUid, "12.50", "CARD", "pay-001")
	assert.ErrorIs(t, err, ErrBookUnavailable)

	var deposits int64
	db.Model(&models.BookSecurityDeposit{}).Count(&deposits)
	assert.Zero(t, deposits, "no deposit may survive a failed request")
}

func TestCreateRequestUnknownTitle(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateRequest(Actor{ID: 7, Role: RoleMember}, uuid.New().String(), "1", "CARD", "x")
	assert.ErrorIs(t, err, ErrTitleNotFound)
}

func TestAcceptRequestByStaffNotifiesRequester(t *testing.T) {
	svc, db := newTestService(t)
	title := seedTitle(t, db, "Hyperion", "12.50", 1)
	member := Actor{ID: 7, Role: RoleMember}
	request, err := svc.CreateRequest(member, title.TitleUid, "12.50", "CARD", "pay-001")
	require.NoError(t, err)

	accepted, err := svc.AcceptRequest(Actor{ID: 2, Role: RoleLibrarian}, request.RequestUid, "deposit verified")
	require.NoError(t, err)
	assert.Equal(t, models.RequestAccepted, accepted.Status)
	assert.Equal(t, "deposit verified", accepted.Description)
	assert.EqualValues(t, 1, notificationCount(t, db, member.ID))
}

func TestAcceptRequestSelfServiceStaysSilent(t *testing.T) {
	svc, db := newTestService(t)
	title := seedTitle(t, db, "Free Book", "0", 1)
	member := Actor{ID: 7, Role: RoleMember}
	request, err := svc.CreateRequest(member, title.TitleUid, "0", "", "")
	require.NoError(t, err)

	accepted, err := svc.AcceptRequest(member, request.RequestUid, "")
	require.NoError(t, err)
	assert.Equal(t, models.RequestAccepted, accepted.Status)
	assert.Zero(t, notificationCount(t, db, member.ID))
}

func TestAcceptRequestNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.AcceptRequest(Actor{ID: 2, Role: RoleLibrarian}, uuid.New().String(), "ok")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestDeclineRequestDeactivatesDepositAndNotifies(t *testing.T) {
	svc, db := newTestService(t)
	title := seedTitle(t, db, "Hyperion", "12.50", 3)
	member := Actor{ID: 7, Role: RoleMember}
	request, err := svc.CreateRequest(member, title.TitleUid, "12.50", "CARD", "pay-001")
	require.NoError(t, err)

	declined, err := svc.DeclineRequest(Actor{ID: 2, Role: RoleLibrarian}, request.RequestUid, "deposit bounced")
	require.NoError(t, err)
	assert.Equal(t, models.RequestDeclined, declined.Status)
	assert.Equal(t, "deposit bounced", declined.Description)

	var deposit models.BookSecurityDeposit
	require.NoError(t, db.First(&deposit, request.BookSecurityDepositID).Error)
	assert.Equal(t, models.DepositUnactive, deposit.State)
	require.NotNil(t, deposit.ReturnDate)

	assert.EqualValues(t, 1, notificationCount(t, db, member.ID))
	assert.Equal(t, 3, reloadTitle(t, db, title.ID).Stock, "decline never touches stock")
}

func TestDeclineRequestIsTerminal(t *testing.T) {
	svc, db := newTestService(t)
	title := seedTitle(t, db, "Hyperion", "12.50", 1)
	request, err := svc.CreateRequest(Actor{ID: 7, Role: RoleMember}, title.TitleUid, "12.50", "CARD", "pay-001")
	require.NoError(t, err)

	staff := Actor{ID: 2, Role: RoleLibrarian}
	_, err = svc.DeclineRequest(staff, request.RequestUid, "no")
	require.NoError(t, err)

	_, err = svc.DeclineRequest(staff, request.RequestUid, "again")
	assert.ErrorIs(t, err, ErrRequestDecided)
	_, err = svc.AcceptRequest(staff, request.RequestUid, "changed my mind")
	assert.ErrorIs(t, err, ErrRequestDecided)
}

func TestIssueFreeBookDirectly(t *testing.T) {
	svc, db := newTestService(t)
	title := seedTitle(t, db, "Dune", "0", 2)
	member := Actor{ID: 7, Role: RoleMember}

	loan, err := svc.IssueBook(member, title.TitleUid, 0, "")
	require.NoError(t, err)
	assert.Equal(t, models.LoanIssued, loan.Status)
	assert.Equal(t, testClock, loan.LoanDate)
	assert.Equal(t, testClock.AddDate(0, 0, LoanPeriodDays), loan.ReturnDate)

	reloaded := reloadTitle(t, db, title.ID)
	assert.Equal(t, 1, reloaded.Stock)
	assert.Equal(t, 1, reloaded.LoanCount)
	require.NotNil(t, reloaded.LastLoanedAt)
}

func TestIssueAssignsLowestNumberedCopyFirst(t *testing.T) {
	svc, db := newTestService(t)
	title := seedTitle(t, db, "Dune", "0", 2)

	loanA, err := svc.IssueBook(Actor{ID: 1, Role: RoleMember}, title.TitleUid, 0, "")
	require.NoError(t, err)
	loanB, err := svc.IssueBook(Actor{ID: 2, Role: RoleMember}, title.TitleUid, 0, "")
	require.NoError(t, err)

	var copyA, copyB models.BookCopy
	require.NoError(t, db.First(&copyA, loanA.BookCopyID).Error)
	require.NoError(t, db.First(&copyB, loanB.BookCopyID).Error)
	assert.Equal(t, 1, copyA.CopyNumber)
	assert.Equal(t, 2, copyB.CopyNumber)
	assert.Equal(t, 0, reloadTitle(t, db, title.ID).Stock)

	_, err = svc.IssueBook(Actor{ID: 3, Role: RoleMember}, title.TitleUid, 0, "")
	assert.ErrorIs(t, err, ErrBookUnavailable)
}

func TestIssueRejectsExistingHold(t *testing.T) {
	svc, db := newTestService(t)
	title := seedTitle(t, db, "Dune", "0", 2)
	member := Actor{ID: 7, Role: RoleMember}

	_, err := svc.IssueBook(member, title.TitleUid, 0, "")
	require.NoError(t, err)

	_, err = svc.IssueBook(member, title.TitleUid, 0, "")
	assert.ErrorIs(t, err, ErrAlreadyHeld)
}

func TestIssueForAnotherUserRequiresStaff(t *testing.T) {
	svc, db := newTestService(t)
	title := seedTitle(t, db, "Dune", "0", 2)

	_, err := svc.IssueBook(Actor{ID: 7, Role: RoleMember}, title.TitleUid, 8, "")
	assert.ErrorIs(t, err, ErrForbidden)

	loan, err := svc.IssueBook(Actor{ID: 2, Role: RoleLibrarian}, title.TitleUid, 8, "")
	require.NoError(t, err)
	assert.EqualValues(t, 8, loan.UserID)
}

func TestIssueUnauthenticated(t *testing.T) {
	svc, db := newTestService(t)
	title := seedTitle(t, db, "Dune", "0", 1)

	_, err := svc.IssueBook(Actor{}, title.TitleUid, 0, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestIssuePaidBookBridgesPendingRequest(t *testing.T) {
	svc, db := newTestService(t)
	title := seedTitle(t, db, "Knuth", "59.90", 1)
	member := Actor{ID: 7, Role: RoleMember}

	request, err := svc.CreateRequest(member, title.TitleUid, "59.90", "CARD", "pay-001")
	require.NoError(t, err)

	staff := Actor{ID: 2, Role: RoleLibrarian}
	loan, err := svc.IssueBook(staff, title.TitleUid, member.ID, request.RequestUid)
	require.NoError(t, err)
	assert.Equal(t, models.LoanIssued, loan.Status)
	assert.EqualValues(t, member.ID, loan.UserID)

	var decided models.BookLoanRequest
	require.NoError(t, db.First(&decided, request.ID).Error)
	assert.Equal(t, models.RequestAccepted, decided.Status)
	assert.Equal(t, "Payment correctly verified", decided.Description)

	assert.Equal(t, 0, reloadTitle(t, db, title.ID).Stock)
	assert.EqualValues(t, 1, notificationCount(t, db, member.ID))
}

func TestIssueMemberCannotBridgeOwnPaidRequest(t *testing.T) {
	svc, db := newTestService(t)
	title := seedTitle(t, db, "Knuth", "59.90", 1)
	member := Actor{ID: 7, Role: RoleMember}

	request, err := svc.CreateRequest(member, title.TitleUid, "59.90", "CARD", "pay-001")
	require.NoError(t, err)

	// Passing their own request uid must not let a member sidestep the
	// payment-verification accept on a priced title.
	_, err = svc.IssueBook(member, title.TitleUid, 0, request.RequestUid)
	assert.ErrorIs(t, err, ErrAlreadyHeld)

	var pending models.BookLoanRequest
	require.NoError(t, db.First(&pending, request.ID).Error)
	assert.Equal(t, models.RequestPending, pending.Status)
	var deposit models.BookSecurityDeposit
	require.NoError(t, db.First(&deposit, request.BookSecurityDepositID).Error)
	assert.Equal(t, models.DepositActive, deposit.State)

	assert.Equal(t, 1, reloadTitle(t, db, title.ID).Stock)
	var loans int64
	db.Model(&models.BookLoan{}).Count(&loans)
	assert.Zero(t, loans)
}

func TestIssueBridgeRejectsRequestForAnotherTitle(t *testing.T) {
	svc, db := newTestService(t)
	titleA := seedTitle(t, db, "Knuth", "59.90", 1)
	titleB := seedTitle(t, db, "Hyperion", "12.50", 1)
	member := Actor{ID: 7, Role: RoleMember}

	request, err := svc.CreateRequest(member, titleB.TitleUid, "12.50", "CARD", "pay-001")
	require.NoError(t, err)

	staff := Actor{ID: 2, Role: RoleLibrarian}
	_, err = svc.IssueBook(staff, titleA.TitleUid, member.ID, request.RequestUid)
	assert.ErrorIs(t, err, ErrRequestMismatch)

	var unrelated models.BookLoanRequest
	require.NoError(t, db.First(&unrelated, request.ID).Error)
	assert.Equal(t, models.RequestPending, unrelated.Status)
	assert.Equal(t, 1, reloadTitle(t, db, titleA.ID).Stock)
	var loans int64
	db.Model(&models.BookLoan{}).Count(&loans)
	assert.Zero(t, loans)
}

func TestIssueBridgeRejectsRequestOfAnotherUser(t *testing.T) {
	svc, db := newTestService(t)
	title := seedTitle(t, db, "Knuth", "59.90", 2)

	request, err := svc.CreateRequest(Actor{ID: 7, Role: RoleMember}, title.TitleUid, "59.90", "CARD", "pay-001")
	require.NoError(t, err)

	staff := Actor{ID: 2, Role: RoleLibrarian}
	_, err = svc.IssueBook(staff, title.TitleUid, 8, request.RequestUid)
	assert.ErrorIs(t, err, ErrRequestMismatch)
}

func TestRequestAcceptIssueRoundTrip(t *testing.T) {
	svc, db := newTestService(t)
	title := seedTitle(t, db, "Knuth", "59.90", 3)
	member := Actor{ID: 7, Role: RoleMember}
	staff := Actor{ID: 2, Role: RoleLibrarian}

	request, err := svc.CreateRequest(member, title.TitleUid, "59.90", "CARD", "pay-001")
	require.NoError(t, err)
	_, err = svc.AcceptRequest(staff, request.RequestUid, "deposit verified")
	require.NoError(t, err)
	_, err = svc.IssueBook(staff, title.TitleUid, member.ID, "")
	require.NoError(t, err)

	var accepted, loans int64
	db.Model(&models.BookLoanRequest{}).Where("status = ?", models.RequestAccepted).Count(&accepted)
	db.Model(&models.BookLoan{}).Where("status = ?", models.LoanIssued).Count(&loans)
	assert.EqualValues(t, 1, accepted)
	assert.EqualValues(t, 1, loans)
	assert.EqualValues(t, 1, notificationCount(t, db, member.ID))
	assert.Equal(t, 2, reloadTitle(t, db, title.ID).Stock)
}

func TestConcurrentIssueSingleWinner(t *testing.T) {
	db := setupTestDB(t)
	svc := NewService(db)
	title := seedTitle(t, db, "Last Copy", "0", 1)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.IssueBook(Actor{ID: uint(i + 1), Role: RoleMember}, title.TitleUid, 0, "")
		}(i)
	}
	wg.Wait()

	var successes, losses int
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		default:
			assert.ErrorIs(t, err, ErrBookUnavailable)
			losses++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, losses)

	assert.Equal(t, 0, reloadTitle(t, db, title.ID).Stock)
	var loans int64
	db.Model(&models.BookLoan{}).Count(&loans)
	assert.EqualValues(t, 1, loans)
}

func TestReturnBookRestoresStock(t *testing.T) {
	svc, db := newTestService(t)
	title := seedTitle(t, db, "Dune", "0", 1)
	member := Actor{ID: 7, Role: RoleMember}

	_, err := svc.IssueBook(member, title.TitleUid, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 0, reloadTitle(t, db, title.ID).Stock)

	loan, err := svc.ReturnBook(member, title.TitleUid)
	require.NoError(t, err)
	assert.Equal(t, models.LoanInStock, loan.Status)
	assert.Equal(t, testClock, loan.ReturnDate, "actual return time overwrites the due date")
	assert.Equal(t, 1, reloadTitle(t, db, title.ID).Stock)
}

func TestReturnTwiceFailsWithoutDoubleIncrement(t *testing.T) {
	svc, db := newTestService(t)
	title := seedTitle(t, db, "Dune", "0", 1)
	member := Actor{ID: 7, Role: RoleMember}

	_, err := svc.IssueBook(member, title.TitleUid, 0, "")
	require.NoError(t, err)
	_, err = svc.ReturnBook(member, title.TitleUid)
	require.NoError(t, err)

	_, err = svc.ReturnBook(member, title.TitleUid)
	assert.ErrorIs(t, err, ErrNotIssued)
	assert.Equal(t, 1, reloadTitle(t, db, title.ID).Stock)
}

func TestReturnWithoutLoan(t *testing.T) {
	svc, db := newTestService(t)
	title := seedTitle(t, db, "Dune", "0", 1)

	_, err := svc.ReturnBook(Actor{ID: 7, Role: RoleMember}, title.TitleUid)
	assert.ErrorIs(t, err, ErrNotIssued)
}

func TestAddBookCopyAppendsNextNumber(t *testing.T) {
	svc, db := newTestService(t)
	title := seedTitle(t, db, "Dune", "0", 3)

	copy, err := svc.AddBookCopy(Actor{ID: 2, Role: RoleLibrarian}, title.TitleUid)
	require.NoError(t, err)
	assert.Equal(t, 4, copy.CopyNumber)
	assert.Equal(t, 4, reloadTitle(t, db, title.ID).Stock)
}

func TestAddBookCopyRequiresStaff(t *testing.T) {
	svc, db := newTestService(t)
	title := seedTitle(t, db, "Dune", "0", 1)

	_, err := svc.AddBookCopy(Actor{ID: 7, Role: RoleMember}, title.TitleUid)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCreateTitleStartsWithFirstCopy(t *testing.T) {
	svc, db := newTestService(t)

	title, err := svc.CreateTitle(Actor{ID: 1, Role: RoleSuperadmin}, CreateTitleInput{
		Title:      "Hyperion",
		Author:     "Dan Simmons",
		Price:      "9.99",
		Categories: []string{"Science Fiction"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, title.Stock)

	var copies []models.BookCopy
	require.NoError(t, db.Where("book_title_id = ?", title.ID).Find(&copies).Error)
	require.Len(t, copies, 1)
	assert.Equal(t, 1, copies[0].CopyNumber)
}

func TestGetTitleListsCopiesWithAvailability(t *testing.T) {
	svc, db := newTestService(t)
	title := seedTitle(t, db, "Dune", "0", 2)

	_, err := svc.IssueBook(Actor{ID: 7, Role: RoleMember}, title.TitleUid, 0, "")
	require.NoError(t, err)

	_, copies, err := svc.GetTitle(title.TitleUid)
	require.NoError(t, err)
	require.Len(t, copies, 2)
	assert.Equal(t, 1, copies[0].Copy.CopyNumber)
	assert.True(t, copies[0].OnLoan, "lowest-numbered copy went out first")
	assert.Equal(t, 2, copies[1].Copy.CopyNumber)
	assert.False(t, copies[1].OnLoan)
}

func TestRateBookUpsertsAndRefreshesAverage(t *testing.T) {
	svc, db := newTestService(t)
	title := seedTitle(t, db, "Dune", "0", 1)

	_, err := svc.RateBook(Actor{ID: 7, Role: RoleMember}, title.TitleUid, 5)
	require.NoError(t, err)
	_, err = svc.RateBook(Actor{ID: 8, Role: RoleMember}, title.TitleUid, 2)
	require.NoError(t, err)
	assert.InDelta(t, 3.5, reloadTitle(t, db, title.ID).AverageRating, 0.001)

	// Re-rating replaces in place, no history row.
	_, err = svc.RateBook(Actor{ID: 8, Role: RoleMember}, title.TitleUid, 4)
	require.NoError(t, err)
	var ratings int64
	db.Model(&models.Rating{}).Count(&ratings)
	assert.EqualValues(t, 2, ratings)
	assert.InDelta(t, 4.5, reloadTitle(t, db, title.ID).AverageRating, 0.001)

	_, err = svc.RateBook(Actor{ID: 8, Role: RoleMember}, title.TitleUid, 6)
	assert.ErrorIs(t, err, ErrInvalidRating)
}

func TestUpdatePopularity(t *testing.T) {
	svc, db := newTestService(t)
	title := seedTitle(t, db, "Dune", "0", 1)

	require.NoError(t, svc.UpdatePopularity(title.TitleUid))
	reloaded := reloadTitle(t, db, title.ID)
	assert.Equal(t, 1, reloaded.LoanCount)
	require.NotNil(t, reloaded.LastLoanedAt)
	assert.Zero(t, reloaded.AverageRating, "no ratings means average 0")
}

func TestNotificationsListAndMarkRead(t *testing.T) {
	svc, db := newTestService(t)
	title := seedTitle(t, db, "Hyperion", "12.50", 1)
	member := Actor{ID: 7, Role: RoleMember}
	request, err := svc.CreateRequest(member, title.TitleUid, "12.50", "CARD", "pay-001")
	require.NoError(t, err)
	_, err = svc.DeclineRequest(Actor{ID: 2, Role: RoleLibrarian}, request.RequestUid, "no")
	require.NoError(t, err)

	notifications, err := svc.ListNotifications(member.ID)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	assert.False(t, notifications[0].Read)

	read, err := svc.MarkNotificationRead(member.ID, notifications[0].ID)
	require.NoError(t, err)
	assert.True(t, read.Read)

	_, err = svc.MarkNotificationRead(99, notifications[0].ID)
	assert.ErrorIs(t, err, ErrNotificationNotFound, "users cannot read others' notifications")
}
