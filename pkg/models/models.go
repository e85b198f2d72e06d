package models

import (
	"time"
)

type RequestStatus string

const (
	RequestPending  RequestStatus = "PENDING"
	RequestAccepted RequestStatus = "ACCEPTED"
	RequestDeclined RequestStatus = "DECLINED"
)

type LoanStatus string

const (
	LoanIssued  LoanStatus = "ISSUED"
	LoanInStock LoanStatus = "IN_STOCK"
)

type DepositState string

const (
	DepositActive   DepositState = "ACTIVE"
	DepositUnactive DepositState = "UNACTIVE"
)

type Author struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"size:120;not null;uniqueIndex"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Category struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"size:80;not null;uniqueIndex"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BookTitle is the catalog record shared by all physical copies. Stock is a
// denormalized count of copies not currently on loan; it is only mutated
// inside the lending transactions, never recomputed on read.
type BookTitle struct {
	ID            uint   `gorm:"primaryKey"`
	TitleUid      string `gorm:"type:uuid;uniqueIndex;not null"`
	Title         string `gorm:"not null"`
	AuthorID      uint
	Price         string `gorm:"size:20;default:'0'"`
	Stock         int    `gorm:"not null;default:0"`
	AverageRating float64
	LoanCount     int
	LastLoanedAt  *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Author     Author     `gorm:"foreignKey:AuthorID"`
	Categories []Category `gorm:"many2many:book_title_categories"`
}

// BookCopy is one lending-unit instance of a title. CopyNumber is monotonic
// per title: #1 is created with the title, later copies get max+1.
type BookCopy struct {
	ID          uint `gorm:"primaryKey"`
	BookTitleID uint `gorm:"not null;uniqueIndex:idx_title_copy"`
	CopyNumber  int  `gorm:"not null;uniqueIndex:idx_title_copy"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type BookLoan struct {
	ID         uint       `gorm:"primaryKey"`
	LoanUid    string     `gorm:"type:uuid;uniqueIndex;not null"`
	BookCopyID uint       `gorm:"not null;index"`
	UserID     uint       `gorm:"not null;index"`
	Status     LoanStatus `gorm:"size:20;not null"`
	LoanDate   time.Time
	// ReturnDate holds the due date while the loan is ISSUED and is
	// overwritten with the actual return time on return.
	ReturnDate time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// BookLoanRequest is terminal once ACCEPTED or DECLINED.
type BookLoanRequest struct {
	ID                    uint          `gorm:"primaryKey"`
	RequestUid            string        `gorm:"type:uuid;uniqueIndex;not null"`
	UserID                uint          `gorm:"not null;index"`
	BookCopyID            uint          `gorm:"not null"`
	BookSecurityDepositID uint          `gorm:"not null"`
	Status                RequestStatus `gorm:"size:20;not null"`
	RequestDate           time.Time
	Description           string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// BookSecurityDeposit records a refundable hold. Rows are deactivated on
// decline but never deleted, for audit.
type BookSecurityDeposit struct {
	ID               uint         `gorm:"primaryKey"`
	UserID           uint         `gorm:"not null;index"`
	BookCopyID       uint         `gorm:"not null"`
	Amount           string       `gorm:"size:20;not null"`
	PaymentMethod    string       `gorm:"size:40"`
	PaymentReference string       `gorm:"size:120"`
	State            DepositState `gorm:"size:20;not null"`
	DepositDate      time.Time
	ReturnDate       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Notification struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"not null;index"`
	Message   string `gorm:"not null"`
	Read      bool   `gorm:"not null;default:false"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Rating keeps one row per (user, title); re-rating updates it in place.
type Rating struct {
	ID          uint `gorm:"primaryKey"`
	UserID      uint `gorm:"not null;uniqueIndex:idx_user_title_rating"`
	BookTitleID uint `gorm:"not null;uniqueIndex:idx_user_title_rating"`
	Stars       int  `gorm:"not null;check:stars >= 1 AND stars <= 5"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// All returns every entity for AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&Author{},
		&Category{},
		&BookTitle{},
		&BookCopy{},
		&BookLoan{},
		&BookLoanRequest{},
		&BookSecurityDeposit{},
		&Notification{},
		&Rating{},
	}
}
