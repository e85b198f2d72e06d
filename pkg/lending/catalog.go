package lending

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"library-lending/pkg/models"
)

// CreateTitleInput names the fields needed to put a new title into the
// catalog. Author and categories are resolved by name, created on first use.
type CreateTitleInput struct {
	Title      string
	Author     string
	Price      string
	Categories []string
}

// CreateTitle adds a catalog record together with its first physical copy
// (#1), so a freshly created title starts with stock 1. Staff only.
func (s *Service) CreateTitle(actor Actor, input CreateTitleInput) (*models.BookTitle, error) {
	if !CanManageRequests(actor.Role) {
		return nil, ErrForbidden
	}
	if input.Title == "" || input.Author == "" {
		return nil, ErrMissingInput
	}
	price := input.Price
	if price == "" {
		price = "0"
	}

	var title models.BookTitle
	err := s.db.Transaction(func(tx *gorm.DB) error {
		author := models.Author{Name: input.Author}
		if err := tx.Where("name = ?", input.Author).FirstOrCreate(&author).Error; err != nil {
			return err
		}

		categories := make([]models.Category, 0, len(input.Categories))
		for _, name := range input.Categories {
			category := models.Category{Name: name}
			if err := tx.Where("name = ?", name).FirstOrCreate(&category).Error; err != nil {
				return err
			}
			categories = append(categories, category)
		}

		title = models.BookTitle{
			TitleUid:   uuid.New().String(),
			Title:      input.Title,
			AuthorID:   author.ID,
			Price:      price,
			Stock:      1,
			Categories: categories,
		}
		if err := tx.Create(&title).Error; err != nil {
			return err
		}

		firstCopy := models.BookCopy{BookTitleID: title.ID, CopyNumber: 1}
		return tx.Create(&firstCopy).Error
	})
	if err != nil {
		return nil, convert(err)
	}
	return &title, nil
}

// AddBookCopy registers another physical copy of an existing title with the
// next copy number and bumps stock by one. Staff only.
func (s *Service) AddBookCopy(actor Actor, titleUid string) (*models.BookCopy, error) {
	if !CanManageRequests(actor.Role) {
		return nil, ErrForbidden
	}
	if titleUid == "" {
		return nil, ErrMissingInput
	}

	var copy models.BookCopy
	err := s.db.Transaction(func(tx *gorm.DB) error {
		title, err := s.findTitle(tx, titleUid)
		if err != nil {
			return err
		}

		var maxNumber int
		err = tx.Model(&models.BookCopy{}).
			Where("book_title_id = ?", title.ID).
			Select("COALESCE(MAX(copy_number), 0)").
			Scan(&maxNumber).Error
		if err != nil {
			return err
		}

		copy = models.BookCopy{BookTitleID: title.ID, CopyNumber: maxNumber + 1}
		if err := tx.Create(&copy).Error; err != nil {
			return err
		}

		return s.incrementStock(tx, title.ID)
	})
	if err != nil {
		return nil, convert(err)
	}
	return &copy, nil
}

// ListTitles pages through the catalog, optionally filtering by a substring
// of the title.
func (s *Service) ListTitles(search string, page, size int) ([]models.BookTitle, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 10
	}

	query := s.db.Model(&models.BookTitle{})
	if search != "" {
		query = query.Where("title LIKE ?", "%"+search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, convert(err)
	}

	var titles []models.BookTitle
	offset := (page - 1) * size
	err := query.Preload("Author").Preload("Categories").
		Offset(offset).Limit(size).
		Order("title ASC").
		Find(&titles).Error
	if err != nil {
		return nil, 0, convert(err)
	}
	return titles, total, nil
}

// CopyView reports one physical copy and whether it is currently out on loan.
type CopyView struct {
	Copy   models.BookCopy
	OnLoan bool
}

// GetTitle fetches one catalog record with author, categories and the
// per-copy availability listing.
func (s *Service) GetTitle(titleUid string) (*models.BookTitle, []CopyView, error) {
	var title models.BookTitle
	err := s.db.Preload("Author").Preload("Categories").
		Where("title_uid = ?", titleUid).
		First(&title).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrTitleNotFound
		}
		return nil, nil, convert(err)
	}

	var copies []models.BookCopy
	err = s.db.Where("book_title_id = ?", title.ID).
		Order("copy_number ASC").
		Find(&copies).Error
	if err != nil {
		return nil, nil, convert(err)
	}

	var issuedCopyIDs []uint
	err = s.db.Model(&models.BookLoan{}).
		Where("status = ?", models.LoanIssued).
		Where("book_copy_id IN (?)", copyIDsOf(s.db, title.ID)).
		Pluck("book_copy_id", &issuedCopyIDs).Error
	if err != nil {
		return nil, nil, convert(err)
	}
	issued := make(map[uint]bool, len(issuedCopyIDs))
	for _, id := range issuedCopyIDs {
		issued[id] = true
	}

	views := make([]CopyView, len(copies))
	for i, copy := range copies {
		views[i] = CopyView{Copy: copy, OnLoan: issued[copy.ID]}
	}
	return &title, views, nil
}
