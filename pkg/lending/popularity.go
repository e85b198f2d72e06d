package lending

import (
	"errors"

	"gorm.io/gorm"

	"library-lending/pkg/models"
)

// UpdatePopularity bumps the loan counter, stamps the last-loaned time and
// recomputes the cached average rating. The two updates are sequential, not
// atomic: only monotonic counters are involved and a racing writer can at
// worst stale the cached average.
func (s *Service) UpdatePopularity(titleUid string) error {
	title, err := s.findTitle(s.db, titleUid)
	if err != nil {
		return convert(err)
	}
	return convert(s.updatePopularity(s.db, title.ID))
}

func (s *Service) updatePopularity(tx *gorm.DB, titleID uint) error {
	now := s.now()
	err := tx.Model(&models.BookTitle{}).
		Where("id = ?", titleID).
		Updates(map[string]interface{}{
			"loan_count":     gorm.Expr("loan_count + 1"),
			"last_loaned_at": now,
		}).Error
	if err != nil {
		return err
	}
	return s.refreshAverageRating(tx, titleID)
}

func (s *Service) refreshAverageRating(tx *gorm.DB, titleID uint) error {
	var avg float64
	err := tx.Model(&models.Rating{}).
		Where("book_title_id = ?", titleID).
		Select("COALESCE(AVG(stars), 0)").
		Scan(&avg).Error
	if err != nil {
		return err
	}
	return tx.Model(&models.BookTitle{}).
		Where("id = ?", titleID).
		UpdateColumn("average_rating", avg).Error
}

// RateBook records the actor's rating for a title, 1 to 5 stars. A repeat
// rating by the same user replaces the previous one; no history is kept.
// The title's cached average is refreshed afterwards.
func (s *Service) RateBook(actor Actor, titleUid string, stars int) (*models.Rating, error) {
	if actor.ID == 0 {
		return nil, ErrUnauthenticated
	}
	if stars < 1 || stars > 5 {
		return nil, ErrInvalidRating
	}

	var rating models.Rating
	err := s.db.Transaction(func(tx *gorm.DB) error {
		title, err := s.findTitle(tx, titleUid)
		if err != nil {
			return err
		}

		err = tx.Where("user_id = ? AND book_title_id = ?", actor.ID, title.ID).First(&rating).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rating = models.Rating{UserID: actor.ID, BookTitleID: title.ID, Stars: stars}
			if err := tx.Create(&rating).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			rating.Stars = stars
			if err := tx.Save(&rating).Error; err != nil {
				return err
			}
		}

		return s.refreshAverageRating(tx, title.ID)
	})
	if err != nil {
		return nil, convert(err)
	}
	return &rating, nil
}
