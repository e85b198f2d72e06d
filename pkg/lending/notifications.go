package lending

import (
	"errors"

	"gorm.io/gorm"

	"library-lending/pkg/models"
)

// ListNotifications returns a user's notifications, newest first.
func (s *Service) ListNotifications(userID uint) ([]models.Notification, error) {
	if userID == 0 {
		return nil, ErrUnauthenticated
	}
	var notifications []models.Notification
	err := s.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&notifications).Error
	if err != nil {
		return nil, convert(err)
	}
	return notifications, nil
}

// MarkNotificationRead flips the read flag on one of the user's own
// notifications. Notifications are never deleted.
func (s *Service) MarkNotificationRead(userID, notificationID uint) (*models.Notification, error) {
	if userID == 0 {
		return nil, ErrUnauthenticated
	}
	var notification models.Notification
	err := s.db.Where("id = ? AND user_id = ?", notificationID, userID).
		First(&notification).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotificationNotFound
		}
		return nil, convert(err)
	}

	notification.Read = true
	if err := s.db.Save(&notification).Error; err != nil {
		return nil, convert(err)
	}
	return &notification, nil
}
