package repositories

import (
	"github.com/lingomesh/lingomesh/pkg/storage/models"
	"gorm.io/gorm"
)

type SignalRepository struct {
	db *gorm.DB
}

func NewSignalRepository(db *gorm.DB) *SignalRepository {
	db.AutoMigrate(&models.SignalMessage{})
	return &SignalRepository{db: db}
}

// Insert persists a signaling message for its recipient.
func (r *SignalRepository) Insert(msg *models.SignalMessage) error {
	return r.db.Create(msg).Error
}

// PendingFor returns all queued messages for a recipient, oldest first.
func (r *SignalRepository) PendingFor(recipientID string) ([]models.SignalMessage, error) {
	var msgs []models.SignalMessage
	err := r.db.
		Where("to_user_id = ?", recipientID).
		Order("created_at").
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// Delete removes a message by ID. Deleting an absent row is not an error.
func (r *SignalRepository) Delete(messageID string) error {
	return r.db.Where("id = ?", messageID).Delete(&models.SignalMessage{}).Error
}

// Count returns the number of queued messages for a recipient.
func (r *SignalRepository) Count(recipientID string) (int, error) {
	var count int64
	err := r.db.Model(&models.SignalMessage{}).
		Where("to_user_id = ?", recipientID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// ClearRoom removes every message addressed to or from a room. Used when a
// room is torn down so stale offers never greet the next session.
func (r *SignalRepository) ClearRoom(roomID string) error {
	return r.db.Where("room_id = ?", roomID).Delete(&models.SignalMessage{}).Error
}
