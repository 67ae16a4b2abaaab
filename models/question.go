package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Question types accepted at the API boundary. The column itself is a plain
// string so historical rows survive future type additions.
const (
	QuestionTypeSingle   = "SINGLE"
	QuestionTypeMultiple = "MULTIPLE"
)

type Question struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	Text      string    `json:"text" gorm:"not null"`
	Type      string    `json:"type" gorm:"not null"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Relationships
	Options []Option `json:"options" gorm:"foreignKey:QuestionID;constraint:OnDelete:CASCADE"`
}

func (q *Question) BeforeCreate(tx *gorm.DB) error {
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	return nil
}
