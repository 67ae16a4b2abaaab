package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Option struct {
	ID         string `json:"id" gorm:"primaryKey;size:36"`
	QuestionID string `json:"questionId" gorm:"not null;index;size:36"`
	// Option text may be empty; the admin UI creates blank rows before the
	// user fills them in.
	Text string `json:"text"`
	// ProductIDs round-trips verbatim: no dedup, no reorder.
	ProductIDs datatypes.JSONSlice[string] `json:"productIds"`
	Position   int                         `json:"-" gorm:"not null"`
	CreatedAt  time.Time                   `json:"createdAt"`
	UpdatedAt  time.Time                   `json:"updatedAt"`
}

func (o *Option) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	return nil
}
