package ranking

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type SubmissionRecord struct {
	Id          uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunId       string    `gorm:"size:64;not null;uniqueIndex"`
	Model       string    `gorm:"size:255;not null;index"`
	Suite       string    `gorm:"size:255"`
	Aggregate   float64   `gorm:"not null;index"`
	Rank        int       `gorm:"not null"`
	PersistedAt time.Time `gorm:"not null"`

	Tasks []TaskScoreRecord `gorm:"foreignKey:SubmissionId;constraint:OnDelete:CASCADE"`
}

type TaskScoreRecord struct {
	SubmissionId uuid.UUID      `gorm:"type:uuid;primaryKey"`
	TaskId       string         `gorm:"size:128;primaryKey"`
	GradingType  string         `gorm:"size:20;not null"`
	Status       string         `gorm:"size:20;not null"`
	Aggregate    float64        `gorm:"not null"`
	Criteria     datatypes.JSON `gorm:"type:jsonb;not null"` // {"criterion": score}
	Notes        datatypes.JSON `gorm:"type:jsonb"`          // ["note", ...]
}
