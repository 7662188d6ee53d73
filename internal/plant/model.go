package plant

import (
	"database/sql/driver"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Plant carries its watering schedule. LastWateredDate and NextWateringDate are
// calendar days (midnight UTC) and only change through MarkWatered*.
type Plant struct {
	ID          uint64 `gorm:"primaryKey"`
	UserID      uint64 `gorm:"index;not null"`
	Name        string `gorm:"type:varchar(100);not null"`
	Species     string `gorm:"type:varchar(100);not null;default:''"`
	Description string `gorm:"type:text;not null;default:''"`
	ImagePath   string `gorm:"type:text;not null;default:''"`

	WateringFrequencyDays int        `gorm:"not null;default:7"`
	LastWateredDate       *time.Time `gorm:"type:date"`
	NextWateringDate      *time.Time `gorm:"type:date;index"`
	IsActive              bool       `gorm:"index;not null"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// WateringLog is append-only: one row per watering event.
type WateringLog struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	PlantID   uint64    `gorm:"index;not null" json:"plant_id"`
	WateredAt time.Time `gorm:"index;not null" json:"watered_at"`
	Note      string    `gorm:"type:text;not null;default:''" json:"note"`
}

const (
	CategoryFungus   = "fungus"
	CategoryPest     = "pest"
	CategoryWatering = "watering"
	CategoryLight    = "light"
	CategoryOther    = "other"
)

// Diagnosis is the stored outcome of one image analysis.
type Diagnosis struct {
	ID               uint64    `gorm:"primaryKey" json:"id"`
	PlantID          uint64    `gorm:"index;not null" json:"plant_id"`
	ImagePath        string    `gorm:"type:text;not null;default:''" json:"image_path"`
	Summary          string    `gorm:"type:text;not null;default:''" json:"summary"`
	Category         string    `gorm:"type:varchar(50);not null;default:'other'" json:"category"`
	Confidence       float64   `gorm:"not null;default:0" json:"confidence"`
	CareInstructions string    `gorm:"type:text;not null;default:''" json:"care_instructions"`
	SuggestedNames   Labels    `gorm:"not null" json:"suggested_names"`
	CreatedAt        time.Time `gorm:"index;not null" json:"created_at"`
}

func (Diagnosis) TableName() string { return "plant_diagnoses" }

// Labels is stored as text[] on Postgres and as the same array literal in a
// text column elsewhere.
type Labels []string

func (l Labels) Value() (driver.Value, error) {
	if l == nil {
		return "{}", nil
	}
	return pq.StringArray(l).Value()
}

func (l *Labels) Scan(src any) error {
	return (*pq.StringArray)(l).Scan(src)
}

func (Labels) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "text[]"
	}
	return "text"
}
