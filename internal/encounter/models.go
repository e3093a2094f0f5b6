package encounter

import "time"

type Encounter struct {
	ID            uint64        `gorm:"primaryKey;autoIncrement" json:"id"`
	PatientID     string        `gorm:"type:varchar(64);not null;index:idx_encounter_patient_date,priority:1" json:"-"`
	ClinicianName string        `gorm:"type:varchar(128);not null" json:"clinicianName"`
	Specialty     string        `gorm:"type:varchar(64)" json:"specialty"`
	OccurredAt    time.Time     `gorm:"not null;index:idx_encounter_patient_date,priority:2" json:"occurredAt"`
	Orientations  []Orientation `gorm:"foreignKey:EncounterID" json:"orientations"`
	CreatedAt     time.Time     `json:"-"`
}

func (Encounter) TableName() string { return "encounters" }

type Orientation struct {
	ID              uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	EncounterID     uint64    `gorm:"not null;index" json:"-"`
	OrientationType string    `gorm:"type:varchar(32);not null" json:"orientationType"`
	Content         string    `gorm:"type:text;not null" json:"content"`
	CreatedAt       time.Time `json:"-"`
}

func (Orientation) TableName() string { return "orientations" }
