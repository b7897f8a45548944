package model

import "time"

// Profile is a client's risk tolerance classification.
type Profile string

const (
	ProfileConservative Profile = "Conservative"
	ProfileModerate     Profile = "Moderate"
	ProfileAggressive   Profile = "Aggressive"
)

// Questionnaire is one version of the suitability questionnaire. The active
// version is the one with the latest effective date.
type Questionnaire struct {
	ID            int64      `json:"id" db:"id"`
	Name          string     `json:"name" db:"name"`
	EffectiveDate time.Time  `json:"effective_date" db:"effective_date"`
	Questions     []Question `json:"questions"`
}

// Question belongs to exactly one questionnaire version.
type Question struct {
	ID        int64    `json:"id" db:"id"`
	VersionID int64    `json:"version_id" db:"version_id"`
	Text      string   `json:"text" db:"text"`
	Options   []Option `json:"options"`
}

// Option is one selectable answer to a question.
type Option struct {
	ID         int64  `json:"id" db:"id"`
	QuestionID int64  `json:"question_id" db:"question_id"`
	Text       string `json:"text" db:"text"`
	Points     int    `json:"points" db:"points"`
}

// ResolvedOption is an option joined with the version of its question.
type ResolvedOption struct {
	Option
	VersionID int64 `json:"version_id"`
}

// Answer selects one option for one question.
type Answer struct {
	QuestionID int64 `json:"question_id"`
	OptionID   int64 `json:"option_id"`
}

// SuitabilityResponse is an immutable questionnaire result. Only the most
// recent response governs trading eligibility.
type SuitabilityResponse struct {
	ID          int64     `json:"id" db:"id"`
	ClientID    int64     `json:"client_id" db:"client_id"`
	VersionID   int64     `json:"version_id" db:"version_id"`
	RespondedAt time.Time `json:"responded_at" db:"responded_at"`
	Score       int       `json:"score" db:"score"`
	Profile     Profile   `json:"profile" db:"profile"`
}
