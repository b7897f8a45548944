// Package suitability scores risk questionnaires into client profiles and
// gates which product risk levels a profile may trade.
package suitability

import (
	"fmt"

	"github.com/wealthdesk/ledger/internal/model"
)

// Score thresholds. 50 is the first Moderate score and 80 the last.
const (
	ModerateFrom   = 50
	AggressiveFrom = 81
)

// Highest product risk level each bounded profile may trade.
const (
	ConservativeMaxRisk = 2
	ModerateMaxRisk     = 4
)

// ProfileForScore maps a questionnaire score to a profile.
func ProfileForScore(score int) model.Profile {
	switch {
	case score < ModerateFrom:
		return model.ProfileConservative
	case score < AggressiveFrom:
		return model.ProfileModerate
	default:
		return model.ProfileAggressive
	}
}

// IsEligible reports whether profile may trade a product of riskLevel.
func IsEligible(profile model.Profile, riskLevel int) bool {
	switch profile {
	case model.ProfileConservative:
		return riskLevel <= ConservativeMaxRisk
	case model.ProfileModerate:
		return riskLevel <= ModerateMaxRisk
	case model.ProfileAggressive:
		return true
	}
	return false
}

// Result is a scored submission.
type Result struct {
	VersionID int64
	Score     int
	Profile   model.Profile
}

// Evaluate checks answers against the active questionnaire and scores them.
// resolved holds the options the answers point at, as found in storage;
// answers naming unknown options are incomplete.
//
// Options drawn from more than one version, or from a version other than
// the active one, fail with ErrVersionMismatch. Skipped, repeated or
// misattributed questions fail with ErrIncompleteSubmission.
func Evaluate(active *model.Questionnaire, answers []model.Answer, resolved []model.ResolvedOption) (Result, error) {
	if len(answers) == 0 {
		return Result{}, fmt.Errorf("%w: no answers", model.ErrIncompleteSubmission)
	}

	byID := make(map[int64]model.ResolvedOption, len(resolved))
	for _, o := range resolved {
		byID[o.ID] = o
	}

	var version int64
	for _, a := range answers {
		o, ok := byID[a.OptionID]
		if !ok {
			return Result{}, fmt.Errorf("%w: unknown option %d", model.ErrIncompleteSubmission, a.OptionID)
		}
		if version == 0 {
			version = o.VersionID
		} else if o.VersionID != version {
			return Result{}, fmt.Errorf("%w: options from versions %d and %d", model.ErrVersionMismatch, version, o.VersionID)
		}
	}
	if version != active.ID {
		return Result{}, fmt.Errorf("%w: answered version %d, active is %d", model.ErrVersionMismatch, version, active.ID)
	}

	expected := make(map[int64]bool, len(active.Questions))
	for _, q := range active.Questions {
		expected[q.ID] = true
	}

	answered := make(map[int64]bool, len(answers))
	score := 0
	for _, a := range answers {
		o := byID[a.OptionID]
		if o.QuestionID != a.QuestionID {
			return Result{}, fmt.Errorf("%w: option %d does not answer question %d", model.ErrIncompleteSubmission, a.OptionID, a.QuestionID)
		}
		if !expected[a.QuestionID] {
			return Result{}, fmt.Errorf("%w: question %d is not part of version %d", model.ErrIncompleteSubmission, a.QuestionID, active.ID)
		}
		if answered[a.QuestionID] {
			return Result{}, fmt.Errorf("%w: question %d answered twice", model.ErrIncompleteSubmission, a.QuestionID)
		}
		answered[a.QuestionID] = true
		score += o.Points
	}
	if len(answered) != len(expected) {
		return Result{}, fmt.Errorf("%w: %d of %d questions answered", model.ErrIncompleteSubmission, len(answered), len(expected))
	}

	return Result{VersionID: active.ID, Score: score, Profile: ProfileForScore(score)}, nil
}
