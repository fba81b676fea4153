package account

import (
	"github.com/jordanlanch/courseplatform/pkg/domain"
	"github.com/jordanlanch/courseplatform/pkg/models"
)

// transitions lists the lifecycle moves a processor sync may apply.
// Only Disconnect returns an account to not_started.
var transitions = map[models.AccountStatus][]models.AccountStatus{
	models.AccountStatusNotStarted: {models.AccountStatusOnboarding, models.AccountStatusActive},
	models.AccountStatusOnboarding: {models.AccountStatusActive, models.AccountStatusRestricted},
	models.AccountStatusActive:     {models.AccountStatusRestricted},
	models.AccountStatusRestricted: {models.AccountStatusActive, models.AccountStatusOnboarding},
}

// CanTransition reports whether from -> to is allowed. Staying put is always allowed.
func CanTransition(from, to models.AccountStatus) bool {
	if from == to {
		_, known := transitions[from]
		return known
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates a move and returns the new state
func Transition(from, to models.AccountStatus) (models.AccountStatus, error) {
	if !CanTransition(from, to) {
		return from, domain.NewInvalidTransitionError(string(from), string(to))
	}
	return to, nil
}

// Reconcile maps a processor-reported status onto the lifecycle. A reported
// fall out of active is recorded as restricted. Any other disallowed move keeps
// the current status and returns InvalidTransition.
func Reconcile(from, reported models.AccountStatus) (models.AccountStatus, error) {
	next, err := Transition(from, reported)
	if err == nil {
		return next, nil
	}
	if from == models.AccountStatusActive {
		return models.AccountStatusRestricted, nil
	}
	return from, err
}
