package domain

import "errors"

var (
	ErrSessionNotFound      = errors.New("game session not found")
	ErrSessionNotActive     = errors.New("game session is not being arbitrated")
	ErrInvalidButton        = errors.New("invalid button")
	ErrActuatorUnavailable  = errors.New("actuator unavailable")
	ErrSubscriptionNotFound = errors.New("chat subscription not found")
	ErrAlreadySubscribed    = errors.New("already subscribed")
	ErrLeaseLost            = errors.New("actuator lease lost")
)
