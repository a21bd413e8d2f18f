package model

import "errors"

var (
	// ErrNotFound is returned when a strategy id is unknown.
	ErrNotFound = errors.New("strategy not found")
	// ErrExists is returned when adding a strategy id that is already registered.
	ErrExists = errors.New("strategy already exists")
	// ErrInvalidConfig wraps validation failures of a StrategyConfig.
	ErrInvalidConfig = errors.New("invalid strategy config")
	// ErrNoPrice is returned by a manual order when no positive last price is known.
	ErrNoPrice = errors.New("no valid last price")
	// ErrPositionOpen is returned when a change needs a flat position.
	ErrPositionOpen = errors.New("position is open")
)
