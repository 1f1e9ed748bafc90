// Package domain defines the core domain types and interfaces.
//
// Concept-oriented files (button.go, session.go, input.go, activity.go, chat.go, errors.go)
// hold the shared value types and the contracts that adapters implement. No implementation
// code lives here beyond small parsing helpers on the value types.
package domain
