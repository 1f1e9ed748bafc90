// Package game runs one arbitrated game session. Participants are split across
// two teams, each team votes on its own controller, and every round's winner is
// turned into an engage and release pair on that team's dispatch queue.
package game
