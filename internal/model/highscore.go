package model

import "time"

// Highscore is a user's best analysed lawn on the public leaderboard.
type Highscore struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	BestScore   int       `json:"best_score"`
	JobID       string    `json:"job_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}
