package dto

import (
	"time"

	"rasenpilot/internal/model"
)

// UsageResponseDTO is the free-tier gate's answer.
type UsageResponseDTO struct {
	CanAnalyze      bool `json:"can_analyze"`
	Used            int  `json:"used"`
	Remaining       int  `json:"remaining"`
	Limit           int  `json:"limit"`
	HasReachedLimit bool `json:"has_reached_limit"`
	IsPremium       bool `json:"is_premium"`
}

func NewUsageResponse(u model.Usage) UsageResponseDTO {
	return UsageResponseDTO{
		CanAnalyze:      u.CanAnalyze,
		Used:            u.Used,
		Remaining:       u.Remaining,
		Limit:           u.Limit,
		HasReachedLimit: u.HasReachedLimit,
		IsPremium:       u.IsPremium,
	}
}

type ConsumeUsageRequestDTO struct {
	JobID string `json:"job_id" validate:"required"`
}

// AnalysisResponseDTO is returned for every analysis job endpoint.
type AnalysisResponseDTO struct {
	ID           string                `json:"id"`
	Status       string                `json:"status"`
	ImagePath    string                `json:"image_path"`
	GrassType    string                `json:"grass_type,omitempty"`
	Goal         string                `json:"goal,omitempty"`
	PostalCode   string                `json:"postal_code,omitempty"`
	Result       *model.AnalysisResult `json:"result,omitempty"`
	ErrorMessage *string               `json:"error_message,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

func NewAnalysisResponse(j *model.AnalysisJob) AnalysisResponseDTO {
	return AnalysisResponseDTO{
		ID:           j.ID,
		Status:       string(j.Status),
		ImagePath:    j.ImagePath,
		GrassType:    j.Metadata.GrassType,
		Goal:         j.Metadata.Goal,
		PostalCode:   j.Metadata.PostalCode,
		Result:       j.Result,
		ErrorMessage: j.ErrorMessage,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

type HighscoreResponseDTO struct {
	Rank        int       `json:"rank"`
	DisplayName string    `json:"display_name"`
	BestScore   int       `json:"best_score"`
	UpdatedAt   time.Time `json:"updated_at"`
}
