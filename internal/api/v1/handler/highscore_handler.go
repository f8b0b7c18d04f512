package handler

import (
	"net/http"
	"strconv"

	"rasenpilot/internal/api/v1/dto"
	"rasenpilot/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type HighscoreHandler struct {
	highscoreSvc service.HighscoreService
	logger       zerolog.Logger
}

func NewHighscoreHandler(highscoreSvc service.HighscoreService, logger zerolog.Logger) *HighscoreHandler {
	return &HighscoreHandler{highscoreSvc: highscoreSvc, logger: logger.With().Str("handler", "HighscoreHandler").Logger()}
}

func (h *HighscoreHandler) RegisterRoutes(r chi.Router) {
	r.Get("/highscores", h.list)
}

// list godoc
// @Summary Lawn leaderboard
// @Tags highscores
// @Produce json
// @Param limit query int false "Max entries (default 10)"
// @Success 200 {array} dto.HighscoreResponseDTO
// @Router /highscores [get]
func (h *HighscoreHandler) list(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := h.highscoreSvc.Top(r.Context(), limit)
	if err != nil {
		writeServiceError(w, err, "load highscores", h.logger)
		return
	}
	resp := make([]dto.HighscoreResponseDTO, 0, len(rows))
	for i, row := range rows {
		resp = append(resp, dto.HighscoreResponseDTO{
			Rank:        i + 1,
			DisplayName: row.DisplayName,
			BestScore:   row.BestScore,
			UpdatedAt:   row.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp, h.logger)
}
