package handler

import (
	"encoding/json"
	"net/http"

	"rasenpilot/internal/api/v1/dto"
	"rasenpilot/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

type AuthHandler struct {
	authSvc  service.AuthService
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewAuthHandler(authSvc service.AuthService, validate *validator.Validate, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{authSvc: authSvc, validate: validate, logger: logger.With().Str("handler", "AuthHandler").Logger()}
}

func (h *AuthHandler) RegisterRoutes(r chi.Router) {
	r.Post("/auth/login", h.login)
}

// login godoc
// @Summary Sign in with email and password
// @Description Attempts are limited per email. The sign-in call is bounded by a timeout.
// @Tags auth
// @Accept json
// @Produce json
// @Param credentials body dto.LoginRequestDTO true "Credentials"
// @Success 200 {object} dto.LoginResponseDTO
// @Failure 400 {string} string "Validation failed"
// @Failure 401 {string} string "Unauthorized"
// @Failure 429 {string} string "Too many attempts"
// @Failure 504 {string} string "Login timed out"
// @Router /auth/login [post]
func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	var req dto.LoginRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		http.Error(w, "Ungültige E-Mail-Adresse oder Passwort fehlt", http.StatusBadRequest)
		return
	}
	res, err := h.authSvc.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, err, "sign in", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, dto.LoginResponseDTO{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ExpiresIn:    res.ExpiresIn,
		UserID:       res.UserID,
		Email:        res.Email,
	}, h.logger)
}
