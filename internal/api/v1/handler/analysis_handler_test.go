package handler

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rasenpilot/internal/api/v1/dto"
	"rasenpilot/internal/middleware"
	"rasenpilot/internal/model"
	"rasenpilot/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDevice = "6f1c1f4e-3c1e-4f0a-9a55-2f8b8f0d6a11"

func analysisRouter(a *fakeAnalysis, g *fakeGate) chi.Router {
	r := newTestRouter()
	NewAnalysisHandler(a, g, validator.New(), zerolog.Nop()).RegisterRoutes(r, testOptionalAuth, testRequireAuth)
	return r
}

func withDevice(req *http.Request) *http.Request {
	req.AddCookie(&http.Cookie{Name: middleware.DeviceCookieName, Value: testDevice})
	return req
}

func pendingJob() *model.AnalysisJob {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	return &model.AnalysisJob{
		ID:        "job-1",
		ImagePath: "lawn-images/a.jpg",
		Status:    model.JobStatusPending,
		Metadata:  model.JobMetadata{GrassType: "Sport", DeviceID: testDevice},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestGetUsage(t *testing.T) {
	t.Run("anonymous caller is identified by the device cookie", func(t *testing.T) {
		g := &fakeGate{usage: model.Usage{CanAnalyze: true, Remaining: 1, Limit: 1}}
		rec := httptest.NewRecorder()
		analysisRouter(&fakeAnalysis{}, g).ServeHTTP(rec, withDevice(httptest.NewRequest(http.MethodGet, "/usage", nil)))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp dto.UsageResponseDTO
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.True(t, resp.CanAnalyze)
		assert.Equal(t, 1, resp.Remaining)
		assert.Equal(t, model.Anonymous(testDevice), g.lastID)
	})

	t.Run("premium user", func(t *testing.T) {
		g := &fakeGate{premium: true, usage: model.Usage{CanAnalyze: true, IsPremium: true}}
		req := httptest.NewRequest(http.MethodGet, "/usage", nil)
		req.Header.Set(testUserHeader, "u1")
		rec := httptest.NewRecorder()
		analysisRouter(&fakeAnalysis{}, g).ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, model.IdentityPremium, g.lastID.Kind)
		assert.Contains(t, rec.Body.String(), `"is_premium":true`)
	})

	t.Run("new device gets a cookie", func(t *testing.T) {
		rec := httptest.NewRecorder()
		analysisRouter(&fakeAnalysis{}, &fakeGate{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/usage", nil))
		assert.Contains(t, rec.Header().Get("Set-Cookie"), middleware.DeviceCookieName+"=")
	})

	t.Run("gate failure", func(t *testing.T) {
		rec := httptest.NewRecorder()
		analysisRouter(&fakeAnalysis{}, &fakeGate{err: errBoom}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/usage", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestConsumeUsage(t *testing.T) {
	g := &fakeGate{}
	router := analysisRouter(&fakeAnalysis{}, g)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, withDevice(httptest.NewRequest(http.MethodPost, "/usage/consume", strings.NewReader(`{"job_id":"job-1"}`))))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"job-1"}, g.marked)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/usage/consume", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/usage/consume", strings.NewReader(`nope`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func multipartUpload(t *testing.T, withImage bool) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if withImage {
		fw, err := mw.CreateFormFile("image", "rasen.jpg")
		require.NoError(t, err)
		_, err = fw.Write([]byte("jpeg-bytes"))
		require.NoError(t, err)
	}
	require.NoError(t, mw.WriteField("grass_type", "Sport"))
	require.NoError(t, mw.WriteField("postal_code", "10115"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/analyses", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return withDevice(req)
}

func TestCreateAnalysis(t *testing.T) {
	t.Run("stores the upload", func(t *testing.T) {
		a := &fakeAnalysis{job: pendingJob()}
		rec := httptest.NewRecorder()
		analysisRouter(a, &fakeGate{}).ServeHTTP(rec, multipartUpload(t, true))

		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, []byte("jpeg-bytes"), a.upload)
		assert.Equal(t, "rasen.jpg", a.lastUp.Filename)
		assert.Equal(t, "Sport", a.lastUp.GrassType)
		assert.Equal(t, "10115", a.lastUp.PostalCode)

		var resp dto.AnalysisResponseDTO
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "job-1", resp.ID)
		assert.Equal(t, "pending", resp.Status)
	})

	t.Run("image is required", func(t *testing.T) {
		a := &fakeAnalysis{job: pendingJob()}
		rec := httptest.NewRecorder()
		analysisRouter(a, &fakeGate{}).ServeHTTP(rec, multipartUpload(t, false))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Nil(t, a.upload)
	})

	t.Run("limit reached", func(t *testing.T) {
		rec := httptest.NewRecorder()
		analysisRouter(&fakeAnalysis{err: service.ErrLimitReached}, &fakeGate{}).ServeHTTP(rec, multipartUpload(t, true))
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	})

	t.Run("validation message reaches the caller", func(t *testing.T) {
		a := &fakeAnalysis{err: &service.ValidationError{Message: "Nur JPEG, PNG oder WebP"}}
		rec := httptest.NewRecorder()
		analysisRouter(a, &fakeGate{}).ServeHTTP(rec, multipartUpload(t, true))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "Nur JPEG, PNG oder WebP")
	})
}

func TestStartAnalysis(t *testing.T) {
	tests := []struct {
		name     string
		job      *model.AnalysisJob
		err      error
		wantCode int
	}{
		{"accepted", &model.AnalysisJob{ID: "job-1", Status: model.JobStatusProcessing}, nil, http.StatusAccepted},
		{"second start conflicts", nil, service.ErrInvalidTransition, http.StatusConflict},
		{"unknown job", nil, service.ErrJobNotFound, http.StatusNotFound},
		{"hand-off failure returns the failed job", &model.AnalysisJob{ID: "job-1", Status: model.JobStatusFailed}, service.ErrDispatchFailed, http.StatusBadGateway},
		{"unexpected error", nil, errBoom, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &fakeAnalysis{job: tt.job, err: tt.err}
			rec := httptest.NewRecorder()
			analysisRouter(a, &fakeGate{}).ServeHTTP(rec, withDevice(httptest.NewRequest(http.MethodPost, "/analyses/job-1/start", nil)))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, testDevice, a.lastID.DeviceID)
			if tt.job != nil {
				assert.Contains(t, rec.Body.String(), `"status":"`+string(tt.job.Status)+`"`)
			}
		})
	}
}

func TestGetAnalysis(t *testing.T) {
	a := &fakeAnalysis{job: pendingJob()}
	req := httptest.NewRequest(http.MethodGet, "/analyses/job-1", nil)
	req.Header.Set(testUserHeader, "u1")
	rec := httptest.NewRecorder()
	analysisRouter(a, &fakeGate{}).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.IdentityAuthenticated, a.lastID.Kind)
	assert.Equal(t, "u1", a.lastID.UserID)

	rec = httptest.NewRecorder()
	analysisRouter(&fakeAnalysis{err: service.ErrJobNotFound}, &fakeGate{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/analyses/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAnalyses(t *testing.T) {
	a := &fakeAnalysis{jobs: []model.AnalysisJob{*pendingJob(), *pendingJob()}}
	router := analysisRouter(a, &fakeGate{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/analyses", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/analyses?limit=5", nil)
	req.Header.Set(testUserHeader, "u1")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, a.lastLimit)
	var resp []dto.AnalysisResponseDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp, 2)
}
