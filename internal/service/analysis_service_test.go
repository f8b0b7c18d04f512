package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"rasenpilot/internal/logger"
	"rasenpilot/internal/model"
	"rasenpilot/internal/vision"
	"rasenpilot/internal/weather"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validResult = `{"overall_health": 78, "summary": "Gesunder Rasen", "scores": {"density": 80}}`

type analysisFixture struct {
	jobs       *fakeJobs
	usage      *fakeUsage
	store      *fakeStore
	dispatcher *fakeDispatcher
	vision     *fakeVision
	weather    *fakeWeather
	highscores *fakeHighscores
	clock      time.Time
	svc        *analysisService
}

func newAnalysisFixture(t *testing.T) *analysisFixture {
	t.Helper()
	f := &analysisFixture{
		jobs:       newFakeJobs(),
		usage:      newFakeUsage(),
		store:      newFakeStore(),
		dispatcher: &fakeDispatcher{},
		vision:     &fakeVision{raw: validResult},
		weather:    &fakeWeather{cond: &weather.Conditions{Location: "Berlin", Description: "sonnig", TempC: 21.5, Humidity: 40, WindMS: 2}},
		highscores: &fakeHighscores{},
		clock:      time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	gate := NewGateService(f.jobs, f.usage, nil, 1, false, logger.Nop())
	svc := NewAnalysisService(f.jobs, f.store, f.dispatcher, f.vision, f.weather, gate, f.highscores,
		time.Hour, 10*time.Minute, logger.Nop()).(*analysisService)
	svc.now = func() time.Time { return f.clock }
	f.svc = svc
	return f
}

func (f *analysisFixture) upload() Upload {
	return Upload{
		Body:        strings.NewReader("jpeg-bytes"),
		Filename:    "rasen.jpg",
		ContentType: "image/jpeg",
		GrassType:   "sport",
		Goal:        "greener",
		PostalCode:  "10115",
	}
}

func TestCreateStoresPendingJob(t *testing.T) {
	f := newAnalysisFixture(t)
	id := model.Authenticated("user-1", "a@example.de", "dev-1")

	job, err := f.svc.Create(context.Background(), id, f.upload())
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)
	require.NotNil(t, job.UserID)
	assert.Equal(t, "user-1", *job.UserID)
	assert.True(t, strings.HasPrefix(job.ImagePath, "analyses/user-1/"))
	assert.Equal(t, "sport", job.Metadata.GrassType)
	assert.Equal(t, "dev-1", job.Metadata.DeviceID)
	assert.Contains(t, f.store.uploads, job.ImagePath)
	assert.NoError(t, job.CheckInvariants())
}

func TestCreateRejectsBadInputBeforeUpload(t *testing.T) {
	f := newAnalysisFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, model.Anonymous("dev-1"), Upload{})
	assert.ErrorIs(t, err, ErrValidation)

	up := f.upload()
	up.ContentType = "application/pdf"
	_, err = f.svc.Create(ctx, model.Anonymous("dev-1"), up)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, f.store.uploads)
}

func TestCreateDeniedWhenLimitReached(t *testing.T) {
	f := newAnalysisFixture(t)
	f.usage.consumed["dev-1"] = "old-job"

	_, err := f.svc.Create(context.Background(), model.Anonymous("dev-1"), f.upload())
	assert.ErrorIs(t, err, ErrLimitReached)
	assert.Empty(t, f.store.uploads)
}

func TestCreateRemovesUploadWhenInsertFails(t *testing.T) {
	f := newAnalysisFixture(t)
	f.jobs.err = errBoom

	_, err := f.svc.Create(context.Background(), model.Anonymous("dev-1"), f.upload())
	require.Error(t, err)
	require.Len(t, f.store.deleted, 1)
	assert.True(t, strings.HasPrefix(f.store.deleted[0], "analyses/anonymous/"))
}

func TestStartMarksProcessingAndDispatches(t *testing.T) {
	f := newAnalysisFixture(t)
	ctx := context.Background()
	id := model.Anonymous("dev-1")
	job, err := f.svc.Create(ctx, id, f.upload())
	require.NoError(t, err)

	started, err := f.svc.Start(ctx, job.ID, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, started.Status)
	require.NotNil(t, started.ClaimedAt)
	assert.Equal(t, f.clock, *started.ClaimedAt)
	assert.Equal(t, []string{job.ID}, f.dispatcher.dispatched)
}

func TestStartRejectsForeignAndNonPendingJobs(t *testing.T) {
	f := newAnalysisFixture(t)
	ctx := context.Background()
	owner := model.Anonymous("dev-1")
	job, err := f.svc.Create(ctx, owner, f.upload())
	require.NoError(t, err)

	_, err = f.svc.Start(ctx, job.ID, model.Anonymous("dev-2"))
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = f.svc.Start(ctx, "missing", owner)
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = f.svc.Start(ctx, job.ID, owner)
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, job.ID, owner)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Len(t, f.dispatcher.dispatched, 1)
}

func TestConcurrentStartsDispatchOnce(t *testing.T) {
	f := newAnalysisFixture(t)
	ctx := context.Background()
	owner := model.Anonymous("dev-1")
	job, err := f.svc.Create(ctx, owner, f.upload())
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, lost int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Start(ctx, job.ID, owner)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				lost++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, lost)
}

func TestStartDispatchFailureFailsJob(t *testing.T) {
	f := newAnalysisFixture(t)
	f.dispatcher.err = errBoom
	ctx := context.Background()
	owner := model.Anonymous("dev-1")
	job, err := f.svc.Create(ctx, owner, f.upload())
	require.NoError(t, err)

	got, err := f.svc.Start(ctx, job.ID, owner)
	assert.ErrorIs(t, err, ErrDispatchFailed)
	require.NotNil(t, got)
	assert.Equal(t, model.JobStatusFailed, got.Status)

	stored, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Equal(t, MsgStartFailed, *stored.ErrorMessage)
	assert.NoError(t, stored.CheckInvariants())
}

func TestStartRefusesSecondFreeAnalysisWhileFirstRuns(t *testing.T) {
	f := newAnalysisFixture(t)
	ctx := context.Background()
	id := model.Anonymous("dev-1")

	first, err := f.svc.Create(ctx, id, f.upload())
	require.NoError(t, err)
	second, err := f.svc.Create(ctx, id, f.upload())
	require.NoError(t, err)

	_, err = f.svc.Start(ctx, first.ID, id)
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, second.ID, id)
	assert.ErrorIs(t, err, ErrLimitReached)

	stored, err := f.jobs.GetByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, stored.Status)

	require.NoError(t, f.svc.Process(ctx, first.ID))
	_, err = f.svc.Start(ctx, second.ID, id)
	assert.ErrorIs(t, err, ErrLimitReached)
	assert.Equal(t, []string{first.ID}, f.dispatcher.dispatched)
}

func TestStartFailedJobReleasesAllowance(t *testing.T) {
	f := newAnalysisFixture(t)
	ctx := context.Background()
	id := model.Authenticated("user-1", "a@example.de", "")

	first := f.startedJob(t, id, f.upload())
	f.vision.err = errBoom
	require.NoError(t, f.svc.Process(ctx, first.ID))

	f.vision.err = nil
	second := f.startedJob(t, id, f.upload())
	assert.Equal(t, model.JobStatusProcessing, second.Status)
}

func TestConcurrentStartsOfDifferentJobsStayWithinLimit(t *testing.T) {
	f := newAnalysisFixture(t)
	ctx := context.Background()
	id := model.Anonymous("dev-1")

	var jobIDs []string
	for i := 0; i < 4; i++ {
		job, err := f.svc.Create(ctx, id, f.upload())
		require.NoError(t, err)
		jobIDs = append(jobIDs, job.ID)
	}

	var wg sync.WaitGroup
	for _, jobID := range jobIDs {
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			_, _ = f.svc.Start(ctx, jobID, id)
		}(jobID)
	}
	wg.Wait()

	for _, jobID := range jobIDs {
		_ = f.svc.Process(ctx, jobID)
	}
	completed := 0
	for _, jobID := range jobIDs {
		stored, err := f.jobs.GetByID(ctx, jobID)
		require.NoError(t, err)
		if stored.Status == model.JobStatusCompleted {
			completed++
		}
	}
	assert.LessOrEqual(t, completed, 1)
}

func TestPremiumStartsAreNotLimited(t *testing.T) {
	f := newAnalysisFixture(t)
	id := model.Premium("user-1", "a@example.de", "")

	f.startedJob(t, id, f.upload())
	second := f.startedJob(t, id, f.upload())
	assert.Equal(t, model.JobStatusProcessing, second.Status)
}

func (f *analysisFixture) startedJob(t *testing.T, id model.Identity, up Upload) *model.AnalysisJob {
	t.Helper()
	ctx := context.Background()
	job, err := f.svc.Create(ctx, id, up)
	require.NoError(t, err)
	job, err = f.svc.Start(ctx, job.ID, id)
	require.NoError(t, err)
	return job
}

func TestProcessCompletesJob(t *testing.T) {
	f := newAnalysisFixture(t)
	ctx := context.Background()
	id := model.Authenticated("user-1", "a@example.de", "")
	up := f.upload()
	up.DisplayName = "Gärtnerin"
	job := f.startedJob(t, id, up)

	require.NoError(t, f.svc.Process(ctx, job.ID))

	stored, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, stored.Status)
	require.NotNil(t, stored.Result)
	assert.Equal(t, 78, stored.Result.OverallHealth)
	assert.Equal(t, "sport", stored.Result.GrassType)
	assert.Contains(t, stored.Result.WeatherNote, "Berlin")
	assert.NoError(t, stored.CheckInvariants())

	require.Len(t, f.vision.requests, 1)
	assert.Contains(t, f.vision.requests[0].ImageURL, job.ImagePath)
	assert.Contains(t, f.vision.requests[0].WeatherContext, "sonnig")

	require.Len(t, f.highscores.recorded, 1)
	assert.Equal(t, model.Highscore{UserID: "user-1", DisplayName: "Gärtnerin", BestScore: 78, JobID: job.ID}, f.highscores.recorded[0])
}

func TestProcessAnonymousMarksDeviceConsumed(t *testing.T) {
	f := newAnalysisFixture(t)
	job := f.startedJob(t, model.Anonymous("dev-1"), f.upload())

	require.NoError(t, f.svc.Process(context.Background(), job.ID))
	assert.Equal(t, job.ID, f.usage.consumed["dev-1"])
	assert.Empty(t, f.highscores.recorded)
}

func TestProcessFallbackResultSkipsHighscore(t *testing.T) {
	f := newAnalysisFixture(t)
	f.vision.raw = "Der Rasen sieht gut aus."
	ctx := context.Background()
	job := f.startedJob(t, model.Authenticated("user-1", "", ""), f.upload())

	require.NoError(t, f.svc.Process(ctx, job.ID))
	stored, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, stored.Status)
	assert.True(t, stored.Result.Fallback)
	assert.Equal(t, "Der Rasen sieht gut aus.", stored.Result.Summary)
	assert.Empty(t, f.highscores.recorded)
}

func TestProcessWeatherFailureIsNotFatal(t *testing.T) {
	f := newAnalysisFixture(t)
	f.weather.err = errBoom
	ctx := context.Background()
	job := f.startedJob(t, model.Anonymous("dev-1"), f.upload())

	require.NoError(t, f.svc.Process(ctx, job.ID))
	stored, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, stored.Status)
	assert.Empty(t, f.vision.requests[0].WeatherContext)
}

func TestProcessVisionFailures(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"status error", &vision.StatusError{StatusCode: 429, Message: "rate limited"}, "AI API error: status 429"},
		{"transport error", errBoom, "AI-Anfrage fehlgeschlagen: boom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newAnalysisFixture(t)
			f.vision.err = tc.err
			ctx := context.Background()
			job := f.startedJob(t, model.Anonymous("dev-1"), f.upload())

			require.NoError(t, f.svc.Process(ctx, job.ID))
			stored, err := f.jobs.GetByID(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusFailed, stored.Status)
			require.NotNil(t, stored.ErrorMessage)
			assert.Equal(t, tc.wantMsg, *stored.ErrorMessage)
			assert.Nil(t, stored.Result)
			assert.Empty(t, f.usage.consumed)
		})
	}
}

func TestProcessRecoversPanic(t *testing.T) {
	f := newAnalysisFixture(t)
	f.vision.panicVal = "nil map"
	ctx := context.Background()
	job := f.startedJob(t, model.Anonymous("dev-1"), f.upload())

	require.NoError(t, f.svc.Process(ctx, job.ID))
	stored, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, stored.Status)
	assert.Contains(t, *stored.ErrorMessage, "nil map")
}

func TestProcessSkipsJobsNotProcessing(t *testing.T) {
	f := newAnalysisFixture(t)
	ctx := context.Background()
	job, err := f.svc.Create(ctx, model.Anonymous("dev-1"), f.upload())
	require.NoError(t, err)

	err = f.svc.Process(ctx, job.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Empty(t, f.vision.requests)
}

func TestProcessTerminalJobIsNeverRewritten(t *testing.T) {
	f := newAnalysisFixture(t)
	ctx := context.Background()
	job := f.startedJob(t, model.Anonymous("dev-1"), f.upload())
	require.NoError(t, f.svc.Process(ctx, job.ID))

	f.vision.err = errBoom
	err := f.svc.Process(ctx, job.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	stored, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, stored.Status)
}

func TestProcessExpiredLeaseFailsJob(t *testing.T) {
	f := newAnalysisFixture(t)
	ctx := context.Background()
	job := f.startedJob(t, model.Anonymous("dev-1"), f.upload())
	f.clock = f.clock.Add(11 * time.Minute)

	require.NoError(t, f.svc.Process(ctx, job.ID))
	stored, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, stored.Status)
	assert.Equal(t, MsgLeaseExpired, *stored.ErrorMessage)
	assert.Empty(t, f.vision.requests)
}

func TestGetFailsJobPastLease(t *testing.T) {
	f := newAnalysisFixture(t)
	ctx := context.Background()
	owner := model.Anonymous("dev-1")
	job := f.startedJob(t, owner, f.upload())

	got, err := f.svc.Get(ctx, job.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, got.Status)

	f.clock = f.clock.Add(10*time.Minute + time.Second)
	got, err = f.svc.Get(ctx, job.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, MsgLeaseExpired, *got.ErrorMessage)

	_, err = f.svc.Get(ctx, job.ID, model.Anonymous("dev-2"))
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestListRequiresUser(t *testing.T) {
	f := newAnalysisFixture(t)
	ctx := context.Background()

	_, err := f.svc.List(ctx, model.Anonymous("dev-1"), 10)
	assert.ErrorIs(t, err, ErrUnauthorized)

	f.jobs.put(completedJob("a", "user-1"))
	f.jobs.put(completedJob("b", "user-2"))
	jobs, err := f.svc.List(ctx, model.Authenticated("user-1", "", ""), 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "a", jobs[0].ID)
}

func TestFailStaleUsesLease(t *testing.T) {
	f := newAnalysisFixture(t)
	ctx := context.Background()
	job := f.startedJob(t, model.Anonymous("dev-1"), f.upload())

	ids, err := f.svc.FailStale(ctx, f.clock.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = f.svc.FailStale(ctx, f.clock.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, ids)
}

func TestImageExtension(t *testing.T) {
	assert.Equal(t, ".PNG", imageExtension("garten.PNG", "image/png"))
	assert.Equal(t, "webp", imageExtension("", "image/webp"))
	assert.Equal(t, "jpg", imageExtension("", "image/jpeg"))
}
