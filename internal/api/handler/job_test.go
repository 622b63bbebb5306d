package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/timmy/stratum/internal/domain"
	"github.com/timmy/stratum/internal/repository"
)

func setupLogsRoute(t *testing.T) (*gin.Engine, *repository.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.JobLog{}))

	store := repository.NewStore(db)
	h := NewJobHandler(nil, store)

	r := gin.New()
	r.GET("/api/v1/jobs/:id/logs", h.GetJobLogs)
	return r, store
}

func appendLog(t *testing.T, store *repository.Store, jobID string, level domain.LogLevel, msg string) {
	t.Helper()
	require.NoError(t, store.AppendLog(context.Background(), &domain.JobLog{
		JobID:   jobID,
		Level:   level,
		Message: msg,
	}))
}

func getLogs(t *testing.T, r *gin.Engine, url string) []domain.JobLog {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Logs []domain.JobLog `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Logs
}

func TestGetJobLogsFiltersByLevel(t *testing.T) {
	r, store := setupLogsRoute(t)
	appendLog(t, store, "job-1", domain.LogInfo, "indexed 3 images")
	appendLog(t, store, "job-1", domain.LogWarning, "merge conflict on pottery.height")
	appendLog(t, store, "job-1", domain.LogWarning, "discarded M1:2")
	appendLog(t, store, "job-1", domain.LogError, "persist pottery records")
	appendLog(t, store, "job-2", domain.LogWarning, "other job")

	warnings := getLogs(t, r, "/api/v1/jobs/job-1/logs?level=warning")
	require.Len(t, warnings, 2)
	for _, entry := range warnings {
		assert.Equal(t, "job-1", entry.JobID)
		assert.Equal(t, domain.LogWarning, entry.Level)
	}

	all := getLogs(t, r, "/api/v1/jobs/job-1/logs")
	assert.Len(t, all, 4)
}

func TestGetJobLogsHonorsLimit(t *testing.T) {
	r, store := setupLogsRoute(t)
	appendLog(t, store, "job-1", domain.LogInfo, "first")
	appendLog(t, store, "job-1", domain.LogInfo, "second")
	appendLog(t, store, "job-1", domain.LogInfo, "third")

	logs := getLogs(t, r, "/api/v1/jobs/job-1/logs?limit=2")
	require.Len(t, logs, 2)
	assert.Equal(t, "first", logs[0].Message)
	assert.Equal(t, "second", logs[1].Message)
}
