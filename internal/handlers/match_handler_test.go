package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/specto/internal/common"
	"github.com/ternarybob/specto/internal/models"
)

// mockMatchStorage implements interfaces.MatchStorage for testing
type mockMatchStorage struct {
	getByJobFunc     func(ctx context.Context, jobID string) ([]*models.Match, error)
	getByProductFunc func(ctx context.Context, productID string) ([]*models.Match, error)
}

func (m *mockMatchStorage) Store(ctx context.Context, match *models.Match) error { return nil }

func (m *mockMatchStorage) GetByJob(ctx context.Context, jobID string) ([]*models.Match, error) {
	if m.getByJobFunc != nil {
		return m.getByJobFunc(ctx, jobID)
	}
	return nil, nil
}

func (m *mockMatchStorage) GetByProduct(ctx context.Context, productID string) ([]*models.Match, error) {
	if m.getByProductFunc != nil {
		return m.getByProductFunc(ctx, productID)
	}
	return nil, nil
}

func (m *mockMatchStorage) DeleteByJob(ctx context.Context, jobID string) error { return nil }

func (m *mockMatchStorage) Count(ctx context.Context) (int, error) { return 0, nil }

func TestGetMatchesByJob(t *testing.T) {
	var capturedJobID string
	storage := &mockMatchStorage{
		getByJobFunc: func(ctx context.Context, jobID string) ([]*models.Match, error) {
			capturedJobID = jobID
			return []*models.Match{
				{ID: "match_1", JobID: jobID, ProductID: "prd_1", VideoID: "vid_1", Score: 0.93},
			}, nil
		},
	}

	handler := NewMatchHandler(storage, common.GetLogger())
	req := httptest.NewRequest("GET", "/api/matches?job=job_1", nil)
	rec := httptest.NewRecorder()

	handler.GetMatchesHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "job_1", capturedJobID)

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	assert.Equal(t, float64(1), response["count"])
}

func TestGetMatchesByProduct(t *testing.T) {
	var capturedProductID string
	storage := &mockMatchStorage{
		getByProductFunc: func(ctx context.Context, productID string) ([]*models.Match, error) {
			capturedProductID = productID
			return []*models.Match{
				{ID: "match_1", JobID: "job_1", ProductID: productID, VideoID: "vid_1", Score: 0.88},
				{ID: "match_2", JobID: "job_2", ProductID: productID, VideoID: "vid_2", Score: 0.84},
			}, nil
		},
	}

	handler := NewMatchHandler(storage, common.GetLogger())
	req := httptest.NewRequest("GET", "/api/matches?product=prd_1", nil)
	rec := httptest.NewRecorder()

	handler.GetMatchesHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "prd_1", capturedProductID)

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	assert.Equal(t, float64(2), response["count"])
}

func TestGetMatchesRequiresQueryParam(t *testing.T) {
	handler := NewMatchHandler(&mockMatchStorage{}, common.GetLogger())
	req := httptest.NewRequest("GET", "/api/matches", nil)
	rec := httptest.NewRecorder()

	handler.GetMatchesHandler(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	assert.Equal(t, "error", response["status"])
}

func TestGetMatchesEmptyResult(t *testing.T) {
	storage := &mockMatchStorage{
		getByJobFunc: func(ctx context.Context, jobID string) ([]*models.Match, error) {
			return []*models.Match{}, nil
		},
	}

	handler := NewMatchHandler(storage, common.GetLogger())
	req := httptest.NewRequest("GET", "/api/matches?job=job_1", nil)
	rec := httptest.NewRecorder()

	handler.GetMatchesHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	assert.Equal(t, float64(0), response["count"])
}
