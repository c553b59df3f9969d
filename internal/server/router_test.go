package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cvpilot-ai/backend/internal/auth"
	"github.com/cvpilot-ai/backend/internal/cvs"
	"github.com/cvpilot-ai/backend/internal/document"
	"github.com/cvpilot-ai/backend/internal/partial"
	"github.com/cvpilot-ai/backend/internal/pipeline"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type stubValidator struct {
	users map[string]string
}

func (s stubValidator) ValidateRequest(r *http.Request) (auth.SessionClaims, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return auth.SessionClaims{}, auth.ErrMissingSessionToken
	}
	token := strings.TrimPrefix(header, "Bearer ")
	userID, ok := s.users[token]
	if !ok {
		return auth.SessionClaims{}, auth.ErrInvalidSessionToken
	}
	return auth.SessionClaims{UserID: userID}, nil
}

type passthroughIdentities struct{}

func (passthroughIdentities) ResolveCanonicalUserID(claims auth.SessionClaims) (string, error) {
	return claims.UserID, nil
}

type staticOptimizer struct {
	result pipeline.OptimizeResult
	err    error
}

func (s staticOptimizer) Optimize(context.Context, string, string) (pipeline.OptimizeResult, error) {
	if s.err != nil {
		return pipeline.OptimizeResult{}, s.err
	}
	return s.result, nil
}

type routerEnv struct {
	handler http.Handler
	store   *cvs.Store
	service *pipeline.Service
}

func newRouterEnv(t *testing.T, optimizer pipeline.Optimizer) routerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:router_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.AutoMigrate(&cvs.CVRecord{}, &pipeline.OptimizationJob{}); err != nil {
		t.Fatalf("migrate schema: %v", err)
	}

	store, err := cvs.NewStore(cvs.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("new cv store: %v", err)
	}

	dispatcher := NewProgressDispatcher()
	service, err := pipeline.NewService(pipeline.ServiceConfig{
		Database:  db,
		CVStore:   store,
		Optimizer: optimizer,
		Generator: document.NewGenerator(),
		Cache:     partial.NewCache(time.Minute),
		Events:    dispatcher,
	})
	if err != nil {
		t.Fatalf("new pipeline service: %v", err)
	}
	t.Cleanup(service.Close)

	handler, err := NewHTTPHandler(Dependencies{
		Validator:  stubValidator{users: map[string]string{"token-a": "user-a", "token-b": "user-b"}},
		Identities: passthroughIdentities{},
		CVStore:    store,
		Pipeline:   service,
		Dispatcher: dispatcher,
	})
	if err != nil {
		t.Fatalf("new http handler: %v", err)
	}
	return routerEnv{handler: handler, store: store, service: service}
}

func doJSON(t *testing.T, handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	payload := map[string]interface{}{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func goodOptimizeResult() pipeline.OptimizeResult {
	return pipeline.OptimizeResult{
		OptimizedText:   "Summary:\nSeasoned engineer.\n\nSkills:\nGo, SQL.",
		OriginalScore:   55,
		ImprovedScore:   82,
		Recommendations: []string{"tighten the summary"},
	}
}

func createCV(t *testing.T, env routerEnv, token string) uint {
	t.Helper()
	recorder := doJSON(t, env.handler, http.MethodPost, "/api/cvs", token,
		`{"file_name":"cv.txt","raw_text":"Jane Doe\n\nExperience:\nEngineer at Example Corp.\n"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create cv: status %d body %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(t, recorder)
	return uint(payload["id"].(float64))
}

func pollStatus(t *testing.T, env routerEnv, token string, cvID uint, jobDescription string) map[string]interface{} {
	t.Helper()
	path := fmt.Sprintf("/api/cvs/optimize/status?cv_id=%d&job_description=%s", cvID, jobDescription)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		recorder := doJSON(t, env.handler, http.MethodGet, path, token, "")
		if recorder.Code != http.StatusOK {
			t.Fatalf("status poll: status %d body %s", recorder.Code, recorder.Body.String())
		}
		payload := decodeBody(t, recorder)
		if payload["status"] == "complete" || payload["status"] == "failed" {
			return payload
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job never reached a terminal state")
	return nil
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	env := newRouterEnv(t, staticOptimizer{result: goodOptimizeResult()})

	for _, path := range []string{"/api/cvs", "/api/cvs/optimize/status", "/api/cvs/1/download"} {
		recorder := doJSON(t, env.handler, http.MethodGet, path, "", "")
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %s, got %d", path, recorder.Code)
		}
	}

	recorder := doJSON(t, env.handler, http.MethodGet, "/api/cvs", "token-unknown", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown token, got %d", recorder.Code)
	}
}

func TestHealthEndpointIsPublic(t *testing.T) {
	env := newRouterEnv(t, staticOptimizer{result: goodOptimizeResult()})
	recorder := doJSON(t, env.handler, http.MethodGet, "/healthz", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from healthz, got %d", recorder.Code)
	}
}

func TestCreateAndListCVs(t *testing.T) {
	env := newRouterEnv(t, staticOptimizer{result: goodOptimizeResult()})
	createCV(t, env, "token-a")

	recorder := doJSON(t, env.handler, http.MethodGet, "/api/cvs", "token-a", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("list cvs: status %d", recorder.Code)
	}
	payload := decodeBody(t, recorder)
	listed := payload["cvs"].([]interface{})
	if len(listed) != 1 {
		t.Fatalf("expected 1 cv, got %d", len(listed))
	}

	// Another user sees an empty list.
	other := doJSON(t, env.handler, http.MethodGet, "/api/cvs", "token-b", "")
	otherPayload := decodeBody(t, other)
	if len(otherPayload["cvs"].([]interface{})) != 0 {
		t.Fatalf("lists must be scoped to the owner")
	}
}

func TestCreateCVRejectsEmptyText(t *testing.T) {
	env := newRouterEnv(t, staticOptimizer{result: goodOptimizeResult()})
	recorder := doJSON(t, env.handler, http.MethodPost, "/api/cvs", "token-a",
		`{"file_name":"cv.txt","raw_text":"   "}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty raw text, got %d", recorder.Code)
	}
}

func TestOptimizeFlowOverHTTP(t *testing.T) {
	env := newRouterEnv(t, staticOptimizer{result: goodOptimizeResult()})
	cvID := createCV(t, env, "token-a")

	launch := doJSON(t, env.handler, http.MethodPost, "/api/cvs/optimize", "token-a",
		fmt.Sprintf(`{"cv_id":%d,"job_description":"senior go engineer"}`, cvID))
	if launch.Code != http.StatusAccepted {
		t.Fatalf("launch: status %d body %s", launch.Code, launch.Body.String())
	}
	launched := decodeBody(t, launch)
	if launched["job_id"] == "" {
		t.Fatalf("launch must report a job id")
	}

	status := pollStatus(t, env, "token-a", cvID, "senior+go+engineer")
	if status["status"] != "complete" {
		t.Fatalf("expected complete, got %v", status)
	}
	if status["ats_score"].(float64) != 55 || status["improved_ats_score"].(float64) != 82 {
		t.Fatalf("unexpected scores in %v", status)
	}
	comparison := status["comparison"].(map[string]interface{})
	if comparison["delta"].(float64) != 27 || comparison["verdict"] != "improved" {
		t.Fatalf("unexpected comparison %v", comparison)
	}

	download := doJSON(t, env.handler, http.MethodGet, fmt.Sprintf("/api/cvs/%d/download", cvID), "token-a", "")
	if download.Code != http.StatusOK {
		t.Fatalf("download: status %d", download.Code)
	}
	if !strings.Contains(download.Header().Get("Content-Disposition"), "cv_optimized.docx") {
		t.Fatalf("unexpected content disposition %q", download.Header().Get("Content-Disposition"))
	}
	if !strings.HasPrefix(download.Body.String(), "PK") {
		t.Fatalf("downloaded artifact must be a zip container")
	}

	// Relaunch with identical inputs reuses the completed result.
	relaunch := doJSON(t, env.handler, http.MethodPost, "/api/cvs/optimize", "token-a",
		fmt.Sprintf(`{"cv_id":%d,"job_description":"senior go engineer"}`, cvID))
	if relaunch.Code != http.StatusOK {
		t.Fatalf("relaunch: status %d body %s", relaunch.Code, relaunch.Body.String())
	}
	if decodeBody(t, relaunch)["reused"] != true {
		t.Fatalf("expected reuse on identical relaunch")
	}
}

func TestOptimizeFailureSurfacesErrorPayload(t *testing.T) {
	env := newRouterEnv(t, staticOptimizer{err: fmt.Errorf("%w: upstream down", pipeline.ErrServiceUnavailable)})
	cvID := createCV(t, env, "token-a")

	launch := doJSON(t, env.handler, http.MethodPost, "/api/cvs/optimize", "token-a",
		fmt.Sprintf(`{"cv_id":%d,"job_description":"any role"}`, cvID))
	if launch.Code != http.StatusAccepted {
		t.Fatalf("launch: status %d", launch.Code)
	}

	status := pollStatus(t, env, "token-a", cvID, "any+role")
	if status["status"] != "failed" {
		t.Fatalf("expected failed, got %v", status)
	}
	if status["error_kind"] != "service_unavailable" {
		t.Fatalf("unexpected error kind %v", status["error_kind"])
	}
}

func TestDownloadWithoutArtifactReturnsNotFound(t *testing.T) {
	env := newRouterEnv(t, staticOptimizer{result: goodOptimizeResult()})
	cvID := createCV(t, env, "token-a")

	recorder := doJSON(t, env.handler, http.MethodGet, fmt.Sprintf("/api/cvs/%d/download", cvID), "token-a", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before any run, got %d", recorder.Code)
	}
}

func TestCrossUserAccessMapsToNotFound(t *testing.T) {
	env := newRouterEnv(t, staticOptimizer{result: goodOptimizeResult()})
	cvID := createCV(t, env, "token-a")

	recorder := doJSON(t, env.handler, http.MethodPost, "/api/cvs/optimize", "token-b",
		fmt.Sprintf(`{"cv_id":%d,"job_description":"role"}`, cvID))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign cv, got %d body %s", recorder.Code, recorder.Body.String())
	}
}

func TestPreviewReturnsEstimatedScores(t *testing.T) {
	env := newRouterEnv(t, staticOptimizer{result: goodOptimizeResult()})
	cvID := createCV(t, env, "token-a")

	recorder := doJSON(t, env.handler, http.MethodPost, fmt.Sprintf("/api/cvs/%d/preview", cvID), "token-a", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("preview: status %d body %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(t, recorder)
	if payload["estimated"] != true {
		t.Fatalf("preview payload must be flagged as estimated")
	}
	if payload["ats_score"].(float64) <= 0 {
		t.Fatalf("preview must carry placeholder scores, got %v", payload)
	}
	if payload["docx_b64"] == "" {
		t.Fatalf("preview must include the rendered document")
	}

	// Preview never creates job state.
	status := doJSON(t, env.handler, http.MethodGet,
		fmt.Sprintf("/api/cvs/optimize/status?cv_id=%d", cvID), "token-a", "")
	if decodeBody(t, status)["status"] != "not_started" {
		t.Fatalf("preview must not create job state")
	}
}

func TestStatusRejectsMalformedCVID(t *testing.T) {
	env := newRouterEnv(t, staticOptimizer{result: goodOptimizeResult()})
	recorder := doJSON(t, env.handler, http.MethodGet, "/api/cvs/optimize/status?cv_id=abc", "token-a", "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed cv id, got %d", recorder.Code)
	}
}
