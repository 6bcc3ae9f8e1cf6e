// routes_test.go
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupTestServer swaps the package globals for test instances backed by
// an in-memory database and the given inference endpoint, and restores
// them when the test finishes.
func setupTestServer(t *testing.T, predictURL string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	testDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	if err := testDB.AutoMigrate(&User{}, &AnalysisRecord{}); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	oldDB, oldConfig := db, serverConfig
	oldRegistry, oldStats, oldFeed := registry, stats, feed
	t.Cleanup(func() {
		db, serverConfig = oldDB, oldConfig
		registry, stats, feed = oldRegistry, oldStats, oldFeed
	})

	db = testDB
	serverConfig = &ServerConfig{
		Security: SecuritySettings{
			SecretKey:     "test-secret-key-at-least-32-chars!!",
			SessionMaxAge: 3600,
		},
		Inference: InferenceSettings{
			URL:         predictURL,
			PredictPath: "/predict",
			Timeout:     5,
		},
	}
	registry = NewWorkflowRegistry(NewHTTPClassifier(serverConfig.PredictURL(), 5*time.Second))
	stats = NewDashboardStats()
	feed = NewActivityFeed(nil)

	r := gin.New()
	store := cookie.NewStore([]byte(serverConfig.Security.SecretKey))
	r.Use(sessions.Sessions("malaria_session", store))
	registerRoutes(r)
	return r
}

// testClient carries session cookies across requests like a browser.
type testClient struct {
	t       *testing.T
	router  *gin.Engine
	cookies []*http.Cookie
}

func newTestClient(t *testing.T, router *gin.Engine) *testClient {
	return &testClient{t: t, router: router}
}

func (tc *testClient) do(req *http.Request) *httptest.ResponseRecorder {
	tc.t.Helper()
	for _, c := range tc.cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	tc.router.ServeHTTP(w, req)

	if set := w.Result().Cookies(); len(set) > 0 {
		tc.cookies = set
	}
	return w
}

func (tc *testClient) postJSON(path string, payload interface{}) *httptest.ResponseRecorder {
	tc.t.Helper()
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest("POST", path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return tc.do(req)
}

func (tc *testClient) get(path string) *httptest.ResponseRecorder {
	tc.t.Helper()
	return tc.do(httptest.NewRequest("GET", path, nil))
}

func (tc *testClient) uploadFile(path, fileName, contentType string, data []byte) *httptest.ResponseRecorder {
	tc.t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreatePart(map[string][]string{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename="%s"`, fileName)},
		"Content-Type":        {contentType},
	})
	if err != nil {
		tc.t.Fatalf("Failed to build multipart body: %v", err)
	}
	part.Write(data)
	writer.Close()

	req := httptest.NewRequest("POST", path, body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return tc.do(req)
}

func (tc *testClient) uploadImage(path, fileName string, data []byte) *httptest.ResponseRecorder {
	tc.t.Helper()
	return tc.uploadFile(path, fileName, "image/png", data)
}

func (tc *testClient) register(email, password string) *httptest.ResponseRecorder {
	tc.t.Helper()
	return tc.postJSON("/api/register", map[string]interface{}{
		"email":           email,
		"password":        password,
		"confirmPassword": password,
		"firstName":       "Test",
		"lastName":        "User",
		"acceptTerms":     true,
	})
}

func (tc *testClient) login(email, password string) *httptest.ResponseRecorder {
	tc.t.Helper()
	return tc.postJSON("/api/login", map[string]string{
		"username": email,
		"password": password,
	})
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
	return payload
}

// inferenceStub answers the predict contract with a fixed payload.
func inferenceStub(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predict" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestRegisterAndLoginFlow(t *testing.T) {
	router := setupTestServer(t, "http://localhost:0")
	client := newTestClient(t, router)

	w := client.register("doctor@example.com", "secure-password-1")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected registration to succeed, got %d: %s", w.Code, w.Body.String())
	}
	payload := decodeJSON(t, w)
	if payload["success"] != true {
		t.Errorf("Expected success true, got %v", payload["success"])
	}

	w = client.login("doctor@example.com", "secure-password-1")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected login to succeed, got %d: %s", w.Code, w.Body.String())
	}
	payload = decodeJSON(t, w)
	if payload["success"] != true {
		t.Errorf("Expected success true on login, got %v", payload["success"])
	}
	if payload["message"] != MsgLoginSuccess {
		t.Errorf("Expected message %q, got %v", MsgLoginSuccess, payload["message"])
	}

	// The session now opens the protected API.
	w = client.get("/api/analysis")
	if w.Code != http.StatusOK {
		t.Errorf("Expected authenticated access, got %d", w.Code)
	}
}

func TestRegisterValidation(t *testing.T) {
	router := setupTestServer(t, "http://localhost:0")
	client := newTestClient(t, router)

	// Mismatched passwords
	w := client.postJSON("/api/register", map[string]interface{}{
		"email":           "a@example.com",
		"password":        "one-password",
		"confirmPassword": "another-password",
		"acceptTerms":     true,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for mismatched passwords, got %d", w.Code)
	}

	// Terms not accepted
	w = client.postJSON("/api/register", map[string]interface{}{
		"email":           "a@example.com",
		"password":        "one-password",
		"confirmPassword": "one-password",
		"acceptTerms":     false,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 when terms are not accepted, got %d", w.Code)
	}

	// Duplicate email
	client.register("dup@example.com", "secure-password-1")
	w = client.register("dup@example.com", "secure-password-1")
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for a duplicate email, got %d", w.Code)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	router := setupTestServer(t, "http://localhost:0")
	client := newTestClient(t, router)
	client.register("doctor@example.com", "secure-password-1")

	cases := []struct{ email, password string }{
		{"doctor@example.com", "wrong-password"},
		{"nobody@example.com", "secure-password-1"},
	}
	for _, tc := range cases {
		w := client.login(tc.email, tc.password)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("Login %s: expected 401, got %d", tc.email, w.Code)
		}
		payload := decodeJSON(t, w)
		if payload["success"] != false {
			t.Errorf("Login %s: expected success false, got %v", tc.email, payload["success"])
		}
		if payload["message"] != MsgLoginFailure {
			t.Errorf("Login %s: expected message %q, got %v", tc.email, MsgLoginFailure, payload["message"])
		}
	}
}

func TestGuardBlocksUnauthenticatedAPI(t *testing.T) {
	router := setupTestServer(t, "http://localhost:0")
	client := newTestClient(t, router)

	protected := []struct{ method, path string }{
		{"GET", "/api/analysis"},
		{"POST", "/api/analysis/run"},
		{"POST", "/api/analysis/reset"},
		{"GET", "/api/dashboard/stats"},
		{"GET", "/api/reports"},
		{"GET", "/api/theme"},
	}
	for _, route := range protected {
		w := client.do(httptest.NewRequest(route.method, route.path, nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", route.method, route.path, w.Code)
		}
	}
}

func TestGuardRedirectsDashboardPage(t *testing.T) {
	router := setupTestServer(t, "http://localhost:0")
	client := newTestClient(t, router)

	w := client.get("/dashboard")
	if w.Code != http.StatusSeeOther {
		t.Fatalf("Expected 303 redirect, got %d", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "/login" {
		t.Errorf("Expected redirect to /login, got %q", loc)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	router := setupTestServer(t, "http://localhost:0")
	client := newTestClient(t, router)
	client.register("doctor@example.com", "secure-password-1")
	client.login("doctor@example.com", "secure-password-1")

	w := client.postJSON("/api/logout", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected logout to succeed, got %d", w.Code)
	}

	// The cleared session must no longer open anything.
	w = client.get("/api/analysis")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 after logout, got %d", w.Code)
	}
	w = client.get("/dashboard")
	if w.Code != http.StatusSeeOther {
		t.Errorf("Expected dashboard redirect after logout, got %d", w.Code)
	}

	// Logging out twice is harmless.
	w = client.postJSON("/api/logout", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected logout to stay idempotent, got %d", w.Code)
	}
}

func TestAnalysisFullFlow(t *testing.T) {
	inference := inferenceStub(t, http.StatusOK,
		`{"prediction": "Parasitée", "confidence": 93.7}`)
	router := setupTestServer(t, inference.URL)
	client := newTestClient(t, router)
	client.register("doctor@example.com", "secure-password-1")
	client.login("doctor@example.com", "secure-password-1")

	// Upload
	w := client.uploadImage("/api/analysis/image", "cell.png", pngBytes())
	if w.Code != http.StatusOK {
		t.Fatalf("Expected upload to succeed, got %d: %s", w.Code, w.Body.String())
	}
	payload := decodeJSON(t, w)
	if payload["state"] != string(StateFileSelected) {
		t.Errorf("Expected state %q, got %v", StateFileSelected, payload["state"])
	}

	// Preview is served back
	w = client.get("/api/analysis/preview")
	if w.Code != http.StatusOK {
		t.Errorf("Expected preview to be served, got %d", w.Code)
	}
	if !bytes.Equal(w.Body.Bytes(), pngBytes()) {
		t.Error("Expected preview to return the uploaded bytes")
	}

	// Analyze
	w = client.postJSON("/api/analysis/run", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected analysis to return 200, got %d: %s", w.Code, w.Body.String())
	}
	payload = decodeJSON(t, w)
	if payload["state"] != string(StateSucceeded) {
		t.Fatalf("Expected state %q, got %v (%s)", StateSucceeded, payload["state"], w.Body.String())
	}
	result := payload["result"].(map[string]interface{})
	if result["label"] != LabelInfected {
		t.Errorf("Expected label %q, got %v", LabelInfected, result["label"])
	}
	if result["confidence_percent"].(float64) != 94 {
		t.Errorf("Expected confidence 94, got %v", result["confidence_percent"])
	}
	if result["is_positive"] != true {
		t.Errorf("Expected a positive result, got %v", result["is_positive"])
	}

	// The outcome reached the dashboard counters.
	w = client.get("/api/dashboard/stats")
	payload = decodeJSON(t, w)
	statsPayload := payload["stats"].(map[string]interface{})
	if statsPayload["total_analyzed"].(float64) != 1 {
		t.Errorf("Expected one analysis recorded, got %v", statsPayload["total_analyzed"])
	}
	if statsPayload["infected_count"].(float64) != 1 {
		t.Errorf("Expected one infected result, got %v", statsPayload["infected_count"])
	}
	if payload["user_email"] != "doctor@example.com" {
		t.Errorf("Expected the caller identity in the stats payload, got %v", payload["user_email"])
	}

	// And the durable history.
	w = client.get("/api/reports")
	payload = decodeJSON(t, w)
	reports := payload["reports"].([]interface{})
	if len(reports) != 1 {
		t.Fatalf("Expected one report, got %d", len(reports))
	}
	report := reports[0].(map[string]interface{})
	if report["file_name"] != "cell.png" || report["positive"] != true {
		t.Errorf("Unexpected report contents: %+v", report)
	}

	// Re-running without a new selection is a no-op; nothing is recorded twice.
	w = client.postJSON("/api/analysis/run", nil)
	payload = decodeJSON(t, w)
	if payload["state"] != string(StateSucceeded) {
		t.Errorf("Expected the succeeded state to persist, got %v", payload["state"])
	}
	w = client.get("/api/dashboard/stats")
	payload = decodeJSON(t, w)
	statsPayload = payload["stats"].(map[string]interface{})
	if statsPayload["total_analyzed"].(float64) != 1 {
		t.Errorf("Expected the duplicate run to record nothing, got %v",
			statsPayload["total_analyzed"])
	}

	// Reset clears the workflow and revokes the preview.
	w = client.postJSON("/api/analysis/reset", nil)
	payload = decodeJSON(t, w)
	if payload["state"] != string(StateEmpty) {
		t.Errorf("Expected state %q after reset, got %v", StateEmpty, payload["state"])
	}
	w = client.get("/api/analysis/preview")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for the preview after reset, got %d", w.Code)
	}
}

func TestAnalysisFailurePath(t *testing.T) {
	inference := inferenceStub(t, http.StatusInternalServerError, `{}`)
	router := setupTestServer(t, inference.URL)
	client := newTestClient(t, router)
	client.register("doctor@example.com", "secure-password-1")
	client.login("doctor@example.com", "secure-password-1")

	client.uploadImage("/api/analysis/image", "cell.png", pngBytes())
	w := client.postJSON("/api/analysis/run", nil)
	payload := decodeJSON(t, w)

	if payload["state"] != string(StateFailed) {
		t.Fatalf("Expected state %q, got %v", StateFailed, payload["state"])
	}
	errMsg, _ := payload["error"].(string)
	if !strings.Contains(errMsg, "500") {
		t.Errorf("Expected the error to mention the upstream status, got %q", errMsg)
	}

	// Failures never reach the counters or the history.
	w = client.get("/api/dashboard/stats")
	payload = decodeJSON(t, w)
	statsPayload := payload["stats"].(map[string]interface{})
	if statsPayload["total_analyzed"].(float64) != 0 {
		t.Errorf("Expected no analyses recorded on failure, got %v",
			statsPayload["total_analyzed"])
	}
	var count int64
	db.Model(&AnalysisRecord{}).Count(&count)
	if count != 0 {
		t.Errorf("Expected no history rows on failure, got %d", count)
	}
}

func TestAnalysisErrorPayload(t *testing.T) {
	inference := inferenceStub(t, http.StatusOK, `{"error": "Aucun fichier envoyé"}`)
	router := setupTestServer(t, inference.URL)
	client := newTestClient(t, router)
	client.register("doctor@example.com", "secure-password-1")
	client.login("doctor@example.com", "secure-password-1")

	client.uploadImage("/api/analysis/image", "cell.png", pngBytes())
	w := client.postJSON("/api/analysis/run", nil)
	payload := decodeJSON(t, w)

	if payload["state"] != string(StateFailed) {
		t.Fatalf("Expected state %q, got %v", StateFailed, payload["state"])
	}
	if payload["error"] != "Aucun fichier envoyé" {
		t.Errorf("Expected the server text verbatim, got %v", payload["error"])
	}
}

func TestAnalysisUnrecognizedImage(t *testing.T) {
	inference := inferenceStub(t, http.StatusOK,
		`{"prediction": "Inconnue", "confidence": 41.2, "message": "not a cell image"}`)
	router := setupTestServer(t, inference.URL)
	client := newTestClient(t, router)
	client.register("doctor@example.com", "secure-password-1")
	client.login("doctor@example.com", "secure-password-1")

	client.uploadImage("/api/analysis/image", "landscape.png", pngBytes())
	w := client.postJSON("/api/analysis/run", nil)
	payload := decodeJSON(t, w)

	if payload["state"] != string(StateSucceeded) {
		t.Fatalf("Expected unrecognized input to succeed, got %v", payload["state"])
	}
	result := payload["result"].(map[string]interface{})
	if result["label"] != LabelUnknown {
		t.Errorf("Expected label %q, got %v", LabelUnknown, result["label"])
	}
	if result["is_positive"] != nil && result["is_positive"] != false {
		t.Errorf("Expected a negative result, got %v", result["is_positive"])
	}
	if result["message"] != "not a cell image" {
		t.Errorf("Expected the service message verbatim, got %v", result["message"])
	}
}

func TestAnalysisRejectsNonImageUpload(t *testing.T) {
	router := setupTestServer(t, "http://localhost:0")
	client := newTestClient(t, router)
	client.register("doctor@example.com", "secure-password-1")
	client.login("doctor@example.com", "secure-password-1")

	w := client.uploadFile("/api/analysis/image", "notes.txt", "text/plain", []byte("not an image"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a non-image upload, got %d", w.Code)
	}
}

func TestAnalysisRejectsNonImageWithSameName(t *testing.T) {
	router := setupTestServer(t, "http://localhost:0")
	client := newTestClient(t, router)
	client.register("doctor@example.com", "secure-password-1")
	client.login("doctor@example.com", "secure-password-1")

	w := client.uploadImage("/api/analysis/image", "cell.png", pngBytes())
	if w.Code != http.StatusOK {
		t.Fatalf("Expected the image to be accepted, got %d", w.Code)
	}

	// A rejected file reuses the name of the already-selected one; the
	// rejection must still be reported, not mistaken for a re-selection.
	w = client.uploadFile("/api/analysis/image", "cell.png", "text/plain", []byte("not an image"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a rejected same-named file, got %d", w.Code)
	}

	// The original selection survives.
	w = client.get("/api/analysis")
	payload := decodeJSON(t, w)
	if payload["state"] != string(StateFileSelected) || payload["file_name"] != "cell.png" {
		t.Errorf("Expected the previous selection to survive, got %v", payload)
	}
}

func TestAnalysisRunWithoutFile(t *testing.T) {
	router := setupTestServer(t, "http://localhost:0")
	client := newTestClient(t, router)
	client.register("doctor@example.com", "secure-password-1")
	client.login("doctor@example.com", "secure-password-1")

	w := client.postJSON("/api/analysis/run", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for a no-op run, got %d", w.Code)
	}
	payload := decodeJSON(t, w)
	if payload["state"] != string(StateEmpty) {
		t.Errorf("Expected the workflow to stay empty, got %v", payload["state"])
	}
}

func TestReportsExportCSV(t *testing.T) {
	inference := inferenceStub(t, http.StatusOK,
		`{"prediction": "Non infectée", "confidence": 88.4}`)
	router := setupTestServer(t, inference.URL)
	client := newTestClient(t, router)
	client.register("doctor@example.com", "secure-password-1")
	client.login("doctor@example.com", "secure-password-1")

	client.uploadImage("/api/analysis/image", "cell.png", pngBytes())
	client.postJSON("/api/analysis/run", nil)

	w := client.get("/api/reports/export")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected export to succeed, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Expected text/csv, got %q", ct)
	}

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected header plus one row, got %d lines", len(lines))
	}
	if !strings.Contains(lines[1], "cell.png") || !strings.Contains(lines[1], "Non infectée") {
		t.Errorf("Unexpected CSV row: %q", lines[1])
	}
}

func TestThemePreference(t *testing.T) {
	router := setupTestServer(t, "http://localhost:0")
	client := newTestClient(t, router)
	client.register("doctor@example.com", "secure-password-1")
	client.login("doctor@example.com", "secure-password-1")

	// Default
	w := client.get("/api/theme")
	payload := decodeJSON(t, w)
	if payload["theme"] != ThemeLight {
		t.Errorf("Expected default theme %q, got %v", ThemeLight, payload["theme"])
	}

	// Set and read back
	w = client.postJSON("/api/theme", map[string]string{"theme": ThemeDark})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected theme update to succeed, got %d", w.Code)
	}
	w = client.get("/api/theme")
	payload = decodeJSON(t, w)
	if payload["theme"] != ThemeDark {
		t.Errorf("Expected theme %q, got %v", ThemeDark, payload["theme"])
	}

	// Invalid value
	w = client.postJSON("/api/theme", map[string]string{"theme": "sepia"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an invalid theme, got %d", w.Code)
	}
}

func TestDashboardEscapesDisplayName(t *testing.T) {
	router := setupTestServer(t, "http://localhost:0")
	client := newTestClient(t, router)

	client.postJSON("/api/register", map[string]interface{}{
		"email":           "doctor@example.com",
		"password":        "secure-password-1",
		"confirmPassword": "secure-password-1",
		"firstName":       "<script>alert(1)</script>",
		"lastName":        "Doe",
		"acceptTerms":     true,
	})
	client.login("doctor@example.com", "secure-password-1")

	w := client.get("/dashboard")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if strings.Contains(body, "<script>alert(1)</script>") {
		t.Error("Expected the display name to be escaped in the page")
	}
	if !strings.Contains(body, "&lt;script&gt;alert(1)&lt;/script&gt;") {
		t.Error("Expected the escaped display name to be rendered")
	}
}

func TestHealthCheck(t *testing.T) {
	router := setupTestServer(t, "http://localhost:0")
	client := newTestClient(t, router)

	w := client.get("/health")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	payload := decodeJSON(t, w)
	if payload["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %v", payload["status"])
	}
}
