// Package main declares the main package of the application
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Literal auth messages kept for clients that still key on them. The
// success boolean in the same payload is the actual contract.
const (
	MsgLoginSuccess    = "Connexion réussie"
	MsgLoginFailure    = "Identifiants invalides."
	MsgRegisterSuccess = "Inscription réussie !"
)

// reportsPageSize bounds one page of the reports listing.
const reportsPageSize = 50

// authRequired gates the API routes: no valid session flag means 401.
// The check runs on every request; nothing about a previous request is
// trusted.
func authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		loggedIn := session.Get(SessionKeyLoggedIn)
		email := session.Get(SessionKeyUserEmail)

		if loggedIn != "true" || email == nil {
			RespondUnauthorized(c, "Authentication required")
			c.Abort()
			return
		}

		c.Set("user_email", email)
		c.Next()
	}
}

// pageAuthRequired gates browser page routes: no valid session flag
// means a redirect to the login page before any protected content is
// written. This is a navigation convenience on top of the per-request
// API checks, not an authorization boundary of its own.
func pageAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		loggedIn := session.Get(SessionKeyLoggedIn)
		email := session.Get(SessionKeyUserEmail)

		if loggedIn != "true" || email == nil {
			// Drop any partial identity left behind so the next check
			// starts clean.
			session.Clear()
			session.Save()
			c.Redirect(http.StatusSeeOther, "/login")
			c.Abort()
			return
		}

		c.Next()
	}
}

// healthCheck responds with server status
func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"service": "MalariaDetect_Server",
	})
}

// registerRoutes sets up all the endpoints for the server
func registerRoutes(r *gin.Engine) {
	// Health check endpoints (no authentication required)
	r.GET("/", healthCheck)
	r.GET("/health", healthCheck)

	// Pages
	r.GET("/login", loginPage)
	r.GET("/register", registerPage)
	r.GET("/dashboard", pageAuthRequired(), dashboardPage)

	// Public API routes. Logout stays public so it is idempotent: logging
	// out an already-logged-out session only acknowledges.
	r.POST("/api/register", registerUser)
	r.POST("/api/login", login)
	r.POST("/api/logout", logout)

	// Authenticated API routes (require valid session)
	authenticated := r.Group("/api")
	authenticated.Use(authRequired())
	{
		authenticated.GET("/theme", getTheme)
		authenticated.POST("/theme", setTheme)

		authenticated.POST("/analysis/image", analysisSelect)
		authenticated.POST("/analysis/run", analysisRun)
		authenticated.POST("/analysis/reset", analysisReset)
		authenticated.GET("/analysis", analysisState)
		authenticated.GET("/analysis/preview", analysisPreview)

		authenticated.GET("/dashboard/stats", dashboardStatsHandler)
		authenticated.GET("/dashboard/feed", feed.HandleWebSocket)

		authenticated.GET("/reports", listReports)
		authenticated.GET("/reports/export", exportReports)
	}
}

// sanitizeInput cleans the input string to prevent injection attacks
func sanitizeInput(input string) string {
	input = strings.TrimSpace(input)
	re := regexp.MustCompile(`[^\w@.-]`)
	return re.ReplaceAllString(input, "")
}

// registerUser handles the registration of a new account
func registerUser(c *gin.Context) {
	var payload RegisterRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Email and password are required"})
		return
	}

	payload.Email = sanitizeInput(payload.Email)
	if payload.Email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "A valid email is required"})
		return
	}
	if payload.Password != payload.ConfirmPassword {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Passwords do not match"})
		return
	}
	if !payload.AcceptTerms {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Terms of use must be accepted"})
		return
	}

	// Check if the email is already registered
	var existing User
	err := db.Where("email = ?", payload.Email).First(&existing).Error
	if err == nil {
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": "Email already registered"})
		return
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to register user"})
		return
	}

	newUser := User{
		Email:     payload.Email,
		FirstName: strings.TrimSpace(payload.FirstName),
		LastName:  strings.TrimSpace(payload.LastName),
	}
	if err := newUser.SetPassword(payload.Password); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to set password"})
		return
	}

	if err := db.Create(&newUser).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to register user"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": MsgRegisterSuccess})
}

// login handles user login. The request's username field carries the
// email address.
func login(c *gin.Context) {
	var payload LoginRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "Email and password are required"})
		return
	}

	email := sanitizeInput(payload.Username)

	var user User
	if err := db.Where("email = ?", email).First(&user).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": MsgLoginFailure})
		return
	}

	if !user.CheckPassword(payload.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": MsgLoginFailure})
		return
	}

	session := sessions.Default(c)
	session.Options(sessions.Options{
		MaxAge:   serverConfig.Security.SessionMaxAge,
		Path:     "/",
		HttpOnly: true,
	})
	session.Set(SessionKeyLoggedIn, "true")
	session.Set(SessionKeyUserEmail, user.Email)
	session.Set(SessionKeyUserName, user.FullName())
	session.Set(SessionKeyWorkflowID, uuid.NewString())
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "Failed to create session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": MsgLoginSuccess})
}

// logout clears the whole session. Idempotent: logging out while already
// logged out only acknowledges.
func logout(c *gin.Context) {
	session := sessions.Default(c)
	if workflowID, ok := session.Get(SessionKeyWorkflowID).(string); ok {
		registry.Remove(workflowID)
	}
	session.Clear()
	session.Save()

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Logged out successfully"})
}

// getTheme returns the stored theme preference, defaulting to light.
func getTheme(c *gin.Context) {
	session := sessions.Default(c)
	theme, ok := session.Get(SessionKeyTheme).(string)
	if !ok || theme == "" {
		theme = ThemeLight
	}
	c.JSON(http.StatusOK, gin.H{"theme": theme})
}

// setTheme stores the theme preference in the session.
func setTheme(c *gin.Context) {
	var payload struct {
		Theme string `json:"theme" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		RespondBadRequest(c, "Theme is required")
		return
	}
	if payload.Theme != ThemeDark && payload.Theme != ThemeLight {
		RespondWithError(c, http.StatusBadRequest, ErrCodeValidation, "Theme must be dark or light", "")
		return
	}

	session := sessions.Default(c)
	session.Set(SessionKeyTheme, payload.Theme)
	session.Save()
	c.JSON(http.StatusOK, gin.H{"theme": payload.Theme})
}

// sessionWorkflow returns the caller's workflow, assigning a workflow key
// to the session if it lost one (e.g. after a server restart).
func sessionWorkflow(c *gin.Context) *AnalysisWorkflow {
	session := sessions.Default(c)
	workflowID, ok := session.Get(SessionKeyWorkflowID).(string)
	if !ok || workflowID == "" {
		workflowID = uuid.NewString()
		session.Set(SessionKeyWorkflowID, workflowID)
		session.Save()
	}
	return registry.Get(workflowID)
}

// analysisSelect accepts a picked or dropped image. A request without a
// file field mirrors an empty drop and leaves the workflow untouched;
// a non-image file is rejected with a validation error.
func analysisSelect(c *gin.Context) {
	wf := sessionWorkflow(c)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		// Empty drop: ignored, current state reported back.
		c.JSON(http.StatusOK, wf.Snapshot())
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		RespondBadRequest(c, "File upload failed")
		return
	}

	contentType := header.Header.Get("Content-Type")
	snap := wf.Select(header.Filename, contentType, data)
	// Acceptance clears the error, so a message here means the file was
	// rejected; state and filename alone cannot tell a rejected upload
	// from a re-selection of the same file.
	if snap.Error != "" {
		RespondWithError(c, http.StatusBadRequest, ErrCodeValidation, snap.Error, "")
		return
	}

	c.JSON(http.StatusOK, snap)
}

// analysisRun triggers the classification of the selected image and
// folds a completed outcome into the dashboard state. The workflow
// itself guards against duplicate submissions, so concurrent calls
// simply observe the in-flight state.
func analysisRun(c *gin.Context) {
	wf := sessionWorkflow(c)

	ctx, cancel := context.WithTimeout(c.Request.Context(),
		time.Duration(serverConfig.Inference.Timeout)*time.Second)
	defer cancel()

	snap, completed := wf.Analyze(ctx)
	if completed {
		recordOutcome(c, snap)
	}

	c.JSON(http.StatusOK, snap)
}

// recordOutcome updates the side-channel dashboard state and the durable
// history after a terminal transition.
func recordOutcome(c *gin.Context, snap WorkflowSnapshot) {
	if snap.State == StateFailed {
		feed.PublishAnalysis("Analyse échouée", ActivityStatusError)
		return
	}
	if snap.State != StateSucceeded || snap.Result == nil {
		return
	}

	stats.RecordAnalysis(snap.Result.IsPositive)
	if snap.Result.IsPositive {
		feed.PublishAnalysis("Image analysée - Infectée", ActivityStatusWarning)
	} else {
		feed.PublishAnalysis("Image analysée - Saine", ActivityStatusSuccess)
	}

	email, _ := c.Get("user_email")
	record := AnalysisRecord{
		UserEmail:         fmt.Sprintf("%v", email),
		FileName:          snap.FileName,
		FileSize:          snap.FileSize,
		Label:             snap.Result.Label,
		ConfidencePercent: snap.Result.ConfidencePercent,
		Positive:          snap.Result.IsPositive,
		Message:           snap.Result.Message,
		AnalyzedAt:        time.Now().UTC(),
	}
	if err := db.Create(&record).Error; err != nil {
		// History is best-effort; the analysis result already reached
		// the caller.
		c.Error(err)
	}
}

// analysisReset returns the workflow to its initial state.
func analysisReset(c *gin.Context) {
	wf := sessionWorkflow(c)
	c.JSON(http.StatusOK, wf.Reset())
}

// analysisState reports the current workflow state.
func analysisState(c *gin.Context) {
	wf := sessionWorkflow(c)
	c.JSON(http.StatusOK, wf.Snapshot())
}

// analysisPreview serves the spooled copy of the selected image.
func analysisPreview(c *gin.Context) {
	wf := sessionWorkflow(c)
	preview := wf.Preview()
	if preview == nil {
		RespondNotFound(c, "No image selected")
		return
	}

	c.Header("Content-Type", preview.ContentType)
	c.File(preview.Path)
}

// dashboardStatsHandler returns the in-memory dashboard counters plus the
// caller's display identity.
func dashboardStatsHandler(c *gin.Context) {
	session := sessions.Default(c)
	name, _ := session.Get(SessionKeyUserName).(string)
	email, _ := session.Get(SessionKeyUserEmail).(string)

	c.JSON(http.StatusOK, gin.H{
		"stats":      stats.Snapshot(),
		"user_name":  name,
		"user_email": email,
	})
}

// listReports returns one page of the caller's analysis history, newest
// first.
func listReports(c *gin.Context) {
	email, _ := c.Get("user_email")

	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}

	var records []AnalysisRecord
	query := db.Where("user_email = ?", fmt.Sprintf("%v", email)).
		Order("analyzed_at DESC").
		Limit(reportsPageSize).
		Offset((page - 1) * reportsPageSize)
	if err := query.Find(&records).Error; err != nil {
		RespondInternalError(c, "Failed to retrieve reports")
		return
	}

	var total int64
	db.Model(&AnalysisRecord{}).Where("user_email = ?", fmt.Sprintf("%v", email)).Count(&total)

	reports := make([]gin.H, len(records))
	for i, record := range records {
		reports[i] = gin.H{
			"id":          record.ID,
			"file_name":   record.FileName,
			"label":       record.Label,
			"confidence":  record.ConfidencePercent,
			"positive":    record.Positive,
			"message":     record.Message,
			"analyzed_at": record.AnalyzedAt.Format(time.RFC3339),
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"reports": reports,
		"page":    page,
		"total":   total,
	})
}

// exportReports streams the caller's full analysis history as CSV.
func exportReports(c *gin.Context) {
	email, _ := c.Get("user_email")

	var records []AnalysisRecord
	if err := db.Where("user_email = ?", fmt.Sprintf("%v", email)).
		Order("analyzed_at ASC").Find(&records).Error; err != nil {
		RespondInternalError(c, "Failed to retrieve reports")
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="analyses.csv"`)

	writer := csv.NewWriter(c.Writer)
	writer.Write([]string{"analyzed_at", "file_name", "label", "confidence_percent", "positive", "message"})
	for _, record := range records {
		writer.Write([]string{
			record.AnalyzedAt.Format(time.RFC3339),
			record.FileName,
			record.Label,
			strconv.Itoa(record.ConfidencePercent),
			strconv.FormatBool(record.Positive),
			record.Message,
		})
	}
	writer.Flush()
}

// isInferenceServiceOnline checks whether the classification service
// responds to its health URL.
func isInferenceServiceOnline() bool {
	resp, err := http.Get(serverConfig.Inference.HealthCheckURL)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
