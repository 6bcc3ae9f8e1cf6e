// constants.go
package main

// Labels returned by the classification service. Matching is exact and
// case-sensitive: anything other than LabelInfected counts as negative.
const (
	LabelInfected = "Parasitée"    // cell carries the Plasmodium parasite
	LabelHealthy  = "Non infectée" // no infection detected
	LabelUnknown  = "Inconnue"     // input was not recognized as a cell image
)

// Session keys persisted in the cookie store.
const (
	SessionKeyLoggedIn   = "is_logged_in"
	SessionKeyUserEmail  = "user_email"
	SessionKeyUserName   = "user_name"
	SessionKeyTheme      = "theme"
	SessionKeyWorkflowID = "workflow_id"
)

// Activity feed status values.
const (
	ActivityStatusSuccess = "success" // healthy cell
	ActivityStatusWarning = "warning" // infected cell
	ActivityStatusError   = "error"   // failed analysis
)

// Theme preference values.
const (
	ThemeDark  = "dark"
	ThemeLight = "light"
)

// RecentActivityLimit caps the dashboard activity ring.
const RecentActivityLimit = 5

// ModelAccuracyPercent is the published accuracy of the served model.
const ModelAccuracyPercent = 96.08
