//models.go
package main

import (
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// User represents a registered account. The email doubles as the login
// identifier; the auth API still calls the field "username" on the wire.
type User struct {
	gorm.Model
	Email        string `gorm:"unique;not null"` // Login identifier
	PasswordHash string `gorm:"not null"`        // Hashed password
	FirstName    string // Display first name
	LastName     string // Display last name
}

// FullName returns the display name shown on the dashboard.
func (user *User) FullName() string {
	switch {
	case user.FirstName == "" && user.LastName == "":
		return user.Email
	case user.LastName == "":
		return user.FirstName
	case user.FirstName == "":
		return user.LastName
	default:
		return user.FirstName + " " + user.LastName
	}
}

// SetPassword hashes the given password and stores it in PasswordHash.
func (user *User) SetPassword(password string) error {
	// Generate a bcrypt hash of the password
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err // Return error if hashing fails
	}
	user.PasswordHash = string(hash) // Store the hashed password
	return nil
}

// CheckPassword compares the given password with the stored PasswordHash.
func (user *User) CheckPassword(password string) bool {
	// Compare the hashed password with the provided password
	err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password))
	return err == nil // Return true if passwords match
}

// AnalysisRecord is the durable trace of one completed analysis. It backs
// the reports listing and the CSV export; the live dashboard counters are
// kept separately in memory and are not derived from it.
type AnalysisRecord struct {
	gorm.Model
	UserEmail         string    `gorm:"index"` // Who ran the analysis
	FileName          string    // Original name of the uploaded image
	FileSize          int64     // Size of the uploaded image in bytes
	Label             string    `gorm:"not null"` // Label returned by the classifier
	ConfidencePercent int       // Rounded confidence, 0-100
	Positive          bool      // Label matched the infected sentinel
	Message           string    // Explanatory message for unrecognized input
	AnalyzedAt        time.Time `gorm:"not null"`
}

// RegisterRequest is the payload of POST /api/register.
type RegisterRequest struct {
	Email           string `json:"email" binding:"required"`
	Password        string `json:"password" binding:"required"`
	ConfirmPassword string `json:"confirmPassword" binding:"required"`
	FirstName       string `json:"firstName"`
	LastName        string `json:"lastName"`
	AcceptTerms     bool   `json:"acceptTerms"`
}

// LoginRequest is the payload of POST /api/login. The username field
// carries the email address; the historical client sends it that way.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}
