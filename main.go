// main.go
package main

import (
	"log"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	db           *gorm.DB
	serverConfig *ServerConfig
	registry     *WorkflowRegistry
	stats        *DashboardStats
	feed         *ActivityFeed
)

func main() {
	// Load .env if present; real deployments set the environment directly.
	godotenv.Load()

	var err error
	serverConfig, err = LoadConfig("config.json")
	if err != nil {
		log.Fatal("Configuration error: ", err)
	}

	db, err = gorm.Open(sqlite.Open(serverConfig.GetDatabaseDSN()), &gorm.Config{})
	if err != nil {
		log.Fatal("Failed to connect to database: ", err)
	}

	if err := db.AutoMigrate(&User{}, &AnalysisRecord{}); err != nil {
		log.Fatal("Failed to migrate database: ", err)
	}

	classifier := NewHTTPClassifier(serverConfig.PredictURL(),
		time.Duration(serverConfig.Inference.Timeout)*time.Second)
	registry = NewWorkflowRegistry(classifier)
	stats = NewDashboardStats()
	feed = NewActivityFeed(serverConfig.Security.AllowedOrigins)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(SecurityHeadersMiddleware())
	r.Use(CORSMiddleware(serverConfig.Security.AllowedOrigins))
	r.Use(RateLimitMiddleware(serverConfig.Security.RateLimitRequests,
		time.Duration(serverConfig.Security.RateLimitWindow)*time.Second))

	store := cookie.NewStore([]byte(serverConfig.Security.SecretKey))
	store.Options(sessions.Options{
		MaxAge:   serverConfig.Security.SessionMaxAge,
		Path:     "/",
		HttpOnly: true,
		Secure:   serverConfig.Security.EnableHTTPS,
	})
	r.Use(sessions.Sessions("malaria_session", store))

	registerRoutes(r)

	feed.Start()
	defer feed.Stop()

	stopRefresher := StartStatsRefresher(stats, feed)
	defer stopRefresher()

	// Watch the inference service so outages show up in the logs before
	// users hit them.
	go watchInferenceService()

	log.Printf("Starting MalariaDetect server on %s", serverConfig.Server.Interface)
	if serverConfig.Security.EnableHTTPS {
		err = r.RunTLS(serverConfig.Server.Interface,
			serverConfig.Security.CertFile, serverConfig.Security.KeyFile)
	} else {
		err = r.Run(serverConfig.Server.Interface)
	}
	if err != nil {
		log.Fatal("Server failed to start: ", err)
	}
}

// watchInferenceService logs transitions in the classification service's
// availability. Checks run immediately and then every five minutes.
func watchInferenceService() {
	online := isInferenceServiceOnline()
	if online {
		log.Println("Inference service is reachable")
	} else {
		log.Println("Warning: inference service is not reachable; analyses will fail until it comes back")
	}

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := isInferenceServiceOnline()
		if now != online {
			online = now
			if online {
				log.Println("Inference service is back online")
			} else {
				log.Println("Warning: inference service went offline")
			}
		}
	}
}
