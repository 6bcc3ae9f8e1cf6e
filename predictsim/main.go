// Package main implements a stand-in for the classification service,
// used for local development and integration testing of the main server.
// It speaks the same contract as the real model server: POST /predict
// with a multipart "file" field returns {"prediction": ..., "confidence": ...}
// or {"error": ...}.
package main

import (
	"hash/fnv"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	labelInfected = "Parasitée"
	labelHealthy  = "Non infectée"
	labelUnknown  = "Inconnue"
)

func main() {
	port := os.Getenv("PREDICTSIM_PORT")
	if port == "" {
		port = "6000"
	}

	r := gin.Default()

	// Readiness probe used by the main server's health watcher.
	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "predictsim ready")
	})

	r.POST("/predict", predict)

	log.Printf("predictsim listening on :%s", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatal(err)
	}
}

// predict classifies the uploaded image deterministically from its bytes
// so repeated uploads of the same file give the same answer.
func predict(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Aucun fichier envoyé"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Fichier illisible"})
		return
	}

	prediction, confidence := classify(header.Filename, data)
	c.JSON(http.StatusOK, gin.H{
		"prediction": prediction,
		"confidence": confidence,
	})
}

// classify hashes the content into a stable pseudo-classification. File
// names containing "unknown" simulate an image the model cannot place.
func classify(name string, data []byte) (string, float64) {
	if strings.Contains(strings.ToLower(name), "unknown") {
		return labelUnknown, roundTwo(40 + pseudoFraction(data)*20)
	}

	h := fnv.New64a()
	h.Write(data)
	sum := h.Sum64()

	confidence := roundTwo(75 + pseudoFraction(data)*25)
	if sum%2 == 0 {
		return labelInfected, confidence
	}
	return labelHealthy, confidence
}

// pseudoFraction maps content bytes to a stable value in [0, 1).
func pseudoFraction(data []byte) float64 {
	h := fnv.New32a()
	h.Write(data)
	return float64(h.Sum32()%10000) / 10000
}

func roundTwo(v float64) float64 {
	rounded := math.Round(v*100) / 100
	if rounded > 100 {
		rounded = 100
	}
	return rounded
}
