// classifier.go
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// PredictionKind discriminates the two usable outcomes of a
// classification call. Failures of any class come back as *ClassifyError.
type PredictionKind string

const (
	PredictionSuccess      PredictionKind = "success"
	PredictionUnrecognized PredictionKind = "unrecognized"
)

// Prediction is the parsed, validated result of one classification call.
// Raw JSON from the remote service never leaves this file.
type Prediction struct {
	Kind       PredictionKind
	Label      string
	Confidence float64
	Message    string
}

// ClassifyError is a failed classification attempt, tagged with the error
// class so callers can map it onto a displayable state.
type ClassifyError struct {
	Code    string // ErrCodeTransport, ErrCodeRemote or ErrCodeApplication
	Message string
}

func (e *ClassifyError) Error() string {
	return e.Message
}

// Classifier sends one image to the classification service and returns the
// parsed outcome. Implementations issue exactly one request per call and
// never retry.
type Classifier interface {
	Classify(ctx context.Context, fileName string, content io.Reader) (*Prediction, error)
}

// HTTPClassifier calls the external inference API over HTTP. The request
// is a multipart POST with a single "file" field, matching the Flask
// service contract.
type HTTPClassifier struct {
	PredictURL string
	Client     *http.Client
}

// NewHTTPClassifier creates a classifier for the given predict endpoint.
func NewHTTPClassifier(predictURL string, timeout time.Duration) *HTTPClassifier {
	return &HTTPClassifier{
		PredictURL: predictURL,
		Client:     &http.Client{Timeout: timeout},
	}
}

// predictPayload mirrors the wire shape of the inference response.
// Pointers distinguish absent fields from zero values.
type predictPayload struct {
	Prediction *string  `json:"prediction"`
	Confidence *float64 `json:"confidence"`
	Error      string   `json:"error"`
	Message    string   `json:"message"`
}

// Classify uploads the image and parses the response. Transport failures,
// non-2xx statuses and well-formed payloads carrying an application error
// all come back as *ClassifyError, each tagged with its error class.
func (hc *HTTPClassifier) Classify(ctx context.Context, fileName string, content io.Reader) (*Prediction, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return nil, &ClassifyError{Code: ErrCodeInternal, Message: fmt.Sprintf("failed to build upload request: %v", err)}
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, &ClassifyError{Code: ErrCodeInternal, Message: fmt.Sprintf("failed to read image content: %v", err)}
	}
	if err := writer.Close(); err != nil {
		return nil, &ClassifyError{Code: ErrCodeInternal, Message: fmt.Sprintf("failed to finalize upload request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", hc.PredictURL, body)
	if err != nil {
		return nil, &ClassifyError{Code: ErrCodeInternal, Message: fmt.Sprintf("failed to create request: %v", err)}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := hc.Client.Do(req)
	if err != nil {
		return nil, &ClassifyError{
			Code:    ErrCodeTransport,
			Message: "analysis failed: could not reach the inference service, check the connection and try again",
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ClassifyError{Code: ErrCodeTransport, Message: fmt.Sprintf("failed to read response body: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ClassifyError{
			Code:    ErrCodeRemote,
			Message: fmt.Sprintf("inference service returned status %d", resp.StatusCode),
		}
	}

	var raw predictPayload
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, &ClassifyError{Code: ErrCodeRemote, Message: "invalid response from inference service"}
	}

	// An explicit error field wins even on a 2xx status; the server text
	// is carried verbatim.
	if raw.Error != "" {
		return nil, &ClassifyError{Code: ErrCodeApplication, Message: raw.Error}
	}

	if raw.Prediction == nil || raw.Confidence == nil {
		return nil, &ClassifyError{Code: ErrCodeRemote, Message: "invalid response from inference service"}
	}

	if *raw.Prediction == LabelUnknown {
		message := raw.Message
		if message == "" {
			message = "the image was not recognized as a blood cell"
		}
		return &Prediction{
			Kind:       PredictionUnrecognized,
			Label:      LabelUnknown,
			Confidence: *raw.Confidence,
			Message:    message,
		}, nil
	}

	return &Prediction{
		Kind:       PredictionSuccess,
		Label:      *raw.Prediction,
		Confidence: *raw.Confidence,
	}, nil
}
