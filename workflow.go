// workflow.go
package main

import (
	"bytes"
	"context"
	"log"
	"math"
	"os"
	"strings"
	"sync"
)

// WorkflowState is the lifecycle position of one analysis workflow.
type WorkflowState string

const (
	StateEmpty        WorkflowState = "empty"
	StateFileSelected WorkflowState = "file_selected"
	StateAnalyzing    WorkflowState = "analyzing"
	StateSucceeded    WorkflowState = "succeeded"
	StateFailed       WorkflowState = "failed"
)

// SelectedFile is the image chosen for analysis. Replaced wholesale on a
// new selection, cleared on reset.
type SelectedFile struct {
	Name        string
	ContentType string
	Size        int64
	Data        []byte
}

// PreviewHandle is a revocable reference to an on-disk copy of the
// selected image, served back to the client for display before analysis.
// Exactly one handle exists per selected file; it must be released when
// the file is replaced or cleared so spool files do not accumulate.
type PreviewHandle struct {
	Path        string
	ContentType string
	released    bool
}

// Release removes the spool file. Safe to call more than once.
func (p *PreviewHandle) Release() {
	if p == nil || p.released {
		return
	}
	p.released = true
	if err := os.Remove(p.Path); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: failed to remove preview file %s: %v", p.Path, err)
	}
}

// Released reports whether the handle has been revoked.
func (p *PreviewHandle) Released() bool {
	return p == nil || p.released
}

// AnalysisResult is the displayable outcome of one completed analysis.
type AnalysisResult struct {
	Label             string `json:"label"`
	ConfidencePercent int    `json:"confidence_percent"`
	IsPositive        bool   `json:"is_positive"`
	Message           string `json:"message,omitempty"`
}

// WorkflowSnapshot is the externally visible view of a workflow, safe to
// serialize while the workflow keeps mutating.
type WorkflowSnapshot struct {
	State    WorkflowState   `json:"state"`
	FileName string          `json:"file_name,omitempty"`
	FileSize int64           `json:"file_size,omitempty"`
	Result   *AnalysisResult `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// AnalysisWorkflow drives one user's upload/analyze/result cycle:
//
//	Empty -> FileSelected -> Analyzing -> {Succeeded | Failed}
//
// with Reset returning to Empty from any state. All transitions hold the
// mutex; the only unlocked section is the remote classification call,
// which is validated against a generation counter on return so that a
// response arriving after a Reset or a new selection is discarded.
type AnalysisWorkflow struct {
	mu         sync.Mutex
	state      WorkflowState
	file       *SelectedFile
	preview    *PreviewHandle
	result     *AnalysisResult
	errMsg     string
	generation uint64
	classifier Classifier
}

// NewAnalysisWorkflow creates an empty workflow bound to a classifier.
func NewAnalysisWorkflow(classifier Classifier) *AnalysisWorkflow {
	return &AnalysisWorkflow{
		state:      StateEmpty,
		classifier: classifier,
	}
}

// Select stores a newly picked or dropped file. Files whose content type
// does not start with "image/" are rejected: the current file and state
// are kept and only the error message changes. An accepted file replaces
// the previous one, spools a fresh preview and clears any prior outcome.
func (w *AnalysisWorkflow) Select(name, contentType string, data []byte) WorkflowSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !strings.HasPrefix(contentType, "image/") {
		w.errMsg = "please select a valid image file"
		return w.snapshotLocked()
	}

	// Invalidate any in-flight classification before touching state.
	w.generation++

	preview, err := spoolPreview(name, contentType, data)
	if err != nil {
		log.Printf("Warning: failed to spool preview for %s: %v", name, err)
	}

	w.preview.Release()
	w.preview = preview
	w.file = &SelectedFile{
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Data:        data,
	}
	w.result = nil
	w.errMsg = ""
	w.state = StateFileSelected
	return w.snapshotLocked()
}

// Analyze runs one classification of the selected file. It is a no-op
// without a file, while a call is already in flight, and after a success
// (a new analysis requires Reset or a new selection, mirroring the UI).
// A failed analysis may be retried. Exactly one request is issued per
// effective invocation; there is no retry.
//
// The boolean reports whether this invocation drove the workflow to a
// terminal state: false for no-ops and for outcomes discarded as stale.
func (w *AnalysisWorkflow) Analyze(ctx context.Context) (WorkflowSnapshot, bool) {
	w.mu.Lock()
	if w.file == nil || w.state == StateAnalyzing || w.state == StateSucceeded {
		snap := w.snapshotLocked()
		w.mu.Unlock()
		return snap, false
	}

	w.state = StateAnalyzing
	w.errMsg = ""
	w.result = nil
	gen := w.generation
	name := w.file.Name
	data := w.file.Data
	w.mu.Unlock()

	prediction, err := w.classifier.Classify(ctx, name, bytes.NewReader(data))

	w.mu.Lock()
	defer w.mu.Unlock()

	// The workflow was reset or got a new file while the request was in
	// flight; this outcome no longer belongs to the current state.
	if gen != w.generation {
		return w.snapshotLocked(), false
	}

	if err != nil {
		w.state = StateFailed
		w.errMsg = err.Error()
		return w.snapshotLocked(), true
	}

	switch prediction.Kind {
	case PredictionUnrecognized:
		w.state = StateSucceeded
		w.result = &AnalysisResult{
			Label:             LabelUnknown,
			ConfidencePercent: roundConfidence(prediction.Confidence),
			IsPositive:        false,
			Message:           prediction.Message,
		}
	default:
		w.state = StateSucceeded
		w.result = &AnalysisResult{
			Label:             prediction.Label,
			ConfidencePercent: roundConfidence(prediction.Confidence),
			IsPositive:        prediction.Label == LabelInfected,
		}
	}
	return w.snapshotLocked(), true
}

// Reset returns the workflow to Empty: file cleared, preview released,
// result and error dropped. Idempotent, callable from any state, and
// invalidates any classification still in flight.
func (w *AnalysisWorkflow) Reset() WorkflowSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.generation++
	w.preview.Release()
	w.preview = nil
	w.file = nil
	w.result = nil
	w.errMsg = ""
	w.state = StateEmpty
	return w.snapshotLocked()
}

// Snapshot returns the current externally visible state.
func (w *AnalysisWorkflow) Snapshot() WorkflowSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

// Preview returns the current preview handle, or nil when none exists.
func (w *AnalysisWorkflow) Preview() *PreviewHandle {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.preview == nil || w.preview.released {
		return nil
	}
	return w.preview
}

func (w *AnalysisWorkflow) snapshotLocked() WorkflowSnapshot {
	snap := WorkflowSnapshot{
		State: w.state,
		Error: w.errMsg,
	}
	if w.file != nil {
		snap.FileName = w.file.Name
		snap.FileSize = w.file.Size
	}
	if w.result != nil {
		result := *w.result
		snap.Result = &result
	}
	return snap
}

// spoolPreview writes the image to a temp file and wraps it in a handle.
func spoolPreview(name, contentType string, data []byte) (*PreviewHandle, error) {
	tmp, err := os.CreateTemp("", "preview-*")
	if err != nil {
		return nil, err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, err
	}
	return &PreviewHandle{Path: tmp.Name(), ContentType: contentType}, nil
}

// roundConfidence rounds to the nearest integer and clamps the result to
// the displayable 0-100 range. The service already emits percentages;
// the clamp only defends against out-of-range values.
func roundConfidence(confidence float64) int {
	rounded := int(math.Round(confidence))
	if rounded < 0 {
		return 0
	}
	if rounded > 100 {
		return 100
	}
	return rounded
}

// WorkflowRegistry hands out one workflow per session. Entries are
// created lazily and removed on logout.
type WorkflowRegistry struct {
	mu         sync.Mutex
	workflows  map[string]*AnalysisWorkflow
	classifier Classifier
}

// NewWorkflowRegistry creates a registry whose workflows share a classifier.
func NewWorkflowRegistry(classifier Classifier) *WorkflowRegistry {
	return &WorkflowRegistry{
		workflows:  make(map[string]*AnalysisWorkflow),
		classifier: classifier,
	}
}

// Get returns the workflow for the given session key, creating it if needed.
func (r *WorkflowRegistry) Get(id string) *AnalysisWorkflow {
	r.mu.Lock()
	defer r.mu.Unlock()

	if wf, exists := r.workflows[id]; exists {
		return wf
	}
	wf := NewAnalysisWorkflow(r.classifier)
	r.workflows[id] = wf
	return wf
}

// Remove resets and drops the workflow for the given session key.
func (r *WorkflowRegistry) Remove(id string) {
	r.mu.Lock()
	wf, exists := r.workflows[id]
	delete(r.workflows, id)
	r.mu.Unlock()

	if exists {
		wf.Reset() // release the preview spool file
	}
}
