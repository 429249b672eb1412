package testsupport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// SubjectRequest captures one subject registration for assertions.
type SubjectRequest struct {
	ExternalID  string
	Collection  string
	Project     string
	Sex         string
	DateOfBirth string
}

// InstrumentRecord captures one instrument upload for assertions.
type InstrumentRecord struct {
	Instrument string
	Mode       string
	FileName   string
	Size       int64
	Collection string
	Project    string
}

// SessionRecord captures one imaging session registration for assertions.
type SessionRecord struct {
	InternalID  string
	StudyDate   string
	Description string
	ArchivePath string
	FileCount   int
	ByteSize    int64
}

// FakeDMS is an in-memory data management service speaking the v2 API.
// Subjects live in a map keyed by external ID; duplicate registrations
// answer 409 the way the real service does.
type FakeDMS struct {
	server *httptest.Server

	mu            sync.Mutex
	subjects      map[string]string
	createSeq     int
	lookupCalls   int
	createCalls   int
	uploadCalls   int
	sessionCalls  int
	creates       []SubjectRequest
	uploads       []InstrumentRecord
	sessions      []SessionRecord
	uploadFailure string
	rejectLogin   bool
}

// NewFakeDMS starts the fake service and registers cleanup with the test.
func NewFakeDMS(t testing.TB) *FakeDMS {
	t.Helper()

	f := &FakeDMS{
		subjects:  make(map[string]string),
		createSeq: 100000,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/login", f.handleLogin)
	mux.HandleFunc("/api/v2/subjects/lookup", f.handleLookup)
	mux.HandleFunc("/api/v2/subjects", f.handleCreate)
	mux.HandleFunc("/api/v2/instruments/data", f.handleUpload)
	mux.HandleFunc("/api/v2/imaging/sessions", f.handleSession)
	mux.HandleFunc("/api/v2/ping", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

// URL returns the base URL of the fake service.
func (f *FakeDMS) URL() string { return f.server.URL }

// Register seeds a subject the service already knows.
func (f *FakeDMS) Register(externalID, internalID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects[externalID] = internalID
}

// InternalID reports the internal ID held for an external ID, if any.
func (f *FakeDMS) InternalID(externalID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	internalID, ok := f.subjects[externalID]
	return internalID, ok
}

// FailUploads makes subsequent uploads answer success=false with the given
// message inside an HTTP 200, mirroring the real service's failure mode.
func (f *FakeDMS) FailUploads(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadFailure = message
}

// RejectLogin makes the login endpoint answer 401.
func (f *FakeDMS) RejectLogin() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectLogin = true
}

func (f *FakeDMS) LookupCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookupCalls
}

func (f *FakeDMS) CreateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

func (f *FakeDMS) UploadCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploadCalls
}

func (f *FakeDMS) SessionCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionCalls
}

// Creates returns the subject registrations received so far.
func (f *FakeDMS) Creates() []SubjectRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SubjectRequest(nil), f.creates...)
}

// Uploads returns the instrument uploads received so far.
func (f *FakeDMS) Uploads() []InstrumentRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]InstrumentRecord(nil), f.uploads...)
}

// Sessions returns the imaging sessions registered so far.
func (f *FakeDMS) Sessions() []SessionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SessionRecord(nil), f.sessions...)
}

func (f *FakeDMS) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed login"})
		return
	}
	f.mu.Lock()
	reject := f.rejectLogin
	f.mu.Unlock()
	if reject {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": "test-token"})
}

func (f *FakeDMS) handleLookup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExternalIDs []string `json:"external_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed lookup"})
		return
	}

	type result struct {
		ExternalID string `json:"external_id"`
		InternalID string `json:"internal_id"`
		Status     string `json:"status"`
	}
	f.mu.Lock()
	f.lookupCalls++
	results := make([]result, 0, len(req.ExternalIDs))
	for _, externalID := range req.ExternalIDs {
		row := result{ExternalID: externalID, Status: "not_found"}
		if internalID, ok := f.subjects[externalID]; ok {
			row.InternalID = internalID
			row.Status = "found"
		}
		results = append(results, row)
	}
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (f *FakeDMS) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExternalID  string `json:"external_id"`
		Collection  string `json:"collection"`
		Project     string `json:"project"`
		Sex         string `json:"sex"`
		DateOfBirth string `json:"date_of_birth"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExternalID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed create"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.creates = append(f.creates, SubjectRequest{
		ExternalID:  req.ExternalID,
		Collection:  req.Collection,
		Project:     req.Project,
		Sex:         req.Sex,
		DateOfBirth: req.DateOfBirth,
	})
	if _, exists := f.subjects[req.ExternalID]; exists {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "subject already exists"})
		return
	}
	f.createSeq++
	internalID := fmt.Sprintf("%d", f.createSeq)
	f.subjects[req.ExternalID] = internalID
	writeJSON(w, http.StatusCreated, map[string]string{"internal_id": internalID})
}

func (f *FakeDMS) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed upload"})
		return
	}
	var meta struct {
		Instrument string `json:"instrument"`
		Mode       string `json:"mode"`
		Collection string `json:"collection"`
		Project    string `json:"project"`
	}
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed metadata"})
			return
		}
	}
	record := InstrumentRecord{
		Instrument: meta.Instrument,
		Mode:       meta.Mode,
		Collection: meta.Collection,
		Project:    meta.Project,
	}
	if _, header, err := r.FormFile("file"); err == nil {
		record.FileName = header.Filename
		record.Size = header.Size
	}

	f.mu.Lock()
	f.uploadCalls++
	f.uploads = append(f.uploads, record)
	failure := f.uploadFailure
	f.mu.Unlock()

	if failure != "" {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": failure})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "import complete"})
}

func (f *FakeDMS) handleSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InternalID  string `json:"internal_id"`
		StudyDate   string `json:"study_date"`
		Description string `json:"description"`
		ArchivePath string `json:"archive_path"`
		FileCount   int    `json:"file_count"`
		ByteSize    int64  `json:"byte_size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InternalID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed session"})
		return
	}

	f.mu.Lock()
	f.sessionCalls++
	f.sessions = append(f.sessions, SessionRecord{
		InternalID:  req.InternalID,
		StudyDate:   req.StudyDate,
		Description: req.Description,
		ArchivePath: req.ArchivePath,
		FileCount:   req.FileCount,
		ByteSize:    req.ByteSize,
	})
	sessionID := fmt.Sprintf("SES%03d", len(f.sessions))
	f.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
