package dms

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Request payloads. These are the v2 JSON bodies; legacyFields translates
// them for the form endpoint.

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type lookupRequest struct {
	ExternalIDs []string `json:"external_ids"`
}

type createRequest struct {
	ExternalID  string `json:"external_id"`
	Collection  string `json:"collection"`
	Project     string `json:"project,omitempty"`
	Sex         string `json:"sex,omitempty"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
}

type uploadRequest struct {
	Instrument string `json:"instrument"`
	Mode       string `json:"mode"`
	Collection string `json:"collection"`
	Project    string `json:"project,omitempty"`
}

type sessionRequest struct {
	InternalID  string `json:"internal_id"`
	StudyDate   string `json:"study_date"`
	Description string `json:"description"`
	ArchivePath string `json:"archive_path"`
	FileCount   int    `json:"file_count"`
	ByteSize    int64  `json:"byte_size"`
}

// LookupRow is one resolved identity from a lookup call. Found is false
// when the server does not know the external ID or refuses to disclose it.
type LookupRow struct {
	ExternalID string
	InternalID string
	Found      bool
}

// UploadResult reports the outcome of an instrument upload. Created maps
// external IDs to the internal IDs the server minted while ingesting the
// file, when the server was asked to create missing subjects.
type UploadResult struct {
	OK      bool
	Message string
	Created map[string]string
}

const unauthorizedPlaceholder = "unauthorized"

// decodeLogin extracts the bearer token from a v2 login response.
func decodeLogin(resp *wireResponse) (string, error) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp.body, &body); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if body.Token == "" {
		return "", fmt.Errorf("login response carried no token")
	}
	return body.Token, nil
}

// decodeLookup maps either response generation onto one row per requested
// external ID, in request order. The v2 API echoes every requested ID with
// a status; the legacy endpoint returns found rows only, so missing IDs are
// filled in as not found.
func decodeLookup(resp *wireResponse, requested []string) ([]LookupRow, error) {
	switch resp.transport {
	case transportLegacy:
		return decodeLegacyLookup(resp.body, requested)
	default:
		return decodeAPILookup(resp.body, requested)
	}
}

func decodeAPILookup(body []byte, requested []string) ([]LookupRow, error) {
	var parsed struct {
		Results []struct {
			ExternalID string `json:"external_id"`
			InternalID string `json:"internal_id"`
			Status     string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode lookup response: %w", err)
	}
	byExternal := make(map[string]LookupRow, len(parsed.Results))
	for _, result := range parsed.Results {
		row := LookupRow{ExternalID: result.ExternalID}
		if result.Status == "found" && internalIDKnown(result.InternalID) {
			row.InternalID = result.InternalID
			row.Found = true
		}
		byExternal[result.ExternalID] = row
	}
	rows := make([]LookupRow, 0, len(requested))
	for _, externalID := range requested {
		row, ok := byExternal[externalID]
		if !ok {
			row = LookupRow{ExternalID: externalID}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func decodeLegacyLookup(body []byte, requested []string) ([]LookupRow, error) {
	var parsed []struct {
		PSCID  string `json:"pscid"`
		CandID string `json:"candid"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode legacy lookup response: %w", err)
	}
	byExternal := make(map[string]LookupRow, len(parsed))
	for _, entry := range parsed {
		row := LookupRow{ExternalID: entry.PSCID}
		if internalIDKnown(entry.CandID) {
			row.InternalID = entry.CandID
			row.Found = true
		}
		byExternal[entry.PSCID] = row
	}
	rows := make([]LookupRow, 0, len(requested))
	for _, externalID := range requested {
		row, ok := byExternal[externalID]
		if !ok {
			row = LookupRow{ExternalID: externalID}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// internalIDKnown filters the placeholder values both generations use for
// subjects the caller may not see: empty, literal zero, or "unauthorized".
func internalIDKnown(internalID string) bool {
	switch strings.TrimSpace(strings.ToLower(internalID)) {
	case "", "0", unauthorizedPlaceholder:
		return false
	default:
		return true
	}
}

// decodeCreate extracts the internal ID a create call minted.
func decodeCreate(resp *wireResponse) (string, error) {
	switch resp.transport {
	case transportLegacy:
		var body struct {
			CandID string `json:"candid"`
		}
		if err := json.Unmarshal(resp.body, &body); err != nil {
			return "", fmt.Errorf("decode legacy create response: %w", err)
		}
		if !internalIDKnown(body.CandID) {
			return "", fmt.Errorf("create response carried no identifier")
		}
		return body.CandID, nil
	default:
		var body struct {
			InternalID string `json:"internal_id"`
		}
		if err := json.Unmarshal(resp.body, &body); err != nil {
			return "", fmt.Errorf("decode create response: %w", err)
		}
		if !internalIDKnown(body.InternalID) {
			return "", fmt.Errorf("create response carried no identifier")
		}
		return body.InternalID, nil
	}
}

// decodeUpload folds both response generations into one UploadResult. The
// legacy endpoint signals failure through success=false with HTTP 200, so
// the caller must check OK rather than rely on the status code alone.
func decodeUpload(resp *wireResponse) (*UploadResult, error) {
	var body struct {
		Success *bool             `json:"success"`
		Message string            `json:"message"`
		Created map[string]string `json:"created"`
	}
	if err := json.Unmarshal(resp.body, &body); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	result := &UploadResult{Message: strings.TrimSpace(body.Message), Created: body.Created}
	if body.Success != nil {
		result.OK = *body.Success
	} else {
		result.OK = resp.status >= 200 && resp.status <= 299
	}
	return result, nil
}

// decodeSession extracts the imaging session ID. Sessions are v2-only.
func decodeSession(resp *wireResponse) (string, error) {
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(resp.body, &body); err != nil {
		return "", fmt.Errorf("decode session response: %w", err)
	}
	if body.SessionID == "" {
		return "", fmt.Errorf("session response carried no identifier")
	}
	return body.SessionID, nil
}
