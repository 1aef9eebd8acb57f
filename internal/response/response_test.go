package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	if err := WriteJSON(w, http.StatusCreated, map[string]string{"url": "a<b"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != ContentType {
		t.Errorf("expected content type %s, got %s", ContentType, ct)
	}
	if body := w.Body.String(); body != "{\"url\":\"a<b\"}\n" {
		t.Errorf("HTML should not be escaped, got %q", body)
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	if err := WriteErrorWithTarget(w, http.StatusBadRequest, "Bad Request", "companyID", "must be a positive integer"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body struct {
		Error Error `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Error.Code != "400" {
		t.Errorf("expected code 400, got %s", body.Error.Code)
	}
	if body.Error.Target != "companyID" {
		t.Errorf("expected target companyID, got %s", body.Error.Target)
	}
	if len(body.Error.Details) != 1 || body.Error.Details[0].Message != "must be a positive integer" {
		t.Errorf("unexpected details: %+v", body.Error.Details)
	}
}

func TestWriteErrorWithoutDetails(t *testing.T) {
	w := httptest.NewRecorder()
	_ = WriteError(w, http.StatusNotFound, "Not Found", "")

	var body struct {
		Error Error `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Error.Details != nil {
		t.Errorf("expected no details, got %+v", body.Error.Details)
	}
}
