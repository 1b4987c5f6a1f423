package errors

import (
	"errors"
	"testing"
	"time"
)

func TestProcessingErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	perr := NewStorageFailedError("doc-1", cause)

	if !errors.Is(perr, cause) {
		t.Error("wrapped cause is not reachable through errors.Is")
	}
	if perr.Code != ErrorStorageFailed {
		t.Errorf("code %s, want %s", perr.Code, ErrorStorageFailed)
	}
}

func TestToMapCarriesCodeDetailsAndCause(t *testing.T) {
	cause := errors.New("tessdata missing")
	perr := NewOCRFailedError("doc-2", 3, cause)

	m := perr.ToMap()

	if m["error_code"] != string(ErrorOCRFailed) {
		t.Errorf("error_code %v, want %s", m["error_code"], ErrorOCRFailed)
	}
	if m["message"] != perr.Message {
		t.Errorf("message %v, want %q", m["message"], perr.Message)
	}
	if m["page"] != 3 {
		t.Errorf("detail page %v, want 3", m["page"])
	}
	if m["cause"] != "tessdata missing" {
		t.Errorf("cause %v, want the wrapped error text", m["cause"])
	}
	if _, ok := m["timestamp"]; !ok {
		t.Error("timestamp missing from map")
	}
}

func TestToMapWithoutCause(t *testing.T) {
	perr := NewUnsupportedFormatError("doc-3", "application/zip")

	m := perr.ToMap()

	if _, ok := m["cause"]; ok {
		t.Errorf("cause present without a wrapped error: %v", m["cause"])
	}
	if m["mime_type"] != "application/zip" {
		t.Errorf("mime_type %v, want application/zip", m["mime_type"])
	}
}

func TestNewWatchdogTimeoutError(t *testing.T) {
	perr := NewWatchdogTimeoutError("doc-4", 10*time.Minute)

	if perr.Code != ErrorWatchdogTimeout {
		t.Errorf("code %s, want %s", perr.Code, ErrorWatchdogTimeout)
	}
	if perr.DocumentID != "doc-4" {
		t.Errorf("document id %q", perr.DocumentID)
	}
	if perr.Details["stuck_threshold"] != "10m0s" {
		t.Errorf("stuck_threshold %v, want 10m0s", perr.Details["stuck_threshold"])
	}
}
