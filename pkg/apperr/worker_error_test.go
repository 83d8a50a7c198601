package apperr

import (
	"errors"
	"net/http"
	"testing"
)

func TestWithErrorAttachesCause(t *testing.T) {
	cause := errors.New("token endpoint returned 400")
	err := New(CodeOAuthFailed, "token refresh failed", http.StatusBadGateway).WithError(cause)

	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(err, cause) = false, want true")
	}
	if got := err.Error(); got != "[OAUTH_FAILED] token refresh failed: token endpoint returned 400" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestHasCode(t *testing.T) {
	err := NotFound("message")
	if !HasCode(err, CodeNotFound) {
		t.Fatalf("HasCode(NotFound, CodeNotFound) = false")
	}
	if HasCode(err, CodeConflict) {
		t.Fatalf("HasCode(NotFound, CodeConflict) = true")
	}
	if HasCode(errors.New("plain"), CodeNotFound) {
		t.Fatalf("HasCode(plain error, CodeNotFound) = true")
	}

	wrapped := BadRequest("bad mailbox").WithError(errors.New("empty"))
	if !HasCode(wrapped, CodeBadRequest) {
		t.Fatalf("HasCode(wrapped, CodeBadRequest) = false")
	}
}

func TestAsAppErrorFallsBackToInternal(t *testing.T) {
	plain := errors.New("boom")
	app := AsAppError(plain)
	if app.Code != CodeInternalError {
		t.Fatalf("AsAppError(plain).Code = %q, want %q", app.Code, CodeInternalError)
	}
	if !errors.Is(app, plain) {
		t.Fatalf("AsAppError must keep the cause")
	}
}
