package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/opzstudio/backend/internal/auth"
)

const testSecret = "test-secret"

func protectedEcho(t *testing.T, sawIdentity **auth.Identity) http.Handler {
	t.Helper()
	return UserAuth(auth.NewService(testSecret))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*sawIdentity = IdentityFromCtx(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
}

func TestUserAuth_ValidBearerToken(t *testing.T) {
	userID := uuid.New()
	token, err := auth.IssueToken(testSecret, userID, "user@test", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	var identity *auth.Identity
	handler := protectedEcho(t, &identity)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if identity == nil || identity.UserID != userID {
		t.Fatalf("handler identity: got %+v, want user %s", identity, userID)
	}
}

func TestUserAuth_Rejections(t *testing.T) {
	expired, err := auth.IssueToken(testSecret, uuid.New(), "e@test", -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	cases := map[string]string{
		"no header":     "",
		"not bearer":    "Basic dXNlcjpwYXNz",
		"empty bearer":  "Bearer ",
		"invalid token": "Bearer not.a.token",
		"expired token": "Bearer " + expired,
	}
	for name, header := range cases {
		var identity *auth.Identity
		handler := protectedEcho(t, &identity)

		req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status got %d, want 401", name, rec.Code)
		}
		if identity != nil {
			t.Errorf("%s: handler must not run", name)
		}
	}
}

func TestIdentityFromCtx_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := IdentityFromCtx(req.Context()); got != nil {
		t.Errorf("expected nil identity on bare context, got %+v", got)
	}
}
