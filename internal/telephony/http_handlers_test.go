package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"voicecall-platform/internal/auth"
	"voicecall-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

type recordedAttempt struct {
	providerCallID, orderID, userID, role, outcome string
}

type fakeAuditor struct{ attempts []recordedAttempt }

func (a *fakeAuditor) LogPSTNCall(ctx context.Context, providerCallID, orderID, actorUserID, actorRole, outcome string) error {
	a.attempts = append(a.attempts, recordedAttempt{providerCallID, orderID, actorUserID, actorRole, outcome})
	return nil
}

func pstnRouter(h ClickToCallHandler, userID, role string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/v1/calls/pstn", func(c *gin.Context) {
		if userID != "" {
			c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), userID, role, "Asha"))
		}
		c.Next()
	}, rbac.RequireCallParticipant(), h.Connect)
	return r
}

func postPSTN(r *gin.Engine, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/calls/pstn", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestClickToCall_ConnectsThroughProvider(t *testing.T) {
	srv, got := exotelStub(t, http.StatusOK, `<TwilioResponse><Call><Sid>sid-42</Sid></Call></TwilioResponse>`)
	audit := &fakeAuditor{}
	r := pstnRouter(ClickToCallHandler{Provider: testExotel(srv.URL), Audit: audit}, "user-1", rbac.RoleUser)

	w := postPSTN(r, `{"from":"9876543210","to":"8123456789","order_id":"o-7"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		ProviderCallID string `json:"provider_call_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ProviderCallID != "sid-42" {
		t.Fatalf("unexpected response: %s", w.Body.String())
	}
	got.mu.Lock()
	calls := got.calls
	got.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected one provider request, got %d", calls)
	}
	want := recordedAttempt{"sid-42", "o-7", "user-1", rbac.RoleUser, "initiated"}
	if len(audit.attempts) != 1 || audit.attempts[0] != want {
		t.Fatalf("unexpected audit: %+v", audit.attempts)
	}
}

func TestClickToCall_RejectsBadNumbers(t *testing.T) {
	srv, got := exotelStub(t, http.StatusOK, ``)
	r := pstnRouter(ClickToCallHandler{Provider: testExotel(srv.URL)}, "user-1", rbac.RoleUser)

	cases := map[string]string{
		`{"from":"123","to":"8123456789"}`:        "invalid caller mobile number",
		`{"from":"9876543210","to":"0123456789"}`: "invalid callee mobile number",
		`not json`: "invalid json",
	}
	for body, wantErr := range cases {
		w := postPSTN(r, body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, w.Code)
		}
		var resp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		if resp.Error != wantErr {
			t.Fatalf("%s: expected %q, got %q", body, wantErr, resp.Error)
		}
	}
	got.mu.Lock()
	defer got.mu.Unlock()
	if got.calls != 0 {
		t.Fatalf("expected no provider requests, got %d", got.calls)
	}
}

func TestClickToCall_ProviderFailures(t *testing.T) {
	srv, _ := exotelStub(t, http.StatusForbidden, ``)
	audit := &fakeAuditor{}
	r := pstnRouter(ClickToCallHandler{Provider: testExotel(srv.URL), Audit: audit}, "dp-1", rbac.RoleDeliveryPartner)
	if w := postPSTN(r, `{"from":"9876543210","to":"8123456789"}`); w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if len(audit.attempts) != 1 || audit.attempts[0].outcome != "failed" {
		t.Fatalf("expected failed attempt audited, got %+v", audit.attempts)
	}

	unconfigured := pstnRouter(ClickToCallHandler{Provider: NewExotelProvider(ExotelConfig{}, nil)}, "dp-1", rbac.RoleDeliveryPartner)
	if w := postPSTN(unconfigured, `{"from":"9876543210","to":"8123456789"}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	missing := pstnRouter(ClickToCallHandler{}, "dp-1", rbac.RoleDeliveryPartner)
	if w := postPSTN(missing, `{"from":"9876543210","to":"8123456789"}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestClickToCall_OnlyCallParticipants(t *testing.T) {
	srv, _ := exotelStub(t, http.StatusOK, ``)
	h := ClickToCallHandler{Provider: testExotel(srv.URL)}

	if w := postPSTN(pstnRouter(h, "", ""), `{"from":"9876543210","to":"8123456789"}`); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if w := postPSTN(pstnRouter(h, "root", rbac.RoleSuperAdmin), `{"from":"9876543210","to":"8123456789"}`); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}
