package integration

import (
	"net/http"
	"testing"

	"github.com/pitabwire/arbiter/model"
)

func TestAuth_MissingToken(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/v1/instances", "")
	if code := errorCode(t, h, resp); code != model.ErrUnauthorized {
		t.Errorf("error code = %q, want %q", code, model.ErrUnauthorized)
	}
}

func TestAuth_ExpiredToken(t *testing.T) {
	h := NewTestHarness(t)

	token := h.GenerateExpiredToken(OperatorClaims())
	resp := h.GET("/v1/instances", token)
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestAuth_MalformedToken(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/v1/instances", "not.a.jwt")
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestAuth_HealthEndpointsBypassAuth(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/healthz", "")
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestAuth_UnknownRoleHasNoCapabilities(t *testing.T) {
	h := NewTestHarness(t)

	token := h.GenerateToken(TestClaims{
		SubjectID: "user-intern",
		Email:     "intern@acme.example.com",
		Roles:     []string{"intern"},
	})
	resp := h.GET("/v1/instances", token)
	h.AssertStatus(t, resp, http.StatusForbidden)
}

func TestAuth_AdminWildcard(t *testing.T) {
	h := NewTestHarness(t)

	inst := startInstance(t, h, "expense.approval", map[string]any{"requester": "someone"})

	// The admin role's wildcard grant covers every surface.
	admin := h.GenerateToken(AdminClaims())
	resp := h.GET("/v1/instances/"+inst.ID, admin)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = h.POST("/v1/instances/"+inst.ID+"/resolve",
		map[string]any{"step_id": "manager-approval", "outcome": model.OutcomeApproved},
		admin)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}
