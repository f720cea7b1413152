// Package integration provides a reusable test harness for end-to-end
// testing of the workflow server. It starts a full HTTP server with
// in-memory stores, a recording notifier, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/arbiter/internal/capability"
	"github.com/pitabwire/arbiter/internal/config"
	"github.com/pitabwire/arbiter/internal/definition"
	"github.com/pitabwire/arbiter/internal/escalation"
	"github.com/pitabwire/arbiter/internal/notifier"
	"github.com/pitabwire/arbiter/internal/recovery"
	"github.com/pitabwire/arbiter/internal/task"
	"github.com/pitabwire/arbiter/internal/transport"
	"github.com/pitabwire/arbiter/internal/workflow"
	"github.com/pitabwire/arbiter/model"
)

// Clock is a controllable time source shared by the harness and the
// workflow manager, so tests can fast-forward past step deadlines.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the current harness time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the harness time forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// TestHarness encapsulates a fully wired workflow server instance.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Registry         *definition.Registry
	Store            *workflow.MemoryInstanceStore
	Notifier         *notifier.MemoryNotifier
	Manager          *workflow.Manager
	IdempotencyStore *recovery.MemoryIdempotencyStore
	Clock            *Clock

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	policyFile     string
	handlerTimeout time.Duration
	gracePeriod    time.Duration
	administrators []string
}

// WithDefinitions sets the definition directories to load.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) { c.definitionDirs = dirs }
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) { c.policyFile = path }
}

// WithGracePeriod sets the default timeout grace extension.
func WithGracePeriod(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.gracePeriod = d }
}

// WithAdministrators sets the global escalation recipients.
func WithAdministrators(admins ...string) HarnessOption {
	return func(c *harnessConfig) { c.administrators = admins }
}

// NewTestHarness creates and starts a full test instance. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		gracePeriod:    15 * time.Minute,
		administrators: []string{"user:admin-1"},
	}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{filepath.Join(testdataDir(), "definitions")}
	}

	h := &TestHarness{
		t:     t,
		Clock: &Clock{now: time.Now()},
	}

	// Definitions.
	loader := definition.NewLoader()
	defs, err := loader.LoadAll(hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	validator := definition.NewValidator()
	if verrs := validator.Validate(defs); len(verrs) > 0 {
		t.Fatalf("definition validation: %v", verrs)
	}
	h.Registry = definition.NewRegistry(defs)

	// Capability resolver.
	evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}
	capResolver := capability.NewResolver(evaluator, 0)

	// Core engine with in-memory infrastructure.
	h.Store = workflow.NewMemoryInstanceStore()
	h.Notifier = notifier.NewMemory(nil)
	h.IdempotencyStore = recovery.NewMemoryIdempotencyStore()

	tasks := task.NewHandler(h.Notifier, zap.NewNop())
	escEngine := escalation.NewEngine(60)

	h.Manager = workflow.NewManager(h.Registry, h.Store, tasks, escEngine,
		workflow.WithAdministrators(hc.administrators),
		workflow.WithGracePeriod(hc.gracePeriod),
		workflow.WithClock(h.Clock.Now),
	)

	controller := recovery.NewController(h.Manager, h.IdempotencyStore, time.Hour, zap.NewNop())

	// JWT issuer and HTTP transport.
	h.issuer = newTokenIssuer(t)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:     h.issuer.Issuer(),
		Audience:   h.issuer.Audience(),
		JWKSURL:    h.issuer.JWKSURL(),
		Algorithms: []string{"RS256"},
	}

	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, nil)

	router := transport.NewRouter(transport.Dependencies{
		Config:             h.cfg,
		Logger:             zap.NewNop(),
		Workflows:          h.Manager,
		Recovery:           controller,
		CapabilityResolver: capResolver,
		Authenticate:       transport.JWTAuthenticator(h.cfg.Identity, jwks),
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// FireTimeout drives the timeout path for an instance, as the scheduler
// would when its deadline elapses.
func (h *TestHarness) FireTimeout(instanceID string) error {
	return h.Manager.OnTimeout(context.Background(), instanceID)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Default test claims ---

// RequesterClaims returns TestClaims for a workflow requester.
func RequesterClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-requester",
		Email:     "requester@acme.example.com",
		Roles:     []string{"requester"},
	}
}

// ApproverClaims returns TestClaims for an approver.
func ApproverClaims() TestClaims {
	return TestClaims{
		SubjectID: "manager-1",
		Email:     "manager@acme.example.com",
		Roles:     []string{"approver"},
	}
}

// OperatorClaims returns TestClaims for an operations user.
func OperatorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-operator",
		Email:     "ops@acme.example.com",
		Roles:     []string{"operator"},
	}
}

// AdminClaims returns TestClaims for an administrator.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-admin",
		Email:     "admin@acme.example.com",
		Roles:     []string{"admin"},
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// errorCode extracts the error envelope code from a response body.
func errorCode(t *testing.T, h *TestHarness, resp *http.Response) string {
	t.Helper()
	var body struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	h.ParseJSON(resp, &body)
	if body.Error == nil {
		t.Fatal("response missing error envelope")
	}
	return body.Error.Code
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
