package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rolegate.org/internal/auth"
	"rolegate.org/internal/config"
	"rolegate.org/internal/perms"
	"rolegate.org/internal/rolesync"
	"rolegate.org/internal/rules"
	"rolegate.org/internal/verify"
)

type fakeFacts struct{ facts rules.Facts }

func (f *fakeFacts) Fetch(ctx context.Context, externalUserID int64) (rules.Facts, error) {
	return f.facts, nil
}

type fakeRoles struct{}

func (fakeRoles) AddRole(ctx context.Context, scope, externalUserID, roleID int64) error {
	return nil
}
func (fakeRoles) RemoveRole(ctx context.Context, scope, externalUserID, roleID int64) error {
	return nil
}

type testAPI struct {
	api      *API
	handler  http.Handler
	verifier *verify.Verifier
	keeper   *verify.Keeper
	resolver *perms.Resolver
	cfg      *config.Manager
	token    string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	t.Setenv("ROLEGATE_AUTH_SECRET", "0123456789abcdef0123456789abcdef")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	cfg := config.NewManager(config.NewInMemory())
	vstore := verify.NewInMemory()
	keeper := verify.NewKeeper(vstore, cfg)
	if err := keeper.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	verifier := verify.NewVerifier(vstore, keeper, cfg)

	if err := cfg.Set(context.Background(), config.GlobalScope, config.KeySyncCooldown, "0"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	engine := rolesync.NewEngine(
		rolesync.NewInMemory(),
		verifier,
		&fakeFacts{facts: rules.Facts{"rank": int64(5)}},
		fakeRoles{},
		cfg,
	)
	resolver := perms.NewResolver(perms.NewInMemory())
	// Актор тестов получает полный доступ через глобальный wildcard-грант.
	if err := resolver.Set(context.Background(), perms.Permission{Bits: perms.BitAdmin}); err != nil {
		t.Fatalf("Set permission: %v", err)
	}

	api := New(ReadyProbe{}, "test", verifier, engine, resolver, cfg)

	token, err := auth.GenerateToken("9000", nil, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return &testAPI{
		api:      api,
		handler:  api.Handler(),
		verifier: verifier,
		keeper:   keeper,
		resolver: resolver,
		cfg:      cfg,
		token:    token,
	}
}

func (ta *testAPI) do(t *testing.T, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+ta.token)
	}
	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthzPublic(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, http.MethodGet, "/healthz", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("missing X-Request-Id header")
	}
}

func TestAuthRequired(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, http.MethodPost, "/v1/verify", map[string]any{
		"local_user_id": 1, "external_user_id": 2, "code": "ABCDEF",
	}, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestVerifyFlow(t *testing.T) {
	ta := newTestAPI(t)

	// Выдаём код и подтверждаем его.
	rec := ta.do(t, http.MethodPost, "/v1/verify/code", map[string]any{
		"external_user_id": 200,
	}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("issue code status = %d: %s", rec.Code, rec.Body)
	}
	var issued struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &issued); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = ta.do(t, http.MethodPost, "/v1/verify", map[string]any{
		"local_user_id": 100, "external_user_id": 200, "code": issued.Code,
	}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d: %s", rec.Code, rec.Body)
	}

	rec = ta.do(t, http.MethodGet, "/v1/users/100", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("user lookup status = %d: %s", rec.Code, rec.Body)
	}
	var link struct {
		ExternalUserID *int64 `json:"external_user_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &link); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if link.ExternalUserID == nil || *link.ExternalUserID != 200 {
		t.Fatalf("link = %s", rec.Body)
	}

	rec = ta.do(t, http.MethodGet, "/v1/whois?external_user_id=200", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("whois status = %d: %s", rec.Code, rec.Body)
	}

	rec = ta.do(t, http.MethodPost, "/v1/unverify", map[string]any{"local_user_id": 100}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("unverify status = %d: %s", rec.Code, rec.Body)
	}

	rec = ta.do(t, http.MethodGet, "/v1/users/100/history", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d: %s", rec.Code, rec.Body)
	}
	var history struct {
		Items []struct {
			IsUnverify bool `json:"is_unverify"`
		} `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(history.Items) != 2 {
		t.Fatalf("history items = %d, want 2", len(history.Items))
	}
}

func TestVerifyInvalidCode(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, http.MethodPost, "/v1/verify", map[string]any{
		"local_user_id": 100, "external_user_id": 200, "code": "QQQQQQ",
	}, true)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", rec.Code, rec.Body)
	}
}

func TestRuleLifecycle(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.do(t, http.MethodPut, "/v1/scopes/1/rules/members", map[string]any{
		"condition": "rank >= 3",
	}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("put rule status = %d: %s", rec.Code, rec.Body)
	}

	rec = ta.do(t, http.MethodPut, "/v1/scopes/1/bindings/members", map[string]any{
		"target_role_id": 11, "target_role_name": "Members",
	}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("put binding status = %d: %s", rec.Code, rec.Body)
	}

	rec = ta.do(t, http.MethodGet, "/v1/scopes/1/rules", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("list rules status = %d: %s", rec.Code, rec.Body)
	}
	var list struct {
		Items []ruleResponse `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].Condition != "rank >= 3" {
		t.Fatalf("rules = %s", rec.Body)
	}

	rec = ta.do(t, http.MethodDelete, "/v1/scopes/1/rules/members", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete rule status = %d: %s", rec.Code, rec.Body)
	}
	rec = ta.do(t, http.MethodGet, "/v1/scopes/1/rules/members", nil, true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted rule status = %d, want 404", rec.Code)
	}
}

func TestRuleRejectsBrokenCondition(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, http.MethodPut, "/v1/scopes/1/rules/bad", map[string]any{
		"condition": "rank >",
	}, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body)
	}
}

func TestSyncEndpoint(t *testing.T) {
	ta := newTestAPI(t)

	// Линкуем пользователя напрямую через сервис.
	issued, err := ta.verifier.IssueCode(context.Background(), 200)
	if err != nil {
		t.Fatalf("IssueCode: %v", err)
	}
	if err := ta.verifier.SubmitVerification(context.Background(), 100, 200, issued.Code.String()); err != nil {
		t.Fatalf("SubmitVerification: %v", err)
	}

	rec := ta.do(t, http.MethodPut, "/v1/scopes/1/rules/members", map[string]any{
		"condition": "rank >= 3",
	}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("put rule: %s", rec.Body)
	}
	rec = ta.do(t, http.MethodPut, "/v1/scopes/1/bindings/members", map[string]any{
		"target_role_id": 11,
	}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("put binding: %s", rec.Body)
	}

	rec = ta.do(t, http.MethodPost, "/v1/sync", map[string]any{
		"local_user_id": 100, "scope": 1,
	}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync status = %d: %s", rec.Code, rec.Body)
	}
	var res struct {
		Added []int64 `json:"added"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Added) != 1 || res.Added[0] != 11 {
		t.Fatalf("added = %v, want [11]", res.Added)
	}
}

func TestScopedTokenForbidden(t *testing.T) {
	ta := newTestAPI(t)
	scoped, err := auth.GenerateToken("9000", []int64{2}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	ta.token = scoped

	rec := ta.do(t, http.MethodPut, "/v1/scopes/1/rules/members", map[string]any{
		"condition": "true",
	}, true)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403: %s", rec.Code, rec.Body)
	}
}

func TestPermissionsEndpoints(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.do(t, http.MethodPut, "/v1/permissions", map[string]any{
		"scope_1": 1, "scope_2": 2, "id": 0, "bits": 7,
	}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d: %s", rec.Code, rec.Body)
	}

	rec = ta.do(t, http.MethodGet, "/v1/permissions/resolve?scope_1=1&scope_2=2&id=3", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve status = %d: %s", rec.Code, rec.Body)
	}
	var res struct {
		Bits int64 `json:"bits"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Bits != 7 {
		t.Fatalf("bits = %d, want 7", res.Bits)
	}

	rec = ta.do(t, http.MethodDelete, "/v1/permissions?scope_1=1&scope_2=2", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body)
	}
	rec = ta.do(t, http.MethodDelete, "/v1/permissions?scope_1=1&scope_2=2", nil, true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
}

func TestConfigEndpoints(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.do(t, http.MethodPut, "/v1/config", map[string]any{
		"scope": 1, "key": "sync_cooldown_seconds", "value": "120",
	}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d: %s", rec.Code, rec.Body)
	}

	rec = ta.do(t, http.MethodGet, "/v1/config?scope=1&key=sync_cooldown_seconds", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d: %s", rec.Code, rec.Body)
	}
	var got struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Value != "120" {
		t.Fatalf("value = %q, want 120", got.Value)
	}

	// Неизвестный ключ отклоняется.
	rec = ta.do(t, http.MethodPut, "/v1/config", map[string]any{
		"scope": 1, "key": "nope", "value": "1",
	}, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown key status = %d, want 400", rec.Code)
	}
}

func TestRotateKeyEndpoint(t *testing.T) {
	ta := newTestAPI(t)
	before, err := ta.keeper.Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}

	rec := ta.do(t, http.MethodPost, "/v1/keys/rotate", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	after, _ := ta.keeper.Current()
	if after.ID <= before.ID {
		t.Fatalf("key not rotated: %d -> %d", before.ID, after.ID)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, http.MethodGet, "/v1/verify", nil, true)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != http.MethodPost {
		t.Fatalf("Allow = %q, want POST", allow)
	}
}

func TestUnknownRoute(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, http.MethodGet, fmt.Sprintf("/v1/nope/%d", 1), nil, true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestPermissionBitsGateOperators(t *testing.T) {
	ta := newTestAPI(t)
	// Сужаем глобальный грант до чтения истории.
	if err := ta.resolver.Set(context.Background(), perms.Permission{Bits: perms.BitViewHistory}); err != nil {
		t.Fatalf("Set permission: %v", err)
	}

	rec := ta.do(t, http.MethodPost, "/v1/keys/rotate", nil, true)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("rotate status = %d, want 403: %s", rec.Code, rec.Body)
	}

	rec = ta.do(t, http.MethodPut, "/v1/scopes/1/rules/members", map[string]any{
		"condition": "rank >= 3",
	}, true)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("put rule status = %d, want 403: %s", rec.Code, rec.Body)
	}

	rec = ta.do(t, http.MethodPut, "/v1/config", map[string]any{
		"scope": 1, "key": "sync_cooldown_seconds", "value": "0",
	}, true)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("put config status = %d, want 403: %s", rec.Code, rec.Body)
	}

	// Верификация за другого пользователя требует свой бит.
	rec = ta.do(t, http.MethodPost, "/v1/verify", map[string]any{
		"local_user_id": 100, "external_user_id": 200, "code": "ABCDEF",
	}, true)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("verify-other status = %d, want 403: %s", rec.Code, rec.Body)
	}

	// Своя запись доступна без грантов, чужая история — по view_history.
	rec = ta.do(t, http.MethodGet, "/v1/users/100/history", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d, want 200: %s", rec.Code, rec.Body)
	}
}

func TestSelfVerifyNeedsNoGrant(t *testing.T) {
	ta := newTestAPI(t)
	if err := ta.resolver.Delete(context.Background(), perms.Wildcard, perms.Wildcard, perms.Wildcard); err != nil {
		t.Fatalf("Delete permission: %v", err)
	}

	issued, err := ta.verifier.IssueCode(context.Background(), 200)
	if err != nil {
		t.Fatalf("IssueCode: %v", err)
	}
	// Актор токена "9000" линкует сам себя.
	rec := ta.do(t, http.MethodPost, "/v1/verify", map[string]any{
		"local_user_id": 9000, "external_user_id": 200, "code": issued.Code.String(),
	}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("self verify status = %d: %s", rec.Code, rec.Body)
	}
}
