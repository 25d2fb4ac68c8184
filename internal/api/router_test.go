package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/xiaopang/modguard/internal/config"
	"github.com/xiaopang/modguard/internal/core"
	"github.com/xiaopang/modguard/internal/model"
	"github.com/xiaopang/modguard/internal/store"
)

const testAdminKey = "admin-secret"

// fakePrimary 模拟主提供商：固定返回 text
func fakePrimary(t *testing.T, text string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":generateContent") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"candidates":[{"content":{"parts":[{"text":%q}]}}]}`, text)
	}))
}

type testEnv struct {
	router    *gin.Engine
	store     *store.Store
	callerKey string
}

// newTestEnv 组装完整路由，带一个可用的调用方密钥
func newTestEnv(t *testing.T, primaryURL string, limits model.KeyLimits) *testEnv {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	plaintext := "mg-test-caller-key"
	if err := st.CreateAPIKey(&model.APIKey{
		ID:        uuid.NewString(),
		Name:      "test caller",
		KeyHash:   hashAPIKey(plaintext),
		Enabled:   true,
		Limits:    limits,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create caller key: %v", err)
	}

	pool := core.NewCredentialPool([]string{"k1"}, 20)
	primary := core.NewPrimaryAdapter(config.PrimaryConfig{
		BaseURL: primaryURL, Model: "test-model", TimeoutMs: 2000, MaxAttempts: 2,
	})
	secondary := core.NewSecondaryAdapter(config.SecondaryConfig{
		BaseURL: "http://127.0.0.1:1", Model: "test-model", TimeoutMs: 200,
	}, "")
	moderator := core.NewModerator(pool, primary, secondary, nil, 2)

	cfg := &config.Config{}
	cfg.Server.AdminAPIKey = testAdminKey

	router := SetupRouter(cfg,
		NewModerateHandler(moderator),
		NewAdminHandler(st, pool, secondary),
		st, core.NewRateLimiter())

	return &testEnv{router: router, store: st, callerKey: plaintext}
}

// do 发送一次请求
func (e *testEnv) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) model.ErrorResponse {
	t.Helper()
	var resp model.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v (%s)", err, w.Body.String())
	}
	return resp
}

// --------------- 认证 ---------------

func TestModerate_MissingAPIKey(t *testing.T) {
	srv := fakePrimary(t, "hello")
	defer srv.Close()
	env := newTestEnv(t, srv.URL, model.KeyLimits{})

	w := env.do("POST", "/v1/moderate", "", `{"text":"hello"}`)
	if w.Code != 401 {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Error.Code != "missing_api_key" {
		t.Fatalf("unexpected code: %s", resp.Error.Code)
	}
}

func TestModerate_InvalidAPIKey(t *testing.T) {
	srv := fakePrimary(t, "hello")
	defer srv.Close()
	env := newTestEnv(t, srv.URL, model.KeyLimits{})

	w := env.do("POST", "/v1/moderate", "mg-wrong-key", `{"text":"hello"}`)
	if w.Code != 401 {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Error.Code != "invalid_api_key" {
		t.Fatalf("unexpected code: %s", resp.Error.Code)
	}
}

func TestModerate_DisabledAPIKey(t *testing.T) {
	srv := fakePrimary(t, "hello")
	defer srv.Close()
	env := newTestEnv(t, srv.URL, model.KeyLimits{})

	keys, _ := env.store.ListAPIKeys()
	if err := env.store.SetAPIKeyEnabled(keys[0].ID, false); err != nil {
		t.Fatalf("disable key: %v", err)
	}

	w := env.do("POST", "/v1/moderate", env.callerKey, `{"text":"hello"}`)
	if w.Code != 401 {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Error.Code != "disabled_api_key" {
		t.Fatalf("unexpected code: %s", resp.Error.Code)
	}
}

func TestModerate_RateLimited(t *testing.T) {
	srv := fakePrimary(t, "hello")
	defer srv.Close()
	env := newTestEnv(t, srv.URL, model.KeyLimits{RPM: 1})

	if w := env.do("POST", "/v1/moderate", env.callerKey, `{"text":"hello"}`); w.Code != 200 {
		t.Fatalf("first request should pass, got %d: %s", w.Code, w.Body.String())
	}
	w := env.do("POST", "/v1/moderate", env.callerKey, `{"text":"hello"}`)
	if w.Code != 429 {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Error.Code != "rate_limited" {
		t.Fatalf("unexpected code: %s", resp.Error.Code)
	}
}

// --------------- 审核接口 ---------------

func TestModerate_Allowed(t *testing.T) {
	srv := fakePrimary(t, "hello there")
	defer srv.Close()
	env := newTestEnv(t, srv.URL, model.KeyLimits{})

	w := env.do("POST", "/v1/moderate", env.callerKey, `{"text":"hello there"}`)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp model.ModerateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Blocked {
		t.Error("expected blocked=false")
	}
	if resp.Rewritten {
		t.Error("expected rewritten=false")
	}
	if resp.Moderated != "hello there" {
		t.Errorf("unexpected moderated text: %q", resp.Moderated)
	}
	if resp.Model != string(model.TierPrimary) {
		t.Errorf("expected model=primary, got %s", resp.Model)
	}
}

func TestModerate_Rewritten(t *testing.T) {
	srv := fakePrimary(t, "please fix this")
	defer srv.Close()
	env := newTestEnv(t, srv.URL, model.KeyLimits{})

	w := env.do("POST", "/v1/moderate", env.callerKey, `{"text":"you idiot, fix this"}`)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp model.ModerateResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Blocked || !resp.Rewritten {
		t.Fatalf("expected rewritten response, got %+v", resp)
	}
	if resp.Moderated != "please fix this" {
		t.Errorf("unexpected moderated text: %q", resp.Moderated)
	}
	if resp.Original != "you idiot, fix this" {
		t.Errorf("unexpected original: %q", resp.Original)
	}
}

func TestModerate_Blocked(t *testing.T) {
	srv := fakePrimary(t, core.SentinelBlock)
	defer srv.Close()
	env := newTestEnv(t, srv.URL, model.KeyLimits{})

	w := env.do("POST", "/v1/moderate", env.callerKey, `{"text":"i will kill you"}`)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp model.ModerateResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Blocked {
		t.Fatal("expected blocked=true")
	}
	if resp.Reason == "" {
		t.Error("blocked response must carry a reason")
	}
	if resp.Moderated != "" {
		t.Errorf("blocked response must not carry moderated text, got %q", resp.Moderated)
	}
}

func TestModerate_EmptyText(t *testing.T) {
	srv := fakePrimary(t, "hello")
	defer srv.Close()
	env := newTestEnv(t, srv.URL, model.KeyLimits{})

	w := env.do("POST", "/v1/moderate", env.callerKey, `{"text":"   "}`)
	if w.Code != 400 {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Error.Code != "empty_text" {
		t.Fatalf("unexpected code: %s", resp.Error.Code)
	}
}

// --------------- 管理接口 ---------------

func TestAdmin_AuthRequired(t *testing.T) {
	srv := fakePrimary(t, "hello")
	defer srv.Close()
	env := newTestEnv(t, srv.URL, model.KeyLimits{})

	w := env.do("GET", "/api/keys", "", "")
	if w.Code != 401 {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Error.Code != "invalid_admin_key" {
		t.Fatalf("unexpected code: %s", resp.Error.Code)
	}
}

func TestAdmin_KeyLifecycle(t *testing.T) {
	srv := fakePrimary(t, "hello")
	defer srv.Close()
	env := newTestEnv(t, srv.URL, model.KeyLimits{})

	// 创建
	w := env.do("POST", "/api/keys", testAdminKey, `{"name":"app one","limits":{"rpm":5}}`)
	if w.Code != 201 {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Data model.APIKey `json:"data"`
		Key  string       `json:"key"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(created.Key, "mg-") {
		t.Errorf("plaintext key should carry mg- prefix, got %q", created.Key)
	}
	if created.Data.Limits.RPM != 5 {
		t.Errorf("limits not persisted: %+v", created.Data.Limits)
	}

	// 新密钥立即可用
	if w := env.do("POST", "/v1/moderate", created.Key, `{"text":"hello"}`); w.Code != 200 {
		t.Fatalf("fresh key should authenticate, got %d", w.Code)
	}

	// 列表（helper 密钥 + 新密钥）
	w = env.do("GET", "/api/keys", testAdminKey, "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var listed struct {
		Data []model.APIKey `json:"data"`
	}
	json.Unmarshal(w.Body.Bytes(), &listed)
	if len(listed.Data) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(listed.Data))
	}

	// 停用后认证失败
	w = env.do("PUT", "/api/keys/"+created.Data.ID+"/enabled", testAdminKey, `{"enabled":false}`)
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := env.do("POST", "/v1/moderate", created.Key, `{"text":"hello"}`); w.Code != 401 {
		t.Fatalf("disabled key should be rejected, got %d", w.Code)
	}

	// 未知密钥启停返回 404
	w = env.do("PUT", "/api/keys/missing/enabled", testAdminKey, `{"enabled":true}`)
	if w.Code != 404 {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	// 删除
	w = env.do("DELETE", "/api/keys/"+created.Data.ID, testAdminKey, "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAdmin_LogsRecorded(t *testing.T) {
	srv := fakePrimary(t, "hello")
	defer srv.Close()
	env := newTestEnv(t, srv.URL, model.KeyLimits{})

	// 直接写一条，绕开异步路径
	env.store.SaveDecision(&model.DecisionRecord{
		ID: "d1", Timestamp: time.Now(), ConversationID: "api-request",
		OriginalText: "hello", Action: model.ActionAllowed, Tier: model.TierPrimary,
	})

	w := env.do("GET", "/api/logs?action=allowed", testAdminKey, "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data []model.DecisionRecord `json:"data"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Data) != 1 || resp.Data[0].ID != "d1" {
		t.Fatalf("unexpected logs: %+v", resp.Data)
	}
}

func TestAdmin_Status(t *testing.T) {
	srv := fakePrimary(t, "hello")
	defer srv.Close()
	env := newTestEnv(t, srv.URL, model.KeyLimits{})

	w := env.do("GET", "/api/status", testAdminKey, "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Status     string `json:"status"`
		Moderation struct {
			PrimaryPool struct {
				Total  int `json:"total"`
				Usable int `json:"usable"`
			} `json:"primary_pool"`
			SecondaryConfigured bool `json:"secondary_configured"`
		} `json:"moderation"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status ok, got %s", resp.Status)
	}
	if resp.Moderation.PrimaryPool.Total != 1 || resp.Moderation.PrimaryPool.Usable != 1 {
		t.Errorf("unexpected pool snapshot: %+v", resp.Moderation.PrimaryPool)
	}
	if resp.Moderation.SecondaryConfigured {
		t.Error("secondary should not be configured in this env")
	}
}

// --------------- 基础路由 ---------------

func TestPing(t *testing.T) {
	srv := fakePrimary(t, "hello")
	defer srv.Close()
	env := newTestEnv(t, srv.URL, model.KeyLimits{})

	w := env.do("GET", "/ping", "", "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv := fakePrimary(t, "hello")
	defer srv.Close()
	env := newTestEnv(t, srv.URL, model.KeyLimits{})

	w := env.do("GET", "/ping", "", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("response should carry X-Request-ID")
	}

	req := httptest.NewRequest("GET", "/ping", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "fixed-id" {
		t.Errorf("expected propagated request id, got %q", got)
	}
}
