package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	_ "github.com/tbourn/pulse-chat-relay/docs"
	"github.com/tbourn/pulse-chat-relay/internal/auth"
	"github.com/tbourn/pulse-chat-relay/internal/config"
	"github.com/tbourn/pulse-chat-relay/internal/domain"
	"github.com/tbourn/pulse-chat-relay/internal/http/middleware"
	"github.com/tbourn/pulse-chat-relay/internal/repo"
)

const testSecret = "router-test-secret"

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testConfig() config.Config {
	return config.Config{
		APIBasePath:    "/api",
		RateRPS:        100,
		RateBurst:      50,
		Security:       config.SecurityConfig{EnableHSTS: false, HSTSMaxAge: 0},
		OTEL:           config.OTELConfig{ServiceName: "test-svc"},
		IdempotencyTTL: time.Hour,
		Auth:           config.AuthConfig{JWTSecret: testSecret},
		Chat: config.ChatConfig{
			Rooms:          []string{"kingston", "miami", "nyc"},
			SendBuffer:     16,
			AppendAttempts: 1,
		},
	}
}

func newTestRouter(t *testing.T, cfg config.Config) (*gin.Engine, *App) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	app := RegisterRoutes(ctx, r, newTestDB(t), cfg)
	return r, app
}

func bearer(t *testing.T, user string) string {
	t.Helper()
	tok, err := auth.Sign(testSecret, "", auth.Identity{UserID: "u-" + user, Username: user}, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func do(r *gin.Engine, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	r, _ := newTestRouter(t, testConfig())

	// /health works
	w := do(r, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	// CORS (AllowAllOrigins) → header "*"
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}
	if rid := w.Header().Get("X-Request-ID"); rid == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}

	// /metrics is wired and carries the relay collectors
	w = do(r, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "chat_connections_active") {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	// NoRoute → 404
	if w := do(r, http.MethodGet, "/nope", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}

	// NoMethod → 405 (POST /health)
	if w := do(r, http.MethodPost, "/health", "", nil); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}

	// Swagger is off unless enabled
	if w := do(r, http.MethodGet, "/swagger/index.html", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("swagger should be disabled, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	cfg := testConfig()
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	r, _ := newTestRouter(t, cfg)

	w := do(r, http.MethodGet, "/health", "", map[string]string{"Origin": "http://example.com"})
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

func TestRegisterRoutes_SwaggerEnabled(t *testing.T) {
	cfg := testConfig()
	cfg.SwaggerEnabled = true
	r, _ := newTestRouter(t, cfg)

	w := do(r, http.MethodGet, "/swagger/doc.json", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "/chat/{room}/messages") {
		t.Fatalf("doc.json: %d %.200s", w.Code, w.Body.String())
	}
}

func TestRegisterRoutes_RoomsAndUnknownRoom(t *testing.T) {
	r, _ := newTestRouter(t, testConfig())

	w := do(r, http.MethodGet, "/api/chat/rooms", "", nil)
	var rooms []domain.Room
	if err := json.Unmarshal(w.Body.Bytes(), &rooms); err != nil || len(rooms) != 3 {
		t.Fatalf("rooms: %d %s", w.Code, w.Body.String())
	}

	if w := do(r, http.MethodGet, "/api/chat/paris/messages", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown room history: %d", w.Code)
	}

	// a present but invalid token is rejected even on read routes
	w = do(r, http.MethodGet, "/api/chat/miami/messages", "", map[string]string{"Authorization": "Bearer junk"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("junk token on history: %d", w.Code)
	}
}

func TestRegisterRoutes_PostHistoryAndReplay(t *testing.T) {
	r, app := newTestRouter(t, testConfig())
	hdr := map[string]string{
		"Authorization":                 "Bearer " + bearer(t, "ana"),
		middleware.HeaderIdempotencyKey: "k-1",
	}

	if w := do(r, http.MethodPost, "/api/chat/miami/message", `{"content":"hi"}`, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous post: %d", w.Code)
	}

	w := do(r, http.MethodPost, "/api/chat/miami/message", `{"content":"  hola  "}`, hdr)
	if w.Code != http.StatusCreated {
		t.Fatalf("post: %d %s", w.Code, w.Body.String())
	}
	var first domain.ChatMessage
	_ = json.Unmarshal(w.Body.Bytes(), &first)
	if first.ID != 1 || first.Content != "hola" || first.UserID != "u-ana" || first.ClientMsgID != "k-1" {
		t.Fatalf("unexpected message: %+v", first)
	}

	// same key again: stored message back, nothing new written
	w = do(r, http.MethodPost, "/api/chat/miami/message", `{"content":"different"}`, hdr)
	if w.Code != http.StatusOK || w.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("replay: %d %v", w.Code, w.Header())
	}
	if count, _, _ := app.Store.Stats(context.Background(), "miami"); count != 1 {
		t.Fatalf("replay must not append, count=%d", count)
	}

	// another room keeps its own sequence
	w = do(r, http.MethodPost, "/api/chat/nyc/message?content=yo", "", map[string]string{"Authorization": "Bearer " + bearer(t, "bo")})
	var other domain.ChatMessage
	_ = json.Unmarshal(w.Body.Bytes(), &other)
	if w.Code != http.StatusCreated || other.ID != 1 || other.RoomID != "nyc" {
		t.Fatalf("nyc post: %d %+v", w.Code, other)
	}

	// history with ETag round trip
	w = do(r, http.MethodGet, "/api/chat/miami/messages", "", nil)
	var items []domain.ChatMessage
	if err := json.Unmarshal(w.Body.Bytes(), &items); err != nil || len(items) != 1 || items[0].ID != 1 {
		t.Fatalf("history: %d %s", w.Code, w.Body.String())
	}
	etag := w.Header().Get("ETag")
	if etag == "" || w.Header().Get("X-Online-Count") != "0" {
		t.Fatalf("history headers: %v", w.Header())
	}
	if w := do(r, http.MethodGet, "/api/chat/miami/messages", "", map[string]string{"If-None-Match": etag}); w.Code != http.StatusNotModified {
		t.Fatalf("If-None-Match: %d", w.Code)
	}

	if w := do(r, http.MethodPost, "/api/chat/miami/message", `{"content":"   "}`, map[string]string{"Authorization": "Bearer " + bearer(t, "ana")}); w.Code != http.StatusBadRequest {
		t.Fatalf("empty content: %d", w.Code)
	}
}

func TestRegisterRoutes_RESTPostReachesLiveSockets(t *testing.T) {
	r, app := newTestRouter(t, testConfig())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat/kingston?token=" + bearer(t, "cy")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for app.Registry.Count("kingston") != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := app.Registry.Count("kingston"); n != 1 {
		t.Fatalf("presence=%d", n)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/chat/kingston/message", bytes.NewBufferString(`{"content":"from rest"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer(t, "dee"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("post status=%d", resp.StatusCode)
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m domain.ChatMessage
	if err := ws.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Content != "from rest" || m.UserID != "u-dee" || m.RoomID != "kingston" {
		t.Fatalf("unexpected frame: %+v", m)
	}

	// unauthenticated handshake never upgrades
	_, resp, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/chat/kingston", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous dial should be 401, got %v %+v", err, resp)
	}
	// the room is checked first
	_, resp, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/chat/paris", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("anonymous dial to unknown room should be 404, got %v %+v", err, resp)
	}
}

func Test_connConfig_and_wsOrigins(t *testing.T) {
	cfg := testConfig()
	cc := connConfig(cfg)
	if cc.PingInterval != 30*time.Second || cc.MaxFrameBytes != 64<<10 {
		t.Fatalf("zero config should keep defaults: %+v", cc)
	}

	cfg.WebSocket = config.WebSocketConfig{PingInterval: time.Second, PongWait: 2 * time.Second, WriteWait: time.Second, MaxFrameBytes: 512}
	cfg.Chat.RateRPS, cfg.Chat.RateBurst = 9, 3
	cc = connConfig(cfg)
	if cc.PingInterval != time.Second || cc.PongWait != 2*time.Second || cc.MaxFrameBytes != 512 || cc.RateRPS != 9 || cc.RateBurst != 3 {
		t.Fatalf("overrides not applied: %+v", cc)
	}

	cfg.CORS.AllowedOrigins = []string{"https://a.test"}
	if got := wsOrigins(cfg); len(got) != 1 || got[0] != "https://a.test" {
		t.Fatalf("fallback to CORS origins: %v", got)
	}
	cfg.WebSocket.AllowedOrigins = []string{"https://b.test"}
	if got := wsOrigins(cfg); got[0] != "https://b.test" {
		t.Fatalf("socket origins should win: %v", got)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// tiny cap to trigger MaxBytesReader
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")) // 12 bytes
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	// "/" and "" should mount at root
	root1 := groupWithPrefix(r, "/")
	root1.GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	root2 := groupWithPrefix(r, "")
	root2.GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })

	// non-root prefix
	api := groupWithPrefix(r, "/api")
	api.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || rec.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, rec.Code, rec.Body.String())
		}
	}
}

func Test_messageRepoShim_Proxies(t *testing.T) {
	db := newTestDB(t)
	shim := messageRepoShim{}
	ctx := context.Background()

	m := &domain.ChatMessage{RoomID: "miami", UserID: "u1", Username: "ana", Content: "one", CreatedAt: time.Now().UTC()}
	if err := shim.AppendMessage(ctx, db, m); err != nil || m.ID != 1 {
		t.Fatalf("AppendMessage: id=%d err=%v", m.ID, err)
	}

	dup := &domain.ChatMessage{RoomID: "miami", UserID: "u1", Username: "ana", Content: "two", ClientMsgID: "c", CreatedAt: time.Now().UTC()}
	got, replayed, err := shim.AppendMessageOnce(ctx, db, dup, "c", time.Hour)
	if err != nil || replayed || got.ID != 2 {
		t.Fatalf("AppendMessageOnce first: %+v %v %v", got, replayed, err)
	}
	again := &domain.ChatMessage{RoomID: "miami", UserID: "u1", Username: "ana", Content: "two again", ClientMsgID: "c", CreatedAt: time.Now().UTC()}
	got, replayed, err = shim.AppendMessageOnce(ctx, db, again, "c", time.Hour)
	if err != nil || !replayed || got.ID != 2 {
		t.Fatalf("AppendMessageOnce replay: %+v %v %v", got, replayed, err)
	}

	page, err := shim.ListHistory(ctx, db, "miami", 0, 10)
	if err != nil || len(page) != 2 || page[0].ID != 1 {
		t.Fatalf("ListHistory: %+v %v", page, err)
	}

	count, maxID, err := shim.MessagesStats(ctx, db, "miami")
	if err != nil || count != 2 || maxID != 2 {
		t.Fatalf("MessagesStats: %d %d %v", count, maxID, err)
	}

	n, err := shim.PurgeExpiredIdempotency(ctx, db, time.Now().Add(2*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("PurgeExpiredIdempotency: %d %v", n, err)
	}
}
