package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"funil/internal/app"
	"funil/internal/config"
	"funil/internal/db"
	"funil/internal/domain"
	"funil/internal/engine"
	"funil/internal/migrate"
	"funil/internal/repo"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

var actorHeader = map[string]string{"X-Actor-Id": "tester"}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	if err := app.SyncCatalog(context.Background(), repo.Repo{DB: conn}, cfg); err != nil {
		t.Fatalf("sync catalog: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestCardLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/boards/funnel/cards", map[string]any{
		"title": "Casa na praia",
	}, actorHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create card status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Card
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal card: %v", err)
	}
	if created.StageID != "new" {
		t.Fatalf("expected initial stage new, got %s", created.StageID)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cards/"+created.ID+"/transition", map[string]any{
		"to_stage": "contacted",
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/boards/funnel", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("board view status %d: %s", res.StatusCode, string(data))
	}
	var view BoardViewResponse
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal board view: %v", err)
	}
	if len(view.Columns) != 6 {
		t.Fatalf("expected 6 columns, got %d", len(view.Columns))
	}
	if len(view.Columns[1].Cards) != 1 || view.Columns[1].Cards[0].ID != created.ID {
		t.Fatalf("card missing from contacted column")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cards/"+created.ID+"/history", nil, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	var history HistoryResponse
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history.Items) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(history.Items))
	}
}

func TestLostReasonGateOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/boards/funnel/cards", map[string]any{
		"title": "Lead frio",
	}, actorHeader)
	var created domain.Card
	_ = json.Unmarshal(data, &created)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cards/"+created.ID+"/transition", map[string]any{
		"to_stage": "lost",
	}, actorHeader)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(body))
	}
	if code := errorCode(t, body); code != "lost_reason_required" {
		t.Fatalf("expected lost_reason_required, got %s", code)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cards/"+created.ID+"/transition", map[string]any{
		"to_stage":       "lost",
		"lost_reason_id": "no_response",
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lost with reason status %d: %s", res.StatusCode, string(body))
	}
	var lost domain.Card
	_ = json.Unmarshal(body, &lost)
	if lost.LostReasonID == nil || *lost.LostReasonID != "no_response" {
		t.Fatalf("lost_reason_id not persisted: %+v", lost)
	}
}

func TestTransitionConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/boards/funnel/cards", map[string]any{
		"title": "Lead",
	}, actorHeader)
	var created domain.Card
	_ = json.Unmarshal(data, &created)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cards/"+created.ID+"/transition", map[string]any{
		"to_stage": "new",
	}, actorHeader)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for same-stage move, got %d: %s", res.StatusCode, string(body))
	}
	if code := errorCode(t, body); code != "transition_rejected" {
		t.Fatalf("expected transition_rejected, got %s", code)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cards/"+created.ID+"/transition", map[string]any{
		"to_stage": "archived",
	}, actorHeader)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for unknown stage, got %d: %s", res.StatusCode, string(body))
	}
}

func TestReorderEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	var ids []string
	for _, title := range []string{"a", "b"} {
		_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/boards/funnel/cards", map[string]any{
			"title": title,
		}, actorHeader)
		var c domain.Card
		_ = json.Unmarshal(data, &c)
		ids = append(ids, c.ID)
	}
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/boards/funnel/stages/new/reorder", map[string]any{
		"card_id":    ids[0],
		"from_index": 0,
		"to_index":   1,
	}, actorHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reorder status %d: %s", res.StatusCode, string(body))
	}
	var col ColumnResponse
	if err := json.Unmarshal(body, &col); err != nil {
		t.Fatalf("unmarshal column: %v", err)
	}
	if col.Cards[0].ID != ids[1] || col.Cards[1].ID != ids[0] {
		t.Fatalf("unexpected order after reorder")
	}
}

func TestNotFoundAndAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/cards/missing", nil, actorHeader)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(body))
	}
	if code := errorCode(t, body); code != "not_found" {
		t.Fatalf("expected not_found, got %s", code)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/boards", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", res.StatusCode)
	}
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "jwt-user",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/boards/funnel/cards", map[string]any{
		"title": "Via JWT",
	}, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create with JWT status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Card
	_ = json.Unmarshal(data, &created)
	hist, histBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/cards/"+created.ID+"/history", nil, actorHeader)
	if hist.StatusCode != http.StatusOK {
		t.Fatalf("history status %d", hist.StatusCode)
	}
	var history HistoryResponse
	_ = json.Unmarshal(histBody, &history)
	if history.Items[0].ActorID != "jwt-user" {
		t.Fatalf("expected jwt subject as actor, got %s", history.Items[0].ActorID)
	}
}
