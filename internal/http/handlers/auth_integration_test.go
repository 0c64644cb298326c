package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"github.com/hongminglow/shop-user-api/internal/account"
	"github.com/hongminglow/shop-user-api/internal/auth"
	"github.com/hongminglow/shop-user-api/internal/logging"
	"github.com/hongminglow/shop-user-api/internal/middleware"
	"github.com/hongminglow/shop-user-api/internal/models"
	"github.com/hongminglow/shop-user-api/internal/storage/postgres"
)

// TestAuthIntegration exercises register, login and self-delete against a live Postgres database.
func TestAuthIntegration(t *testing.T) {
	loadDotEnv()
	if os.Getenv("RUN_AUTH_INTEGRATION") != "true" {
		t.Skip("set RUN_AUTH_INTEGRATION=true to run this integration test")
	}
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Fatal("DATABASE_URL is required")
	}

	ctx := context.Background()
	store, err := postgres.NewUserStore(ctx, dbURL, postgres.Options{MaxConns: 4, QueryTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	defer store.Close()

	tokens, err := auth.NewTokenManager(mustGetEnv(t, "JWT_SECRET"), "shop-user-api", 5*time.Minute, "HS256")
	if err != nil {
		t.Fatalf("init tokens: %v", err)
	}
	accounts := account.NewService(store, auth.NewHasher(bcrypt.MinCost), tokens, account.Options{})

	r := chi.NewRouter()
	protect := middleware.Bearer(accounts)
	NewAuthHandler(accounts, logging.Nop()).Register(r, protect)
	r.Route("/users", func(r chi.Router) {
		NewUserHandler(accounts, logging.Nop()).Register(r, protect)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	username := fmt.Sprintf("apitest_%d", time.Now().UnixNano())
	email := fmt.Sprintf("%s@example.com", username)
	phone := fmt.Sprintf("+1555%07d", time.Now().UnixNano()%10_000_000)
	password := fmt.Sprintf("Pass!%d", time.Now().UnixNano())

	var registered struct {
		User models.User `json:"user"`
	}
	status := doJSON(t, http.MethodPost, ts.URL+"/auth/register", "", map[string]string{
		"username":     username,
		"email":        email,
		"phone_number": phone,
		"password":     password,
	}, &registered)
	if status != http.StatusOK {
		t.Fatalf("register status = %d", status)
	}
	if registered.User.Username != username || registered.User.Email != email {
		t.Fatalf("register mismatch: got %+v", registered.User)
	}

	var loggedIn struct {
		AccessToken string      `json:"access_token"`
		User        models.User `json:"user"`
	}
	status = doJSON(t, http.MethodPost, ts.URL+"/auth/login", "", map[string]string{
		"username": email,
		"password": password,
	}, &loggedIn)
	if status != http.StatusOK {
		t.Fatalf("login status = %d", status)
	}
	if loggedIn.User.ID != registered.User.ID {
		t.Fatalf("login returned wrong user id: want %d got %d", registered.User.ID, loggedIn.User.ID)
	}
	if strings.TrimSpace(loggedIn.AccessToken) == "" {
		t.Fatal("login response missing token")
	}

	status = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/users/%d", ts.URL, registered.User.ID), loggedIn.AccessToken, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("delete status = %d", status)
	}

	t.Logf("created user %s (id=%d), logged in by email and deleted it", username, registered.User.ID)
}

// doJSON sends payload and decodes the envelope's data into out when out is non-nil.
func doJSON(t *testing.T, method, url, token string, payload, out any) int {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out != nil && resp.StatusCode < http.StatusBadRequest {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
	return resp.StatusCode
}

func loadDotEnv() {
	for _, candidate := range []string{".env", filepath.Join("..", "..", "..", ".env")} {
		if err := godotenv.Load(candidate); err == nil {
			return
		}
	}
}

func mustGetEnv(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Fatalf("%s is required", key)
	}
	return v
}
