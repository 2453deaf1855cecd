package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/marketcompass/compass/internal/database/migrations"
	"github.com/marketcompass/compass/internal/fx"
	"github.com/marketcompass/compass/internal/kv"
	"github.com/marketcompass/compass/internal/llm"
	"github.com/marketcompass/compass/internal/models"
	"github.com/marketcompass/compass/internal/repository"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("libsql", ":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}
	if err := migrations.Run(db, nil); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func setupTestRepos(t *testing.T) *repository.Repositories {
	t.Helper()
	return repository.NewRepositories(setupTestDB(t))
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFxService points an FX service at a fake upstream. The handler
// receives every /latest.json request.
func newFxService(t *testing.T, store kv.Store, handler http.HandlerFunc) *fx.Service {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return fx.New(server.URL, "test-key", time.Hour, 5*time.Second, store, testLogger())
}

// usdRatesHandler serves a fixed USD-base rates snapshot.
func usdRatesHandler(rates map[string]float64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"base":"USD","timestamp":1700000000,"rates":{`)
		first := true
		for ccy, rate := range rates {
			if !first {
				fmt.Fprint(w, ",")
			}
			first = false
			fmt.Fprintf(w, `%q:%g`, ccy, rate)
		}
		fmt.Fprint(w, "}}")
	}
}

// newLLMClient points an LLM client at a fake chat-completions server.
func newLLMClient(t *testing.T, handler http.HandlerFunc) *llm.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return llm.NewClient(server.URL, "test-key", "test-model", 5*time.Second)
}

// chatHandler wraps a content string into a chat-completions response.
func chatHandler(content func(r *http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content(r)}},
			},
		}
		writeJSON(w, payload)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	data, _ := json.Marshal(v)
	_, _ = w.Write(data)
}

func newCatalogSku(t *testing.T, repos *repository.Repositories, skuKey, model, storage, color, condition string) *models.GoldenSku {
	t.Helper()
	sku := &models.GoldenSku{
		SkuKey:      skuKey,
		Model:       model,
		Storage:     storage,
		Color:       color,
		Condition:   condition,
		DisplayName: skuKey,
		IsActive:    true,
	}
	if err := repos.Sku.Create(context.Background(), sku); err != nil {
		t.Fatalf("seed sku %s: %v", skuKey, err)
	}
	return sku
}

func seedRaw(t *testing.T, repos *repository.Repositories, raw *models.RawOffer) *models.RawOffer {
	t.Helper()
	if raw.Source == "" {
		raw.Source = SourceShopping
	}
	if raw.SourceRequestKey == "" {
		raw.SourceRequestKey = "req-test"
	}
	result, err := repos.RawOffer.Upsert(context.Background(), raw)
	if err != nil {
		t.Fatalf("seed raw offer: %v", err)
	}
	stored, err := repos.RawOffer.GetByID(context.Background(), result.ID)
	if err != nil {
		t.Fatalf("read back raw offer: %v", err)
	}
	return stored
}
