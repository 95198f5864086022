package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lendingledger/config"
	daemoncfg "lendingledger/services/lendingd/config"
	"lendingledger/storage"
)

func TestBuildHandlerBootstrapsBanks(t *testing.T) {
	ledger, err := config.Load("ledger.toml")
	require.NoError(t, err)
	require.Len(t, ledger.Banks, 2)

	cfg := daemoncfg.Default()
	cfg.Auth.APITokens = []string{"token"}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db := storage.NewMemDB()

	handler, err := buildHandler(context.Background(), cfg, ledger, db, logger)
	require.NoError(t, err)
	// A restart over the same store must skip banks that already exist.
	_, err = buildHandler(context.Background(), cfg, ledger, db, logger)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/banks", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var banks []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &banks))
	require.Len(t, banks, 2)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "lending_bank_total_deposits")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/users", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoadServerTLS(t *testing.T) {
	tlsCfg, err := loadServerTLS(daemoncfg.TLSConfig{AllowInsecure: true})
	require.NoError(t, err)
	require.Nil(t, tlsCfg)

	_, err = loadServerTLS(daemoncfg.TLSConfig{})
	require.Error(t, err)

	dir := t.TempDir()
	_, err = loadServerTLS(daemoncfg.TLSConfig{
		CertPath: filepath.Join(dir, "missing.crt"),
		KeyPath:  filepath.Join(dir, "missing.key"),
	})
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not pem"), 0o600))
	_, err = loadServerTLS(daemoncfg.TLSConfig{CertPath: bad, KeyPath: bad})
	require.Error(t, err)
}
