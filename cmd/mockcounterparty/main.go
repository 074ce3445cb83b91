// mockcounterparty stands in for the counterparty bank during development.
// It answers liveness challenges with a signed proof, mints warranty tokens,
// and can be told to stop answering to exercise the kill switch.
package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"reliance/internal/liveness"
	"reliance/internal/platform/httpserver"
	"reliance/internal/platform/logger"
	"reliance/internal/warranty"
	"reliance/pkg/platform/httputil"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "mockcounterparty",
		Short:        "Development stand-in for the counterparty bank node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			id, _ := cmd.Flags().GetString("id")
			keyFile, _ := cmd.Flags().GetString("key-file")
			level, _ := cmd.Flags().GetString("log-level")
			log := logger.New(level)

			key, err := loadOrGenerateKey(keyFile)
			if err != nil {
				return err
			}
			pubPEM, err := publicKeyPEM(key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "register this key with POST /v1/admin/counterparties/%s/keys:\n%s\n", id, pubPEM)

			bank := newBank(id, key, time.Now, log)
			log.Info("mock counterparty listening", "addr", addr, "counterparty_id", id)
			return httpserver.New(addr, bank.routes()).ListenAndServe()
		},
	}
	cmd.Flags().String("addr", ":3001", "Listen address")
	cmd.Flags().String("id", "bank-node", "Counterparty id used as token issuer")
	cmd.Flags().String("key-file", "", "PKCS#8 or SEC1 EC private key PEM; a fresh P-256 key is generated when empty")
	cmd.Flags().String("log-level", "info", "Log level")
	return cmd
}

type bank struct {
	id      string
	key     *ecdsa.PrivateKey
	clock   func() time.Time
	logger  *slog.Logger
	failing atomic.Bool
}

func newBank(id string, key *ecdsa.PrivateKey, clock func() time.Time, logger *slog.Logger) *bank {
	return &bank{id: id, key: key, clock: clock, logger: logger}
}

func (b *bank) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/v1/heartbeat-response", b.handleHeartbeat)
	r.Post("/v1/warranty", b.handleWarranty)
	r.Post("/v1/control/fail", b.handleControl(true))
	r.Post("/v1/control/recover", b.handleControl(false))
	return r
}

type heartbeatRequest struct {
	Challenge string `json:"challenge"`
}

type proofClaims struct {
	Challenge string `json:"challenge"`
	jwt.RegisteredClaims
}

func (b *bank) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if b.failing.Load() {
		b.logger.Warn("heartbeat refused, simulating loss of key control")
		httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"status": "ACCESS_DENIED"})
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Challenge == "" {
		httputil.WriteJSON(w, http.StatusBadRequest, map[string]string{"status": "BAD_CHALLENGE"})
		return
	}

	now := b.clock()
	proof, err := jwt.NewWithClaims(jwt.SigningMethodES256, proofClaims{
		Challenge: req.Challenge,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    b.id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}).SignedString(b.key)
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"status": "SIGNING_FAILED"})
		return
	}
	b.logger.Info("heartbeat answered")
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": liveness.AccessConfirmed, "proof": proof})
}

type warrantyRequest struct {
	TransactionID string `json:"transaction_id"`
}

// handleWarranty mints a compliance warranty for a transaction, as the bank
// would after completing its own KYC and screening.
func (b *bank) handleWarranty(w http.ResponseWriter, r *http.Request) {
	var req warrantyRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	now := b.clock()
	token, err := jwt.NewWithClaims(jwt.SigningMethodES256, warranty.Claims{
		ComplianceWarranty: warranty.Warranty{KYCStatus: warranty.KYCVerified, ScreeningStatus: warranty.ScreeningClear},
		TransactionID:      req.TransactionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    b.id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}).SignedString(b.key)
	if err != nil {
		httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "signing failed"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"warranty_token": token})
}

func (b *bank) handleControl(fail bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		b.failing.Store(fail)
		b.logger.Warn("heartbeat behaviour changed", "failing", fail)
		httputil.WriteJSON(w, http.StatusOK, map[string]bool{"failing": fail})
	}
}

func loadOrGenerateKey(path string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("key file holds no PEM block")
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("key file does not hold an EC private key")
	}
	return key, nil
}

func publicKeyPEM(key *ecdsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
