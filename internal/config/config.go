// Package config loads the bootstrap configuration a hosting application
// supplies: the server base URL, the app id, and the compiled-in server
// X25519 public key used for key validation (spec.md section 3 and 4.3).
//
// Modeled on the teacher's internal/config/config.go: .env-file loading via
// joho/godotenv, an optional HashiCorp Vault lookup with a hard-coded
// fallback, and getEnv/getEnvDuration helpers.
package config

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	vaultapi "github.com/hashicorp/vault/api"
	"github.com/joho/godotenv"
)

// DefaultRequestTimeout and DefaultConnectTimeout are the 10-second
// deadlines spec.md sections 4.3 and 5 mandate.
const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// Config is the bootstrap configuration for one Connection.
type Config struct {
	AppID             string
	ServerBaseURL     string
	ServerPublicKey   [32]byte
	RequestTimeout    time.Duration
	ConnectTimeout    time.Duration
	MetricsListenAddr string
}

func loadEnvFiles() {
	_ = godotenv.Load()
	if env := os.Getenv("NODE_ENV"); env != "" {
		_ = godotenv.Load(".env." + env)
	}
	_ = godotenv.Load(".env.local")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Load reads configuration from .env files and the environment, resolving
// the server base URL via Consul and the server public key via Vault when
// those are configured, and falling back to direct environment values
// otherwise (spec.md section 6: "server endpoint is chosen by the hosting
// application").
func Load() (*Config, error) {
	loadEnvFiles()

	serverURL, err := resolveServerBaseURL()
	if err != nil {
		return nil, err
	}

	serverPubKey, err := resolveServerPublicKey()
	if err != nil {
		return nil, err
	}

	return &Config{
		AppID:             getEnv("VAULTSYNC_APP_ID", "default-app"),
		ServerBaseURL:     serverURL,
		ServerPublicKey:   serverPubKey,
		RequestTimeout:    getEnvDuration("VAULTSYNC_REQUEST_TIMEOUT", DefaultRequestTimeout),
		ConnectTimeout:    getEnvDuration("VAULTSYNC_CONNECT_TIMEOUT", DefaultConnectTimeout),
		MetricsListenAddr: getEnv("VAULTSYNC_METRICS_ADDR", ""),
	}, nil
}

// resolveServerBaseURL prefers an explicit SERVER_BASE_URL, then falls back
// to a Consul catalog lookup (mirroring internal/registry/consul.go, used
// here as a resolver rather than a registrar), then a local default.
func resolveServerBaseURL() (string, error) {
	if v := os.Getenv("SERVER_BASE_URL"); v != "" {
		return v, nil
	}

	consulAddr := os.Getenv("CONSUL_HTTP_ADDR")
	service := getEnv("SERVER_CONSUL_SERVICE", "vaultsync-server")
	if consulAddr == "" {
		return "http://localhost:8080", nil
	}

	client, err := consulapi.NewClient(&consulapi.Config{Address: consulAddr})
	if err != nil {
		return "", fmt.Errorf("config: new consul client: %w", err)
	}

	entries, _, err := client.Health().Service(service, "", true, &consulapi.QueryOptions{})
	if err != nil {
		log.Printf("[CONFIG] consul lookup for %q failed, falling back to localhost: %v", service, err)
		return "http://localhost:8080", nil
	}
	if len(entries) == 0 {
		log.Printf("[CONFIG] consul returned no healthy instances of %q, falling back to localhost", service)
		return "http://localhost:8080", nil
	}

	svc := entries[0].Service
	return fmt.Sprintf("http://%s:%d", svc.Address, svc.Port), nil
}

// defaultServerPublicKeyHex is the compiled-in fallback server DH public
// key used when Vault is not configured. Production deployments are
// expected to override it via Vault or SERVER_PUBLIC_KEY.
const defaultServerPublicKeyHex = "0000000000000000000000000000000000000000000000000000000000000000"


// resolveServerPublicKey prefers Vault (mirroring the teacher's
// GetJWTSecretFromVault dual-source shape), then SERVER_PUBLIC_KEY, then
// the compiled-in fallback.
func resolveServerPublicKey() ([32]byte, error) {
	if addr, token := os.Getenv("VAULT_ADDR"), os.Getenv("VAULT_TOKEN"); addr != "" && token != "" {
		hexKey, err := fetchServerPublicKeyFromVault(addr, token)
		if err == nil {
			return decodeServerPublicKey(hexKey)
		}
		log.Printf("[CONFIG] failed to fetch server public key from Vault, falling back: %v", err)
	}

	if v := os.Getenv("SERVER_PUBLIC_KEY"); v != "" {
		return decodeServerPublicKey(v)
	}

	return decodeServerPublicKey(defaultServerPublicKeyHex)
}

func fetchServerPublicKeyFromVault(addr, token string) (string, error) {
	client, err := vaultapi.NewClient(&vaultapi.Config{Address: addr})
	if err != nil {
		return "", fmt.Errorf("config: new vault client: %w", err)
	}
	client.SetToken(token)

	mountPath := getEnv("VAULT_MOUNT_PATH", "secret")
	secretPath := getEnv("VAULT_SECRET_PATH", "vaultsync")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	secret, err := client.KVv2(mountPath).Get(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("config: vault get: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("config: secret not found at %s/%s", mountPath, secretPath)
	}
	value, ok := secret.Data["server_public_key"].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("config: server_public_key missing at %s/%s", mountPath, secretPath)
	}
	return value, nil
}

func decodeServerPublicKey(hexKey string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) != 32 {
		return key, fmt.Errorf("config: server public key must be 32 bytes hex-encoded")
	}
	copy(key[:], raw)
	return key, nil
}
