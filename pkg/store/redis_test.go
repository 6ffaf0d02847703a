package store

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func clearRedisTLSEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"REDIS_TLS", "REDIS_TLS_INSECURE", "REDIS_ALLOW_INSECURE_TLS", "REDIS_TLS_SERVER_NAME",
		"REDIS_TLS_CA_CERT_FILE", "REDIS_TLS_CERT_FILE", "REDIS_TLS_KEY_FILE", "REDIS_REQUIRE_TLS",
	} {
		t.Setenv(k, "")
	}
}

func TestNewRedisAgainstMiniredis(t *testing.T) {
	clearRedisTLSEnv(t)
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("REDIS_PASSWORD", "")
	t.Setenv("REDIS_DB", "not-a-number")

	client, err := NewRedis(context.Background())
	if err != nil {
		t.Fatalf("expected redis client success, got %v", err)
	}
	defer client.Close()
	if err := client.Set(context.Background(), "rdcp:probe", "1", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !mr.Exists("rdcp:probe") {
		t.Fatal("expected key in miniredis")
	}
}

func TestOpenRedisPingFailure(t *testing.T) {
	client, err := OpenRedis(context.Background(), RedisConfig{Addr: "127.0.0.1:1", PingTimeout: 200 * time.Millisecond})
	if err == nil {
		_ = client.Close()
		t.Fatal("expected ping failure for closed port")
	}
	if !strings.Contains(err.Error(), "redis ping 127.0.0.1:1") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestRedisConfigFromEnvRequiresTLS(t *testing.T) {
	clearRedisTLSEnv(t)
	t.Setenv("REDIS_REQUIRE_TLS", "true")
	_, err := RedisConfigFromEnv()
	if err == nil || !strings.Contains(err.Error(), "REDIS_REQUIRE_TLS") {
		t.Fatalf("expected REDIS_REQUIRE_TLS error, got %v", err)
	}
}

func TestLoadRedisTLSConfigFromEnv(t *testing.T) {
	clearRedisTLSEnv(t)
	cfg, err := loadRedisTLSConfigFromEnv()
	if err != nil || cfg != nil {
		t.Fatalf("TLS disabled should yield nil config, got %v %v", cfg, err)
	}

	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_SERVER_NAME", "redis.internal")
	t.Setenv("REDIS_TLS_INSECURE", "true")
	if _, err := loadRedisTLSConfigFromEnv(); err == nil {
		t.Fatal("expected insecure tls guard error")
	}
	t.Setenv("REDIS_ALLOW_INSECURE_TLS", "true")
	cfg, err = loadRedisTLSConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected tls config error: %v", err)
	}
	if !cfg.InsecureSkipVerify || cfg.ServerName != "redis.internal" {
		t.Fatalf("unexpected tls config %+v", cfg)
	}
}

func TestLoadRedisTLSConfigFromEnvFiles(t *testing.T) {
	clearRedisTLSEnv(t)
	dir := t.TempDir()
	t.Setenv("REDIS_TLS", "true")

	t.Setenv("REDIS_TLS_CERT_FILE", filepath.Join(dir, "client.pem"))
	if _, err := loadRedisTLSConfigFromEnv(); err == nil {
		t.Fatal("expected error for incomplete mTLS configuration")
	}
	t.Setenv("REDIS_TLS_CERT_FILE", "")

	t.Setenv("REDIS_TLS_CA_CERT_FILE", filepath.Join(dir, "missing.pem"))
	if _, err := loadRedisTLSConfigFromEnv(); err == nil {
		t.Fatal("expected missing CA file error")
	}
	bad := filepath.Join(dir, "bad-ca.pem")
	if err := os.WriteFile(bad, []byte("not-a-certificate"), 0o600); err != nil {
		t.Fatalf("write bad ca: %v", err)
	}
	t.Setenv("REDIS_TLS_CA_CERT_FILE", bad)
	if _, err := loadRedisTLSConfigFromEnv(); err == nil {
		t.Fatal("expected invalid ca pem error")
	}

	certPEM, keyPEM := mustCreateSelfSignedPEM(t)
	caPath := filepath.Join(dir, "ca.pem")
	certPath := filepath.Join(dir, "client.pem")
	keyPath := filepath.Join(dir, "client-key.pem")
	for path, data := range map[string][]byte{caPath: certPEM, certPath: certPEM, keyPath: keyPEM} {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	t.Setenv("REDIS_TLS_CA_CERT_FILE", caPath)
	t.Setenv("REDIS_TLS_CERT_FILE", certPath)
	t.Setenv("REDIS_TLS_KEY_FILE", keyPath)
	cfg, err := loadRedisTLSConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RootCAs == nil || len(cfg.Certificates) != 1 {
		t.Fatalf("expected CA pool and one client certificate, got %+v", cfg)
	}

	t.Setenv("REDIS_TLS_KEY_FILE", certPath)
	if _, err := loadRedisTLSConfigFromEnv(); err == nil {
		t.Fatal("expected invalid mTLS keypair error")
	}
}

func mustCreateSelfSignedPEM(t *testing.T) ([]byte, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "rdcp-redis-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	cert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	priv := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return cert, priv
}
