package tlstest

import (
	"crypto/tls"
	"path/filepath"
	"testing"

	"github.com/danmuck/castv2/internal/tlsutil"
)

// ServerConfig returns a receiver TLS config with a fresh self-signed
// certificate valid for 127.0.0.1 and localhost.
func ServerConfig(t testing.TB) *tls.Config {
	t.Helper()
	cfg, err := tlsutil.ServerConfig("", "", []string{"127.0.0.1", "localhost"})
	if err != nil {
		t.Fatalf("server tls config: %v", err)
	}
	return cfg
}

// WriteServerCert writes a self-signed pair into dir and returns the paths.
func WriteServerCert(t testing.TB, dir string, commonName string) (string, string) {
	t.Helper()
	certPath := filepath.Join(dir, commonName+".crt")
	keyPath := filepath.Join(dir, commonName+".key")
	if err := tlsutil.WriteSelfSigned(certPath, keyPath, commonName, []string{"127.0.0.1", "localhost"}); err != nil {
		t.Fatalf("write server cert: %v", err)
	}
	return certPath, keyPath
}
