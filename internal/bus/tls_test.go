package bus

import "testing"

func TestTLSConfig_DisabledReturnsNil(t *testing.T) {
	cfg := TLSConfig{}
	tlsCfg, err := cfg.Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tlsCfg != nil {
		t.Fatal("expected nil tls.Config when TLS is disabled")
	}
}

func TestTLSConfig_MissingFilesError(t *testing.T) {
	cfg := TLSConfig{Enabled: true, CAFile: "/nonexistent/ca.pem", CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}
	if _, err := cfg.Build(); err == nil {
		t.Fatal("expected error for missing certificate files")
	}
}
