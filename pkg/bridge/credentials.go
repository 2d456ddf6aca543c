package bridge

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"sync"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// credentialCache caches built TLS credentials keyed by the SHA-256 of the
// concatenated CA+key+cert bytes, so equivalent endpoint/binding TLS
// configurations share one credentials object (spec §4.5).
type credentialCache struct {
	mu    sync.Mutex
	cache map[string]credentials.TransportCredentials
}

func newCredentialCache() *credentialCache {
	return &credentialCache{cache: map[string]credentials.TransportCredentials{}}
}

// get returns cached (or newly built) transport credentials for cfg and the
// cache key used, for callers that also key their own connection cache on
// it.
func (c *credentialCache) get(cfg TLSConfig) (credentials.TransportCredentials, string, error) {
	if cfg.Insecure {
		return insecure.NewCredentials(), "insecure", nil
	}

	caBytes, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, "", fmt.Errorf("bridge: read CA file: %w", err)
	}
	certBytes, err := os.ReadFile(cfg.CertFile)
	if err != nil {
		return nil, "", fmt.Errorf("bridge: read cert file: %w", err)
	}
	keyBytes, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, "", fmt.Errorf("bridge: read key file: %w", err)
	}

	sum := sha256.Sum256(append(append(append([]byte{}, caBytes...), keyBytes...), certBytes...))
	key := hex.EncodeToString(sum[:])

	c.mu.Lock()
	defer c.mu.Unlock()
	if creds, ok := c.cache[key]; ok {
		return creds, key, nil
	}

	cert, err := tls.X509KeyPair(certBytes, keyBytes)
	if err != nil {
		return nil, "", fmt.Errorf("bridge: load key pair: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, "", fmt.Errorf("bridge: failed to parse CA certificate")
	}

	creds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	})
	c.cache[key] = creds
	return creds, key, nil
}
