// Command jwks-to-pem prints the Supabase signing key as PEM, ready to be used
// as SUPABASE_JWT_SECRET for projects that sign with asymmetric keys.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"rasenpilot/internal/middleware"
)

func main() {
	base := flag.String("supabase-url", envOr("SUPABASE_URL", "http://127.0.0.1:54321"), "Supabase project URL")
	flag.Parse()

	url := strings.TrimRight(*base, "/") + "/auth/v1/.well-known/jwks.json"
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fail("Error fetching JWKS: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		fail("Error fetching JWKS: %s returned %d", url, resp.StatusCode)
	}

	var jwks middleware.JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		fail("Error parsing JWKS: %v", err)
	}
	key, err := jwks.SigningKey()
	if err != nil {
		fail("%v", err)
	}
	pemKey, err := key.PEM()
	if err != nil {
		fail("Error converting %s/%s key: %v", key.Kty, key.Alg, err)
	}
	fmt.Print(pemKey)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
