// Package main is a minimal HTTP health check binary for use in distroless
// containers. It exits 0 when the /health endpoint returns HTTP 200, and 1
// otherwise. CHEMGATE_PORT overrides the default port 8000.
package main

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"chemgate/internal/version"
)

func main() {
	port := 8000
	if v, err := strconv.Atoi(os.Getenv("CHEMGATE_PORT")); err == nil && v > 0 {
		port = v
	}

	req, err := http.NewRequest(http.MethodGet, "http://localhost:"+strconv.Itoa(port)+"/health", nil)
	if err != nil {
		os.Exit(1)
	}
	req.Header.Set("User-Agent", version.GetInfo().UserAgent("chemgate-healthcheck"))

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		os.Exit(1)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}
