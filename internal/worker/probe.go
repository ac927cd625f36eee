package worker

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/crawlq/internal/httpclient"
)

// DefaultProbeTimeout bounds the daemon health probe.
const DefaultProbeTimeout = time.Second

// IsEmbedderRunning probes the local daemon's /health endpoint once. Any 2xx
// or a 404 (server up, endpoint absent) means running; connection failures,
// timeouts and other statuses mean not running.
func IsEmbedderRunning(ctx context.Context, doer httpclient.Doer, daemonURL string, timeout time.Duration) bool {
	if strings.TrimSpace(daemonURL) == "" {
		return false
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if doer == nil {
		doer = http.DefaultClient
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(daemonURL, "/")+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := doer.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close() //nolint:errcheck // probe only
	return (resp.StatusCode >= 200 && resp.StatusCode < 300) || resp.StatusCode == http.StatusNotFound
}
