// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tether Contributors

package server

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tether-dev/tether/internal/security"
	tetherr "github.com/tether-dev/tether/pkg/errors"
)

const ipRateClass = "ops-request"

// rateLimitMiddleware enforces a per-IP token bucket on the ops surface.
// A zero rate disables limiting. The done channel stops the stale-bucket
// janitor on shutdown.
func rateLimitMiddleware(rps float64, burst int, done <-chan struct{}, logger *slog.Logger) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	limiter := security.NewLimiter(map[string]security.Class{
		ipRateClass: {Capacity: float64(burst), RefillPerSec: rps},
	})

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				limiter.Prune(10 * time.Minute)
			case <-done:
				return
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r.RemoteAddr, logger)
			if err := limiter.TryAdmit(ip, ipRateClass, 1); err != nil {
				if retry, ok := tetherr.RetryAfter(err); ok {
					seconds := int(retry.Round(time.Second) / time.Second)
					if seconds < 1 {
						seconds = 1
					}
					w.Header().Set("Retry-After", strconv.Itoa(seconds))
				}
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(remoteAddr string, logger *slog.Logger) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		logger.Warn("cannot parse remote address, rate-limiting on raw value", "remote", remoteAddr)
		return remoteAddr
	}
	return host
}
