package main

import (
	"net/http"
	"time"

	"github.com/Debaq/printerhub/server/storage"
)

// printerTokenFrom extracts the device token from a heartbeat-protocol
// request. Agents send it in the X-Printer-Token header; the query
// parameter form exists for firmware that cannot set headers.
func printerTokenFrom(r *http.Request) string {
	if token := r.Header.Get("X-Printer-Token"); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

func tokenPrefix(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}

// authenticatePrinter resolves the calling device for the poll/ack/file
// endpoints. Unknown tokens are rejected and rate limited; only the
// heartbeat endpoint is allowed to mint a new printer row. Returns nil
// after writing the error response.
func authenticatePrinter(w http.ResponseWriter, r *http.Request) *storage.Printer {
	token := printerTokenFrom(r)
	if token == "" {
		jsonError(w, http.StatusUnauthorized, "missing printer token")
		return nil
	}

	ip := getRealIP(r)
	prefix := tokenPrefix(token)

	if loginLimiter != nil {
		if blocked, until := loginLimiter.IsBlocked(ip, prefix); blocked {
			serverLogger.Warn("Blocked printer request", "ip", ip, "token", prefix+"...",
				"blocked_until", until.Format(time.RFC3339))
			jsonError(w, http.StatusTooManyRequests, "too many failed attempts, try again later")
			return nil
		}
	}

	printer, err := serverStore.GetPrinterByToken(r.Context(), token)
	if err != nil {
		if loginLimiter != nil {
			if blocked, count := loginLimiter.RecordFailure(ip, prefix); blocked {
				serverLogger.Warn("Printer token blocked after repeated failures",
					"ip", ip, "token", prefix+"...", "attempts", count)
				jsonError(w, http.StatusTooManyRequests, "too many failed attempts, try again later")
				return nil
			}
		}
		serverLogger.Warn("Unknown printer token", "ip", ip, "token", prefix+"...")
		jsonError(w, http.StatusUnauthorized, "invalid printer token")
		return nil
	}

	if loginLimiter != nil {
		loginLimiter.RecordSuccess(ip, prefix)
	}

	if printer.IsBlocked {
		serverLogger.Warn("Blocked printer attempted contact", "printer_id", printer.ID, "ip", ip)
		jsonError(w, http.StatusForbidden, "printer is blocked")
		return nil
	}

	return printer
}
