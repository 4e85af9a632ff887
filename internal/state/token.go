package state

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

const tokenBytes = 32

// ResolveToken returns the gateway auth token, resolved once at startup and
// held for the process lifetime. Priority: the env override, then the
// persisted token file, then a freshly generated 256-bit token. Generated
// tokens are persisted with 0600 best-effort; a failed write is logged and
// the in-memory token is used anyway, so a deployment without a writable
// state dir still works until the next restart mints a different token.
func ResolveToken(d Dir, override string, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if tok := strings.TrimSpace(override); tok != "" {
		return tok, nil
	}

	if data, err := os.ReadFile(d.TokenFile()); err == nil {
		if tok := strings.TrimSpace(string(data)); tok != "" {
			return tok, nil
		}
	}

	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate gateway token: %w", err)
	}
	tok := hex.EncodeToString(buf)

	if err := os.WriteFile(d.TokenFile(), []byte(tok+"\n"), 0o600); err != nil {
		logger.Warn("could not persist gateway token; the next restart will mint a new one unless MOLTBOT_GATEWAY_TOKEN is set",
			"path", d.TokenFile(), "error", err)
	}
	return tok, nil
}
