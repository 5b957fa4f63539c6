package devicetrust

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint derives the stable device identifier from client signals.
// The digest covers a fixed, ordered concatenation of every signal; absent
// signals contribute empty strings so the shape never changes. Equal
// signals always produce equal identifiers. The value correlates devices,
// nothing more; it is not unforgeable and must never gate anything on its
// own.
func Fingerprint(signals ClientSignals) string {
	parts := []string{
		signals.UserAgent,
		signals.AcceptLanguage,
		signals.AcceptEncoding,
		signals.Screen,
		signals.Timezone,
		signals.Plugins,
		signals.Fonts,
		signals.CanvasHash,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
