package devicetrust

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func fullSignals() ClientSignals {
	return ClientSignals{
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7)",
		AcceptLanguage: "en-US,en;q=0.9",
		AcceptEncoding: "gzip, deflate, br",
		Screen:         "2560x1440x24",
		Timezone:       "America/New_York",
		Plugins:        "pdf-viewer",
		Fonts:          "Helvetica,Arial",
		CanvasHash:     "c4ff3e9a",
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	assert.Equal(t, Fingerprint(fullSignals()), Fingerprint(fullSignals()))
}

func TestFingerprintShape(t *testing.T) {
	// 32-byte digest, hex encoded
	assert.Len(t, Fingerprint(fullSignals()), 64)
	assert.Len(t, Fingerprint(ClientSignals{}), 64)
}

func TestFingerprintChangesWithAnyComponent(t *testing.T) {
	base := Fingerprint(fullSignals())

	mutations := map[string]func(*ClientSignals){
		"user_agent":      func(s *ClientSignals) { s.UserAgent = "other" },
		"accept_language": func(s *ClientSignals) { s.AcceptLanguage = "fr-FR" },
		"accept_encoding": func(s *ClientSignals) { s.AcceptEncoding = "identity" },
		"screen":          func(s *ClientSignals) { s.Screen = "1920x1080x24" },
		"timezone":        func(s *ClientSignals) { s.Timezone = "Europe/Berlin" },
		"plugins":         func(s *ClientSignals) { s.Plugins = "none" },
		"fonts":           func(s *ClientSignals) { s.Fonts = "Courier" },
		"canvas_hash":     func(s *ClientSignals) { s.CanvasHash = "deadbeef" },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			signals := fullSignals()
			mutate(&signals)
			assert.NotEqual(t, base, Fingerprint(signals))
		})
	}
}

func TestFingerprintMissingInputsAreEmptyNotOmitted(t *testing.T) {
	// A missing trailing field and a missing leading field must not collide
	onlyUA := Fingerprint(ClientSignals{UserAgent: "x"})
	onlyCanvas := Fingerprint(ClientSignals{CanvasHash: "x"})
	assert.NotEqual(t, onlyUA, onlyCanvas)
}
