package bus

import (
	"os"
	"strconv"
)

// Options controls how the Message Bus connects to NATS/JetStream.
type Options struct {
	URL          string
	Stream       string
	SubjectPrefix string
	Embedded     bool
	EmbeddedPort int
}

const defaultNATSURL = "nats://127.0.0.1:4222"

// EnvOptions builds bus options from LOOM_NATS_* environment variables,
// auto-detecting embedded-vs-external the same way the URL override does:
// an explicitly non-default URL disables the embedded server unless
// LOOM_NATS_EMBEDDED says otherwise.
func EnvOptions() Options {
	natsURL := getenvDefault("LOOM_NATS_URL", defaultNATSURL)
	embedded := natsURL == defaultNATSURL
	if val := os.Getenv("LOOM_NATS_EMBEDDED"); val != "" {
		embedded = getenvBool("LOOM_NATS_EMBEDDED", embedded)
	}
	return Options{
		URL:           natsURL,
		Stream:        getenvDefault("LOOM_NATS_STREAM", "LOOM_BUS"),
		SubjectPrefix: getenvDefault("LOOM_NATS_SUBJECT_PREFIX", "bus"),
		Embedded:      embedded,
		EmbeddedPort:  getenvInt("LOOM_NATS_EMBEDDED_PORT", 4222),
	}
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
