package natsx

import (
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
)

// Connect opens a NATS connection to url. An empty url falls back to the
// NATS_URL environment variable and then to nats.DefaultURL. Without options
// the connection is named "underground" and uses compression.
func Connect(url string, opts ...nats.Option) (*nats.Conn, error) {
	if url == "" {
		url = os.Getenv("NATS_URL")
	}
	if url == "" {
		url = nats.DefaultURL
	}
	if len(opts) == 0 {
		opts = append(opts, nats.Name("underground"), nats.Compression(true))
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return nc, nil
}
