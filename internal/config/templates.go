package config

import (
	"fmt"
	"os"
)

// Template returns a commented starter file covering every key Load reads.
func Template() string {
	return castTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(castTemplate), 0o600)
}

const castTemplate = `# castctl configuration

[client]
host = "192.168.1.20"
port = 8009
connect_timeout = "10s"
retry_min = "250ms"
retry_max = "5s"
retry_attempts = 5

[server]
host = "0.0.0.0"
port = 8009
# cert_file and key_file are optional; a self-signed pair is generated when both are empty.
cert_file = ""
key_file = ""
handshake_timeout = "10s"
metrics_addr = ""

[frame]
max_body_bytes = 65536

[log]
level = "info"
timestamp = false
no_color = false
`
