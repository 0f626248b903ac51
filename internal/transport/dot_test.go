package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveTLSConfigRequiresCertOrConfig(t *testing.T) {
	_, err := resolveTLSConfig(nil, "", "")
	assert.Error(t, err)
}

func TestResolveTLSConfigMissingKeyFile(t *testing.T) {
	_, err := resolveTLSConfig(nil, "cert.pem", "")
	assert.Error(t, err)
}

func TestNewDoTListenerRequiresTLSMaterial(t *testing.T) {
	_, err := NewDoTListener(DoTConfig{}, echoHandler(t))
	assert.Error(t, err)
}

func TestDefaultDoTConfig(t *testing.T) {
	cfg := DefaultDoTConfig()
	assert.Equal(t, ":853", cfg.Address)
	assert.NotZero(t, cfg.IdleTimeout)
}
