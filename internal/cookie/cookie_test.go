package cookie

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateClientCookie(t *testing.T) {
	clientIP := net.ParseIP("192.0.2.1").To4()
	serverIP := net.ParseIP("192.0.2.53").To4()

	cookie1 := GenerateClientCookie(clientIP, serverIP)
	cookie2 := GenerateClientCookie(clientIP, serverIP)

	assert.False(t, bytes.Equal(cookie1[:], cookie2[:]), "client cookies should be unique")
	assert.Len(t, cookie1, clientCookieSize)
}

func TestGenerateServerCookieDeterministic(t *testing.T) {
	m, err := NewManager(Config{Enabled: true})
	require.NoError(t, err)

	clientIP := net.ParseIP("192.0.2.1").To4()
	var clientCookie [8]byte
	copy(clientCookie[:], []byte("testcook"))

	serverCookie := m.GenerateServerCookie(clientCookie, clientIP)
	assert.Len(t, serverCookie, serverCookieSize)

	serverCookie2 := m.GenerateServerCookie(clientCookie, clientIP)
	assert.Equal(t, serverCookie, serverCookie2, "same input within the same second must produce the same cookie")
}

func TestValidateServerCookie(t *testing.T) {
	m, err := NewManager(Config{Enabled: true})
	require.NoError(t, err)

	clientIP := net.ParseIP("192.0.2.1").To4()
	var clientCookie [8]byte
	copy(clientCookie[:], []byte("testcook"))

	serverCookie := m.GenerateServerCookie(clientCookie, clientIP)
	assert.NoError(t, m.ValidateServerCookie(clientCookie, serverCookie, clientIP))

	var invalidCookie [8]byte
	copy(invalidCookie[:], []byte("invalid!"))
	assert.Error(t, m.ValidateServerCookie(clientCookie, invalidCookie, clientIP))

	wrongIP := net.ParseIP("192.0.2.99").To4()
	assert.Error(t, m.ValidateServerCookie(clientCookie, serverCookie, wrongIP))
}

func TestValidateServerCookieRotation(t *testing.T) {
	m, err := NewManager(Config{Enabled: true})
	require.NoError(t, err)

	clientIP := net.ParseIP("192.0.2.1").To4()
	var clientCookie [8]byte
	copy(clientCookie[:], []byte("testcook"))

	oldCookie := m.GenerateServerCookie(clientCookie, clientIP)
	require.NoError(t, m.rotateSecret())

	assert.NoError(t, m.ValidateServerCookie(clientCookie, oldCookie, clientIP),
		"cookie signed under the previous secret should still validate")

	newCookie := m.GenerateServerCookie(clientCookie, clientIP)
	assert.NoError(t, m.ValidateServerCookie(clientCookie, newCookie, clientIP))
}

func TestParseCookie(t *testing.T) {
	tests := []struct {
		name          string
		data          []byte
		wantServerLen int
		wantErr       bool
	}{
		{name: "client cookie only", data: []byte{1, 2, 3, 4, 5, 6, 7, 8}, wantServerLen: 0},
		{name: "client + server cookie", data: bytes.Repeat([]byte{1}, 16), wantServerLen: 8},
		{name: "too short", data: []byte{1, 2, 3}, wantErr: true},
		{name: "server cookie too long", data: make([]byte, 8+33), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clientCookie, serverCookie, err := ParseCookie(tt.data)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, clientCookie, clientCookieSize)
			assert.Len(t, serverCookie, tt.wantServerLen)
		})
	}
}

func TestFormatCookieRoundTrip(t *testing.T) {
	var clientCookie [8]byte
	copy(clientCookie[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})

	data := FormatCookie(clientCookie, nil)
	assert.Equal(t, clientCookie[:], data)

	serverCookie := []byte{9, 10, 11, 12, 13, 14, 15, 16}
	data = FormatCookie(clientCookie, serverCookie)
	require.Len(t, data, 16)

	parsedClient, parsedServer, err := ParseCookie(data)
	require.NoError(t, err)
	assert.Equal(t, clientCookie[:], parsedClient[:])
	assert.Equal(t, serverCookie, parsedServer)
}

func TestValidateQueryCookie(t *testing.T) {
	m, err := NewManager(Config{Enabled: true, RequireValid: true})
	require.NoError(t, err)

	clientIP := net.ParseIP("192.0.2.1").To4()
	var clientCookie [8]byte
	copy(clientCookie[:], []byte("testcook"))

	badCookie, err := m.ValidateQueryCookie(clientCookie, nil, clientIP)
	assert.False(t, badCookie)
	assert.NoError(t, err)

	serverCookie := m.GenerateServerCookie(clientCookie, clientIP)
	badCookie, err = m.ValidateQueryCookie(clientCookie, serverCookie[:], clientIP)
	assert.False(t, badCookie)
	assert.NoError(t, err)

	var invalidServer [8]byte
	copy(invalidServer[:], []byte("badsecrt"))
	badCookie, _ = m.ValidateQueryCookie(clientCookie, invalidServer[:], clientIP)
	assert.True(t, badCookie, "invalid cookie must trigger BADCOOKIE when RequireValid=true")
}

func TestValidateQueryCookieNotRequired(t *testing.T) {
	m, err := NewManager(Config{Enabled: true, RequireValid: false})
	require.NoError(t, err)

	clientIP := net.ParseIP("192.0.2.1").To4()
	var clientCookie, invalidServer [8]byte
	copy(invalidServer[:], []byte("badsecrt"))

	badCookie, _ := m.ValidateQueryCookie(clientCookie, invalidServer[:], clientIP)
	assert.False(t, badCookie)
}

func TestClusterSecretSharedAcrossManagers(t *testing.T) {
	clusterSecret := []byte("shared-cluster-secret-1234567890")

	m1, err := NewManager(Config{Enabled: true, ClusterSecret: clusterSecret})
	require.NoError(t, err)
	m2, err := NewManager(Config{Enabled: true, ClusterSecret: clusterSecret})
	require.NoError(t, err)

	clientIP := net.ParseIP("192.0.2.1").To4()
	var clientCookie [8]byte
	copy(clientCookie[:], []byte("testcook"))

	cookie1 := m1.GenerateServerCookie(clientCookie, clientIP)
	cookie2 := m2.GenerateServerCookie(clientCookie, clientIP)
	assert.Equal(t, cookie1, cookie2)

	assert.NoError(t, m1.ValidateServerCookie(clientCookie, cookie2, clientIP))
	assert.NoError(t, m2.ValidateServerCookie(clientCookie, cookie1, clientIP))
}

func TestCookiesDisabledAlwaysAccept(t *testing.T) {
	m, err := NewManager(Config{Enabled: false})
	require.NoError(t, err)

	var clientCookie, serverCookie [8]byte
	badCookie, err := m.ValidateQueryCookie(clientCookie, serverCookie[:], net.ParseIP("192.0.2.1"))
	assert.False(t, badCookie)
	assert.NoError(t, err)
}

func BenchmarkGenerateServerCookie(b *testing.B) {
	m, _ := NewManager(Config{Enabled: true})
	clientIP := net.ParseIP("192.0.2.1").To4()
	var clientCookie [8]byte

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.GenerateServerCookie(clientCookie, clientIP)
	}
}

func BenchmarkValidateServerCookie(b *testing.B) {
	m, _ := NewManager(Config{Enabled: true})
	clientIP := net.ParseIP("192.0.2.1").To4()
	var clientCookie [8]byte
	serverCookie := m.GenerateServerCookie(clientCookie, clientIP)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.ValidateServerCookie(clientCookie, serverCookie, clientIP)
	}
}
