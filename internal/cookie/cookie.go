// Package cookie implements DNS Cookies (RFC 7873, RFC 9018): a
// lightweight exchange that lets a resolver recognize repeat traffic from
// the same client without holding per-client state, raising the cost of
// off-path spoofing and UDP amplification alongside source-port
// randomization.
package cookie

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dchest/siphash"
)

var (
	ErrInvalidCookie       = errors.New("cookie: invalid format")
	ErrInvalidClientCookie = errors.New("cookie: invalid client cookie")
	ErrInvalidServerCookie = errors.New("cookie: invalid or stale server cookie")
)

const (
	clientCookieSize = 8
	serverCookieSize = 8
	cookieVersion    = 1

	secretRotationInterval = 24 * time.Hour
)

// Manager generates and validates DNS Cookies for one server (or one
// cluster, sharing a secret across nodes).
type Manager struct {
	mu sync.RWMutex

	currentSecret  [16]byte
	previousSecret [16]byte
	secretTime     time.Time

	enabled      bool
	requireValid bool

	clusterSecret [16]byte
	useCluster    bool

	totalQueries       atomic.Uint64
	queriesWithCookie  atomic.Uint64
	validCookies       atomic.Uint64
	invalidCookies     atomic.Uint64
	badCookieResponses atomic.Uint64
	cookiesGenerated   atomic.Uint64
}

// Config configures a Manager.
type Config struct {
	Enabled bool

	// RequireValid causes ValidateQueryCookie to signal BADCOOKIE for a
	// malformed or stale server cookie rather than silently accepting it.
	// A query carrying only a client cookie is accepted either way.
	RequireValid bool

	// ClusterSecret, when at least 16 bytes, pins the signing secret
	// across a load-balanced deployment instead of generating one at
	// random per instance; every node must be given the same value.
	ClusterSecret []byte
}

// NewManager constructs a Manager and seeds its secret.
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{enabled: cfg.Enabled, requireValid: cfg.RequireValid}

	if len(cfg.ClusterSecret) >= 16 {
		copy(m.clusterSecret[:], cfg.ClusterSecret)
		m.useCluster = true
		m.currentSecret = m.clusterSecret
		m.secretTime = time.Now()
		return m, nil
	}
	if err := m.rotateSecret(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) rotateSecret() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.useCluster {
		return nil
	}
	m.previousSecret = m.currentSecret
	if _, err := rand.Read(m.currentSecret[:]); err != nil {
		return err
	}
	m.secretTime = time.Now()
	return nil
}

// RotateSecretPeriodically rotates the signing secret on a fixed interval
// until stop is closed. No-op for cluster-secret managers.
func (m *Manager) RotateSecretPeriodically(stop <-chan struct{}) {
	ticker := time.NewTicker(secretRotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.rotateSecret()
		case <-stop:
			return
		}
	}
}

// GenerateClientCookie produces an 8-byte client cookie. Real DNS clients
// generate their own; this exists so Heimdall can attach one when acting
// as a client toward upstream resolvers.
func GenerateClientCookie(clientIP, serverIP []byte) [8]byte {
	var cookie, random [8]byte
	var key [16]byte
	rand.Read(random[:])
	rand.Read(key[:])

	h := siphash.New(key[:])
	h.Write(clientIP)
	h.Write(serverIP)
	h.Write(random[:])
	binary.LittleEndian.PutUint64(cookie[:], h.Sum64())
	return cookie
}

func (m *Manager) computeServerCookie(secret [16]byte, clientCookie [8]byte, clientIP []byte, t time.Time) [8]byte {
	var serverCookie [8]byte

	h := siphash.New(secret[:])
	h.Write(clientCookie[:])
	h.Write(clientIP)
	h.Write([]byte{cookieVersion, 0, 0, 0})

	binary.LittleEndian.PutUint64(serverCookie[:], h.Sum64())
	return serverCookie
}

// GenerateServerCookie computes the server cookie for a client cookie and
// client IP under the current signing secret (RFC 9018 section 4.3).
func (m *Manager) GenerateServerCookie(clientCookie [8]byte, clientIP []byte) [8]byte {
	m.mu.RLock()
	secret := m.currentSecret
	m.mu.RUnlock()

	m.cookiesGenerated.Add(1)
	return m.computeServerCookie(secret, clientCookie, clientIP, time.Now())
}

// ValidateServerCookie checks serverCookie against what the current or
// previous signing secret would have produced, tolerating one rotation
// cycle of drift.
func (m *Manager) ValidateServerCookie(clientCookie [8]byte, serverCookie [8]byte, clientIP []byte) error {
	if !m.enabled {
		return nil
	}

	m.mu.RLock()
	current, previous := m.currentSecret, m.previousSecret
	m.mu.RUnlock()

	expected := m.computeServerCookie(current, clientCookie, clientIP, time.Now())
	if subtle.ConstantTimeCompare(serverCookie[:], expected[:]) == 1 {
		m.validCookies.Add(1)
		return nil
	}

	expected = m.computeServerCookie(previous, clientCookie, clientIP, time.Now())
	if subtle.ConstantTimeCompare(serverCookie[:], expected[:]) == 1 {
		m.validCookies.Add(1)
		return nil
	}

	m.invalidCookies.Add(1)
	return ErrInvalidServerCookie
}

// ParseCookie splits an EDNS0 COOKIE option payload into its client cookie
// (always 8 bytes) and optional server cookie (8-32 bytes per RFC 7873
// section 4).
func ParseCookie(data []byte) (clientCookie [8]byte, serverCookie []byte, err error) {
	if len(data) < clientCookieSize {
		return clientCookie, nil, ErrInvalidClientCookie
	}
	copy(clientCookie[:], data[:clientCookieSize])

	if len(data) == clientCookieSize {
		return clientCookie, nil, nil
	}

	serverCookie = append([]byte(nil), data[clientCookieSize:]...)
	if len(serverCookie) < 8 || len(serverCookie) > 32 {
		return clientCookie, nil, ErrInvalidServerCookie
	}
	return clientCookie, serverCookie, nil
}

// FormatCookie builds an EDNS0 COOKIE option payload from its parts.
func FormatCookie(clientCookie [8]byte, serverCookie []byte) []byte {
	data := make([]byte, clientCookieSize+len(serverCookie))
	copy(data[:clientCookieSize], clientCookie[:])
	copy(data[clientCookieSize:], serverCookie)
	return data
}

// ValidateQueryCookie validates the cookie option attached to an inbound
// query and reports whether the caller should respond with BADCOOKIE
// (RFC 7873 section 5.2) instead of proceeding.
func (m *Manager) ValidateQueryCookie(clientCookie [8]byte, serverCookie []byte, clientIP []byte) (badCookie bool, err error) {
	if !m.enabled {
		return false, nil
	}
	m.totalQueries.Add(1)

	if len(serverCookie) == 0 {
		return false, nil
	}
	m.queriesWithCookie.Add(1)

	if len(serverCookie) != serverCookieSize {
		if m.requireValid {
			m.badCookieResponses.Add(1)
			return true, ErrInvalidServerCookie
		}
		return false, nil
	}

	var sc [8]byte
	copy(sc[:], serverCookie)

	if err := m.ValidateServerCookie(clientCookie, sc, clientIP); err != nil {
		if m.requireValid {
			m.badCookieResponses.Add(1)
			return true, err
		}
		return false, nil
	}
	return false, nil
}

// Stats is a snapshot of cookie processing counters.
type Stats struct {
	TotalQueries       uint64
	QueriesWithCookie  uint64
	ValidCookies       uint64
	InvalidCookies     uint64
	BadCookieResponses uint64
	CookiesGenerated   uint64
}

// Stats returns current counters.
func (m *Manager) Stats() Stats {
	return Stats{
		TotalQueries:       m.totalQueries.Load(),
		QueriesWithCookie:  m.queriesWithCookie.Load(),
		ValidCookies:       m.validCookies.Load(),
		InvalidCookies:     m.invalidCookies.Load(),
		BadCookieResponses: m.badCookieResponses.Load(),
		CookiesGenerated:   m.cookiesGenerated.Load(),
	}
}
