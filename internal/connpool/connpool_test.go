package connpool

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseUDPIsLIFO(t *testing.T) {
	p := New(DefaultConfig())
	defer p.Close()

	ctx := context.Background()
	addr := "127.0.0.1:53"

	a, err := p.AcquireUDP(ctx, addr)
	require.NoError(t, err)
	b, err := p.AcquireUDP(ctx, addr)
	require.NoError(t, err)

	p.ReleaseUDP(addr, a, false)
	p.ReleaseUDP(addr, b, false)

	// b was released last, so it should come back first.
	got, err := p.AcquireUDP(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, b.LocalAddr().String(), got.LocalAddr().String())

	p.ReleaseUDP(addr, got, false)
	p.ReleaseUDP(addr, a, false)
}

func TestReleaseUDPClosesOnError(t *testing.T) {
	p := New(DefaultConfig())
	defer p.Close()

	ctx := context.Background()
	addr := "127.0.0.1:53"

	c, err := p.AcquireUDP(ctx, addr)
	require.NoError(t, err)

	p.ReleaseUDP(addr, c, true)

	// Writing to a closed UDP conn fails.
	_, writeErr := c.Write([]byte("x"))
	assert.Error(t, writeErr)
}

func TestReleaseUDPClosesWhenPoolFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIdleUDP = 1
	p := New(cfg)
	defer p.Close()

	ctx := context.Background()
	addr := "127.0.0.1:53"

	a, err := p.AcquireUDP(ctx, addr)
	require.NoError(t, err)
	b, err := p.AcquireUDP(ctx, addr)
	require.NoError(t, err)

	p.ReleaseUDP(addr, a, false)
	p.ReleaseUDP(addr, b, false) // pool already has one idle conn, this one gets closed

	_, writeErr := b.Write([]byte("x"))
	assert.Error(t, writeErr)
}

func TestAcquireAfterCloseFails(t *testing.T) {
	p := New(DefaultConfig())
	require.NoError(t, p.Close())

	_, err := p.AcquireUDP(context.Background(), "127.0.0.1:53")
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestAcquireTCPDialsWhenPoolEmpty(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	p := New(DefaultConfig())
	defer p.Close()

	c, err := p.AcquireTCP(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	p.ReleaseTCP(ln.Addr().String(), c, false)
}
