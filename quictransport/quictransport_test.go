// SPDX-License-Identifier: GPL-3.0-or-later

package quictransport

import (
	"context"
	"crypto/tls"
	"testing"

	"github.com/bassosimone/osp"
	"github.com/stretchr/testify/assert"
)

type fakeOSPConn struct{}

func (fakeOSPConn) OpenStream(ctx context.Context) (osp.ProtoStream, error) { return nil, nil }
func (fakeOSPConn) Close() error                                           { return nil }

// Authenticator rejects any [osp.Conn] that did not come from this
// package, since check can only meaningfully inspect a real QUIC TLS
// state.
func TestAuthenticatorRejectsForeignConn(t *testing.T) {
	called := false
	auth := Authenticator(func(tls.ConnectionState) error {
		called = true
		return nil
	})

	err := auth(fakeOSPConn{})

	assert.Error(t, err)
	assert.False(t, called)
}

func TestNewDialerDefaults(t *testing.T) {
	d := NewDialer(&tls.Config{NextProtos: []string{"osp"}})
	assert.NotNil(t, d.Logger)
	assert.NotNil(t, d.TimeNow)
	assert.Equal(t, []string{"osp"}, d.TLSConfig.NextProtos)
}
