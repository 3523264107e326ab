// Package transport manages the four network endpoints from spec.md
// §4.2/§6: TCP control, and UDP video/audio/input.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/duskcast/streamhost/internal/logging"
	"github.com/duskcast/streamhost/internal/mtls"
)

var log = logging.L("transport")

// Endpoints holds the four bound sockets for one host instance.
type Endpoints struct {
	Control net.Listener
	Video   *net.UDPConn
	Audio   *net.UDPConn
	Input   *net.UDPConn
}

// Bind opens the control TCP listener and the three UDP sockets on
// bindAddr. If certPEM/keyPEM are non-empty, the control listener is
// wrapped in TLS using the host's pinned certificate (grounded on the
// host's mTLS cert-loading helper, repurposed here from client-auth to
// server identity).
func Bind(bindAddr string, controlPort, videoPort, audioPort, inputPort int, certPEM, keyPEM string) (*Endpoints, error) {
	controlAddr := fmt.Sprintf("%s:%d", bindAddr, controlPort)

	var controlLn net.Listener
	var err error
	if certPEM != "" && keyPEM != "" {
		tlsCfg, tlsErr := mtls.BuildTLSConfig(certPEM, keyPEM)
		if tlsErr != nil {
			return nil, fmt.Errorf("transport: build control tls config: %w", tlsErr)
		}
		controlLn, err = tls.Listen("tcp", controlAddr, tlsCfg)
	} else {
		controlLn, err = net.Listen("tcp", controlAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("transport: bind control %s: %w", controlAddr, err)
	}

	video, err := bindUDP(bindAddr, videoPort)
	if err != nil {
		controlLn.Close()
		return nil, err
	}
	audio, err := bindUDP(bindAddr, audioPort)
	if err != nil {
		controlLn.Close()
		video.Close()
		return nil, err
	}
	input, err := bindUDP(bindAddr, inputPort)
	if err != nil {
		controlLn.Close()
		video.Close()
		audio.Close()
		return nil, err
	}

	log.Info("endpoints bound", "control", controlAddr, "video", videoPort, "audio", audioPort, "input", inputPort)

	return &Endpoints{Control: controlLn, Video: video, Audio: audio, Input: input}, nil
}

func bindUDP(bindAddr string, port int) (*net.UDPConn, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(bindAddr), Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: bind udp %s:%d: %w", bindAddr, port, err)
	}
	return conn, nil
}

// Close shuts down every bound socket.
func (e *Endpoints) Close() error {
	var firstErr error
	for _, c := range []interface {
		Close() error
	}{e.Control, e.Video, e.Audio, e.Input} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AcceptControl blocks until a control connection arrives or ctx is
// cancelled.
func AcceptControl(ctx context.Context, ln net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}
