//go:build linux

package bootstrap

import "github.com/dmitrywald/reactorcore/reactor"

func newTestBackend() (reactor.Backend, error) { return reactor.NewEpoll() }
