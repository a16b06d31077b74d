package plugin

import (
	"github.com/millwright-cad/millwright/internal/plugin/channel"
	"github.com/millwright-cad/millwright/internal/plugin/security"
	"github.com/millwright-cad/millwright/internal/rpc"
	"github.com/millwright-cad/millwright/internal/wire"
)

// HostFactory builds hosts, choosing the channel strategy from the
// manifest's permissions alone: any UI-contributing permission means a
// windowed host with a rendering surface, everything else runs as a
// background worker.
type HostFactory struct {
	defaults security.Defaults
	codec    *wire.Codec
	router   *rpc.Router

	// server exposes windowed surfaces. A factory without one can only
	// build worker hosts.
	server *channel.Server
}

// NewHostFactory creates a factory. server may be nil when no windowed
// plugins are expected.
func NewHostFactory(defaults security.Defaults, codec *wire.Codec, router *rpc.Router, server *channel.Server) *HostFactory {
	return &HostFactory{
		defaults: defaults,
		codec:    codec,
		router:   router,
		server:   server,
	}
}

// NewHost derives the sandbox policy and wires the channel opener for
// one plugin instance.
func (f *HostFactory) NewHost(m *Manifest) *Host {
	policy := security.NewPolicy(m.ID, m.Permissions, f.defaults)

	var opener ChannelOpener
	if policy.RequiresWindow() && f.server != nil {
		opener = f.openWindow
	} else {
		opener = f.openWorker
	}

	return NewHost(m, policy, opener, f.router, f.codec)
}

func (f *HostFactory) openWorker(m *Manifest, policy *security.Policy) (*OpenedChannel, error) {
	worker := channel.NewWorker(m.ID, policy, f.codec)
	return &OpenedChannel{
		Conn:  worker,
		Start: func() error { return worker.LoadFile(m.MainPath()) },
	}, nil
}

func (f *HostFactory) openWindow(m *Manifest, policy *security.Policy) (*OpenedChannel, error) {
	window := channel.NewWindow(m.ID, policy)
	f.server.Add(window)
	return &OpenedChannel{
		Conn:    window,
		Cleanup: func() { f.server.Remove(window.Token()) },
	}, nil
}

// SurfaceToken returns the window token for an opened windowed host, or
// empty for worker hosts.
func SurfaceToken(h *Host) string {
	if h == nil {
		return ""
	}
	if win, ok := channelOf(h).(*channel.Window); ok {
		return win.Token()
	}
	return ""
}

// channelOf exposes the underlying conn for strategy-aware callers.
func channelOf(h *Host) rpc.Conn {
	bridge := h.Bridge()
	if bridge == nil {
		return nil
	}
	return bridge.Conn()
}
