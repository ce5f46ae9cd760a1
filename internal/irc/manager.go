package irc

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fetcharr/fetcharr/internal/config"
)

const registrationTimeout = 30 * time.Second

// Manager owns the connections to all configured IRC networks and the
// control channel used for announcements and operator commands
type Manager struct {
	logger *logrus.Logger

	networks       map[string]*Network
	controlNetwork *Network
	controlChannel string
	detachControl  func()
}

// NewManager creates an unconnected manager
func NewManager(logger *logrus.Logger) *Manager {
	return &Manager{
		logger:   logger,
		networks: make(map[string]*Network),
	}
}

// Initialize connects to every configured network in parallel. A network
// that fails to connect or register within the timeout is skipped; the
// rest of the pipeline keeps running without it.
func (m *Manager) Initialize(cfg *config.Config) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	for key, options := range cfg.IRCNetworks {
		wg.Add(1)
		go func(key string, options config.IRCNetworkConfig) {
			defer wg.Done()
			network, err := NewNetwork(key, options, m.logger)
			if err != nil {
				m.logger.WithField("network", key).WithError(err).Error("Failed to join IRC network")
				return
			}
			if err := network.WaitUntilRegistered(registrationTimeout); err != nil {
				m.logger.WithField("network", key).WithError(err).Error("Failed to join IRC network")
				network.Disconnect()
				return
			}
			mu.Lock()
			m.networks[key] = network
			mu.Unlock()
		}(key, options)
	}
	wg.Wait()

	control := cfg.IRCControl
	if control.Network == "" {
		return
	}
	m.controlNetwork = m.networks[control.Network]
	m.controlChannel = control.Channel
	if m.controlNetwork == nil {
		m.logger.WithField("network", control.Network).Error(
			"IRC control network either didn't connect or doesn't exist in config; will not use control network")
	}
}

// EnableControl starts handling operator commands in the control channel.
// Separate from Initialize because the command handler needs collaborators
// that are built after the networks connect.
func (m *Manager) EnableControl(handler func(MessageEvent)) {
	if m.controlNetwork == nil {
		return
	}
	detach, err := m.controlNetwork.WatchChannel(m.controlChannel, handler)
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"network": m.controlNetwork.Name,
			"channel": m.controlChannel,
		}).WithError(err).Error("Unable to join control channel")
		return
	}
	m.detachControl = detach
}

// HasNetwork reports whether the named network connected successfully
func (m *Manager) HasNetwork(key string) bool {
	_, ok := m.networks[key]
	return ok
}

// WatchChannel attaches a message watcher to a channel on the named
// network and returns a detach function
func (m *Manager) WatchChannel(network, channel string, callback func(MessageEvent)) (func(), error) {
	ircNetwork, ok := m.networks[network]
	if !ok {
		return nil, fmt.Errorf("requested IRC network %s doesn't exist", network)
	}
	return ircNetwork.WatchChannel(channel, callback)
}

// ControlAnnounce sends a message to the control channel. Announcements
// are best effort; delivery failures are logged and swallowed.
func (m *Manager) ControlAnnounce(message string) {
	if m.controlNetwork == nil {
		m.logger.Warn("Tried to send message to unconnected IRC control network")
		return
	}
	if err := m.controlNetwork.Message(m.controlChannel, message); err != nil {
		m.logger.WithError(err).Error("Error announcing message to control channel")
	}
}

// Shutdown disconnects every network and gives the connections a moment
// to flush their quit messages
func (m *Manager) Shutdown() {
	if m.detachControl != nil {
		m.detachControl()
	}
	for _, network := range m.networks {
		network.Disconnect()
	}
	time.Sleep(time.Second)
}
