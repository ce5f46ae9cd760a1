package irc

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircevent"
	"github.com/ergochat/irc-go/ircfmt"
	"github.com/ergochat/irc-go/ircmsg"
	"github.com/sirupsen/logrus"

	"github.com/fetcharr/fetcharr/internal/config"
)

const (
	reconnectInterval = 10 * time.Second
	joinTimeout       = 5 * time.Second
	nickservWindow    = 5 * time.Second
	registrationPoll  = 100 * time.Millisecond
)

var nickservAcceptedRegex = regexp.MustCompile(`(?i)password accepted`)

// MessageEvent is a single channel message delivered to a watcher
type MessageEvent struct {
	Nick    string
	Target  string
	Message string
	Reply   func(text string)
}

// Network maintains one IRC server connection, reconnecting on its own
// and rejoining channels after a reconnect
type Network struct {
	Name string

	conn             *ircevent.Connection
	logger           *logrus.Logger
	nickservPassword string
	useSSL           bool
	verifySSL        bool

	mu             sync.Mutex
	registered     bool
	shuttingDown   bool
	joinedChannels map[string]bool
	rejoinChannels map[string]bool
}

// NewNetwork creates a network client and starts connecting
func NewNetwork(name string, options config.IRCNetworkConfig, logger *logrus.Logger) (*Network, error) {
	port := options.Port
	if port == 0 {
		port = 6667
	}
	nick := randomizeNick(options.Nickname)

	n := &Network{
		Name:             name,
		logger:           logger,
		nickservPassword: options.NickservPassword,
		useSSL:           options.UseSSL,
		verifySSL:        options.VerifySSL,
		joinedChannels:   make(map[string]bool),
		rejoinChannels:   make(map[string]bool),
	}
	n.conn = &ircevent.Connection{
		Server:        fmt.Sprintf("%s:%d", options.Address, port),
		Nick:          nick,
		User:          nick,
		RealName:      nick,
		UseTLS:        options.UseSSL,
		ReconnectFreq: reconnectInterval,
		QuitMessage:   "shutting down",
		Log:           log.New(logger.WriterLevel(logrus.DebugLevel), "", 0),
	}
	if options.UseSSL && !options.VerifySSL {
		n.conn.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	n.conn.AddConnectCallback(func(ircmsg.Message) {
		go n.postConnect()
	})
	n.conn.AddDisconnectCallback(func(ircmsg.Message) {
		n.mu.Lock()
		wasRegistered := n.registered
		shuttingDown := n.shuttingDown
		n.registered = false
		n.mu.Unlock()
		if wasRegistered && !shuttingDown {
			logger.WithField("network", name).Error("Disconnected from IRC server")
		}
	})

	logger.WithFields(logrus.Fields{
		"network": name,
		"server":  n.conn.Server,
	}).Info("Connecting to IRC server")
	if err := n.conn.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to IRC network %s: %w", name, err)
	}
	go n.conn.Loop()

	return n, nil
}

// randomizeNick replaces every $ in the configured nickname with the same
// short random suffix so multiple instances do not collide
func randomizeNick(nick string) string {
	if !strings.Contains(nick, "$") {
		return nick
	}
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	suffix := make([]byte, 3)
	for i := range suffix {
		suffix[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return strings.ReplaceAll(nick, "$", string(suffix))
}

// postConnect runs after each successful registration with the server,
// identifying with NickServ when configured and rejoining channels held
// before the reconnect
func (n *Network) postConnect() {
	n.mu.Lock()
	n.joinedChannels = make(map[string]bool)
	rejoin := make([]string, 0, len(n.rejoinChannels))
	for channel := range n.rejoinChannels {
		rejoin = append(rejoin, channel)
	}
	n.mu.Unlock()

	if n.nickservPassword != "" {
		n.identifyWithNickserv()
	} else {
		n.setRegistered()
		n.logger.WithField("network", n.Name).Info("Successfully connected to IRC server")
		if n.useSSL && !n.verifySSL {
			n.logger.WithField("network", n.Name).Warn("Connection was established on secure channel without TLS peer verification")
		}
	}

	if err := n.WaitUntilRegistered(30 * time.Second); err != nil {
		return
	}
	for _, channel := range rejoin {
		if err := n.JoinChannel(channel); err != nil {
			n.logger.WithFields(logrus.Fields{
				"network": n.Name,
				"channel": channel,
			}).Error("Unable to rejoin IRC channel after reconnect")
		}
	}
}

// identifyWithNickserv sends the IDENTIFY command and listens for the
// confirmation notice for a short window
func (n *Network) identifyWithNickserv() {
	var once sync.Once
	var callbackID ircevent.CallbackID
	callbackID = n.conn.AddCallback("NOTICE", func(m ircmsg.Message) {
		nuh, err := ircmsg.ParseNUH(m.Source)
		if err != nil || !strings.EqualFold(nuh.Name, "nickserv") {
			return
		}
		if len(m.Params) < 2 {
			return
		}
		if nickservAcceptedRegex.MatchString(m.Params[1]) {
			once.Do(func() {
				n.setRegistered()
				n.logger.WithField("network", n.Name).Info("Successfully connected and identified to IRC server")
			})
		} else {
			n.logger.WithFields(logrus.Fields{
				"network": n.Name,
				"notice":  m.Params[1],
			}).Warn("Unexpected NickServ notice")
		}
	})
	if err := n.conn.Privmsg("NickServ", "IDENTIFY "+n.nickservPassword); err != nil {
		n.logger.WithField("network", n.Name).WithError(err).Error("Failed to send NickServ identify")
	}
	time.AfterFunc(nickservWindow, func() {
		n.conn.RemoveCallback(callbackID)
	})
}

func (n *Network) setRegistered() {
	n.mu.Lock()
	n.registered = true
	n.mu.Unlock()
}

// Registered reports whether the connection has completed registration
// (including NickServ identification when configured)
func (n *Network) Registered() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.registered
}

func (n *Network) checkIfRegistered() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.registered || n.shuttingDown {
		return fmt.Errorf("IRC network %s is not connected", n.Name)
	}
	return nil
}

// WaitUntilRegistered blocks until the network registers or the timeout
// elapses
func (n *Network) WaitUntilRegistered(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for !n.Registered() {
		if time.Now().After(deadline) {
			return errors.New("IRC connect/register timed out")
		}
		time.Sleep(registrationPoll)
	}
	return nil
}

// JoinChannel joins a channel and waits for the server to confirm the
// join. Joining an already joined channel is a no-op.
func (n *Network) JoinChannel(channel string) error {
	if err := n.checkIfRegistered(); err != nil {
		return err
	}

	lower := strings.ToLower(channel)
	n.mu.Lock()
	if n.joinedChannels[lower] {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	// The end of the initial names list confirms the join took effect
	confirmed := make(chan struct{}, 1)
	callbackID := n.conn.AddCallback("366", func(m ircmsg.Message) {
		if len(m.Params) >= 2 && strings.EqualFold(m.Params[1], channel) {
			select {
			case confirmed <- struct{}{}:
			default:
			}
		}
	})
	defer n.conn.RemoveCallback(callbackID)

	if err := n.conn.Join(channel); err != nil {
		return fmt.Errorf("failed to join IRC channel %s on %s: %w", channel, n.Name, err)
	}
	select {
	case <-confirmed:
	case <-time.After(joinTimeout):
		return fmt.Errorf("unable to join IRC channel %s on %s", channel, n.Name)
	}

	n.mu.Lock()
	n.joinedChannels[lower] = true
	n.rejoinChannels[lower] = true
	n.mu.Unlock()
	n.logger.WithFields(logrus.Fields{
		"network": n.Name,
		"channel": channel,
	}).Info("Joined IRC channel")
	return nil
}

// Message sends a message to a channel or nick, splitting multiline text
// into one PRIVMSG per line
func (n *Network) Message(target, message string) error {
	if err := n.checkIfRegistered(); err != nil {
		return err
	}
	for _, line := range strings.Split(message, "\n") {
		if err := n.conn.Privmsg(target, line); err != nil {
			return fmt.Errorf("failed to message %s on %s: %w", target, n.Name, err)
		}
	}
	return nil
}

// WatchChannel joins a channel and invokes the callback for every message
// seen in it, with formatting codes stripped. The returned function
// detaches the watcher.
func (n *Network) WatchChannel(channel string, callback func(MessageEvent)) (func(), error) {
	if err := n.JoinChannel(channel); err != nil {
		return nil, err
	}

	callbackID := n.conn.AddCallback("PRIVMSG", func(m ircmsg.Message) {
		if len(m.Params) < 2 || !strings.EqualFold(m.Params[0], channel) {
			return
		}
		nick := ""
		if nuh, err := ircmsg.ParseNUH(m.Source); err == nil {
			nick = nuh.Name
		}
		callback(MessageEvent{
			Nick:    nick,
			Target:  m.Params[0],
			Message: ircfmt.Strip(m.Params[1]),
			Reply: func(text string) {
				if err := n.Message(channel, text); err != nil {
					n.logger.WithField("network", n.Name).WithError(err).Error("Failed to reply on IRC channel")
				}
			},
		})
	})
	return func() {
		n.conn.RemoveCallback(callbackID)
	}, nil
}

// Disconnect quits the server and stops reconnect attempts
func (n *Network) Disconnect() {
	n.mu.Lock()
	n.shuttingDown = true
	n.registered = false
	n.mu.Unlock()
	n.conn.Quit()
}
