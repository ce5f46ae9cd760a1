package irc

import (
	"regexp"

	"github.com/sirupsen/logrus"
)

var (
	reloadCommandRegex = regexp.MustCompile(`(?i)^!reload$`)
	fetchCommandRegex  = regexp.MustCompile(`(?i)^!fetch$`)
)

// Triggerer is the set of manual actions operators can request from the
// control channel
type Triggerer interface {
	TriggerShowReload()
	TriggerSourceRefresh()
}

// ControlHandler returns the message handler for the control channel,
// dispatching !reload and !fetch commands
func ControlHandler(triggerer Triggerer, logger *logrus.Logger) func(MessageEvent) {
	return func(event MessageEvent) {
		switch {
		case reloadCommandRegex.MatchString(event.Message):
			logger.WithField("nick", event.Nick).Debug("Shows definition reload triggered in IRC")
			triggerer.TriggerShowReload()
			event.Reply("Reloading shows now")
		case fetchCommandRegex.MatchString(event.Message):
			logger.WithField("nick", event.Nick).Debug("Sources refresh triggered in IRC")
			triggerer.TriggerSourceRefresh()
			event.Reply("Refreshing sources now")
		}
	}
}
