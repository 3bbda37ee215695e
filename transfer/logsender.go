package transfer

import (
	"github.com/sirupsen/logrus"
)

// LogSender writes events to a logger instead of a connection. Progress is
// logged at debug level, everything else at info.
type LogSender struct {
	Logger logrus.FieldLogger
}

// Send implements channel.Sender. The recipient is ignored.
func (s LogSender) Send(recipientID, event string, payload any) {
	entry := s.Logger.WithField("event", event)

	switch p := payload.(type) {
	case ProgressPayload:
		entry = entry.WithFields(logrus.Fields{"collection": p.Collection, "count": p.Count})
		if p.Percent != nil {
			entry = entry.WithField("percent", *p.Percent)
		}
		entry.WithField("speed", p.Speed).Debug("Progress")
		return
	case CollectionStartPayload:
		entry.WithFields(logrus.Fields{"collection": p.Collection, "total": p.TotalDocs}).Info("Collection started")
	case CollectionDonePayload:
		entry.WithFields(logrus.Fields{"collection": p.Collection, "count": p.Count}).Info("Collection finished")
	case ErrorPayload:
		entry.WithField("collection", p.Collection).Error(p.Message)
	default:
		entry.Info("Job event")
	}
}
