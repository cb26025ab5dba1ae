package notify

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/hendraet/labshare/internal/models"
)

// AddressBook resolves every mail address of a user.
type AddressBook interface {
	EmailAddresses(ctx context.Context, userID string) ([]string, error)
}

// LogNotifier records user notifications in the controller log. Mail
// delivery is left to whatever ships the log.
type LogNotifier struct {
	addresses AddressBook
	logger    log.FieldLogger
}

func NewLogNotifier(addresses AddressBook, logger log.FieldLogger) *LogNotifier {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &LogNotifier{addresses: addresses, logger: logger}
}

func (n *LogNotifier) NotifyQueued(ctx context.Context, userID string, gpu models.GPU) {
	n.send(ctx, userID, "queued", log.Fields{"gpu": gpu.UUID, "device": gpu.DeviceName})
}

func (n *LogNotifier) NotifyReleased(ctx context.Context, userID string, gpu models.GPU) {
	n.send(ctx, userID, "gpu ready", log.Fields{"gpu": gpu.UUID, "device": gpu.DeviceName})
}

func (n *LogNotifier) NotifyReminder(ctx context.Context, userID string, r models.Reservation) {
	fields := log.Fields{"gpu": r.GPUUUID, "reservation": r.ID}
	if r.UsageExpires != nil {
		fields["expires"] = r.UsageExpires.Format("2006-01-02 15:04")
	}
	n.send(ctx, userID, "usage expires soon", fields)
}

func (n *LogNotifier) send(ctx context.Context, userID, subject string, fields log.Fields) {
	to, err := n.addresses.EmailAddresses(ctx, userID)
	if err != nil {
		n.logger.WithError(err).WithField("user", userID).Warn("notification dropped, no recipient")
		return
	}
	if len(to) == 0 {
		n.logger.WithField("user", userID).Warn("notification dropped, user has no email address")
		return
	}
	n.logger.WithFields(fields).WithFields(log.Fields{"user": userID, "to": to}).Info(subject)
}
