package relay

import (
	"errors"
	"log/slog"

	"github.com/tuic-go/tuic/internal/logging"
	"github.com/tuic-go/tuic/internal/metrics"
	"github.com/tuic-go/tuic/internal/mux"
)

// streamErrProtocol is the reset code applied to channels carrying
// malformed or illegal commands.
const streamErrProtocol = 1

// disposeTaskError logs a failed channel classification and releases
// whatever channel the error carries. Errors from the dispatcher keep the
// original stream or datagram attached so disposal stays with the caller.
func disposeTaskError(log *slog.Logger, m *metrics.Metrics, err error) {
	var headerErr *mux.HeaderError
	if errors.As(err, &headerErr) {
		m.RecordHeaderError(headerErr.Channel.String())
		log.Warn("malformed header",
			logging.KeyChannel, headerErr.Channel.String(),
			logging.KeyError, headerErr.Err)
		if headerErr.Recv != nil {
			headerErr.Recv.CancelRead(streamErrProtocol)
		}
		if headerErr.Stream != nil {
			headerErr.Stream.CancelRead(streamErrProtocol)
			headerErr.Stream.CancelWrite(streamErrProtocol)
		}
		return
	}

	var badCmd *mux.BadCommandError
	if errors.As(err, &badCmd) {
		m.RecordRejected(badCmd.Command.String(), badCmd.Channel.String())
		log.Warn("illegal command",
			logging.KeyCommand, badCmd.Command.String(),
			logging.KeyChannel, badCmd.Channel.String())
		if badCmd.Recv != nil {
			badCmd.Recv.CancelRead(streamErrProtocol)
		}
		if badCmd.Stream != nil {
			badCmd.Stream.CancelRead(streamErrProtocol)
			badCmd.Stream.CancelWrite(streamErrProtocol)
		}
		return
	}

	var assocErr *mux.AssociationError
	if errors.As(err, &assocErr) {
		m.RecordPacketDropped("unknown_association")
		log.Debug("packet for unknown association",
			logging.KeyAssocID, assocErr.AssocID)
		if assocErr.Recv != nil {
			assocErr.Recv.CancelRead(streamErrProtocol)
		}
		return
	}

	var lenErr *mux.PayloadLengthError
	if errors.As(err, &lenErr) {
		m.RecordPacketDropped("length_mismatch")
		log.Debug("datagram length mismatch", logging.KeyError, lenErr)
		return
	}

	log.Debug("channel rejected", logging.KeyError, err)
}
