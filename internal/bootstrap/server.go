package bootstrap

import (
	"time"

	"Strata/internal/ledger"
	"Strata/internal/logger"
	"Strata/internal/processor"
)

// Server answers incoming bootstrap streams: frontier_req, bulk_pull,
// bulk_pull_account and bulk_push. One stream carries one exchange.
type Server struct {
	cfg   Config
	store *ledger.Store
	proc  *processor.Processor
}

// NewServer creates the server half of the bootstrap protocol.
func NewServer(cfg Config, store *ledger.Store, proc *processor.Processor) *Server {
	return &Server{cfg: cfg, store: store, proc: proc}
}

// HandleStream serves one exchange and closes the stream.
func (s *Server) HandleStream(stream Stream) {
	defer stream.Close()

	stream.SetDeadline(time.Now().Add(s.cfg.IOTimeout))

	msgType, flags, err := readHeader(stream)
	if err != nil {
		logger.Debug("bootstrap request rejected", "error", err)
		return
	}

	switch msgType {
	case MsgFrontierReq:
		req, err := readFrontierReq(stream)
		if err == nil {
			err = s.serveFrontierReq(stream, req)
		}
		s.logServed("frontier_req", err)

	case MsgBulkPull:
		req, err := readBulkPull(stream, flags)
		if err == nil {
			err = s.serveBulkPull(stream, req)
		}
		s.logServed("bulk_pull", err)

	case MsgBulkPullAccount:
		req, err := readBulkPullAccount(stream)
		if err == nil {
			err = s.serveBulkPullAccount(stream, req)
		}
		s.logServed("bulk_pull_account", err)

	case MsgBulkPush:
		s.logServed("bulk_push", s.serveBulkPush(stream))

	default:
		logger.Debug("bootstrap request rejected", "type", msgType)
	}
}

func (s *Server) logServed(kind string, err error) {
	if err != nil {
		logger.Debug("bootstrap exchange ended", "kind", kind, "error", err)
	}
}
