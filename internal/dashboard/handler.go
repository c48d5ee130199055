package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/orgmirror/orgmirror/internal/engine"
	"github.com/orgmirror/orgmirror/internal/watcher"
)

// Handler formats daemon pipeline events as dashboard messages. It
// satisfies the daemon's Notifier and keeps a rolling status snapshot
// that is re-broadcast after every event. Moves and cycles arrive from
// different daemon goroutines, so the snapshot is locked.
type Handler struct {
	server *Server
	logger *log.Logger

	mu     sync.Mutex
	status StatusData
}

// NewHandler creates an event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	return &Handler{
		server: server,
		logger: logger,
	}
}

// OnMove handles a settled local move after the engine processed it.
func (h *Handler) OnMove(move watcher.Move, err error) {
	data := MoveData{
		Repo:    move.Repo,
		FromOrg: move.FromOrg,
		ToOrg:   move.ToOrg,
		Applied: err == nil,
	}
	if err != nil {
		data.Error = err.Error()
	}

	h.mu.Lock()
	h.status.MovesSeen++
	if err != nil {
		h.status.FailedMoves++
	}
	snapshot := h.status
	h.mu.Unlock()

	dataJSON, merr := json.Marshal(data)
	if merr != nil {
		h.logger.Printf("Failed to marshal move data: %v", merr)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeMove,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})

	h.broadcastStatus(snapshot)
}

// OnBatch handles a finished reconciliation cycle.
func (h *Handler) OnBatch(result *engine.BatchResult, err error) {
	data := SyncCompleteData{}
	if err != nil {
		data.Error = err.Error()
	}

	h.mu.Lock()
	if result != nil {
		data.Planned = result.Planned
		data.Committed = result.Committed
		data.Failed = result.Failed
		data.Skipped = result.Skipped
		data.URLsFixed = result.URLsFixed
		data.DurationMS = result.Duration.Milliseconds()

		h.status.CyclesRun++
		h.status.Drifted = len(result.Report.Drifted)
		h.status.Missing = len(result.Report.Missing)
		h.status.Orphaned = len(result.Report.Orphaned)
		h.status.Ambiguous = len(result.Report.Ambiguous)
		h.status.LastInSync = result.Planned == 0 && len(result.Report.Ambiguous) == 0 &&
			len(result.Report.SkippedOrgs) == 0
	}
	snapshot := h.status
	h.mu.Unlock()

	dataJSON, merr := json.Marshal(data)
	if merr != nil {
		h.logger.Printf("Failed to marshal sync data: %v", merr)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeSyncComplete,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})

	h.broadcastStatus(snapshot)
}

// broadcastStatus sends the rolling snapshot to all clients
func (h *Handler) broadcastStatus(snapshot StatusData) {
	dataJSON, err := json.Marshal(snapshot)
	if err != nil {
		h.logger.Printf("Failed to marshal status: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeStatus,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// Status returns the current rolling snapshot
func (h *Handler) Status() StatusData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}
