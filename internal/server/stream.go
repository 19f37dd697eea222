package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/slotsync/internal/realtime"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type streamReadyPayload struct {
	GroupID string `json:"group_id"`
	Table   string `json:"table"`
}

type streamHeartbeatPayload struct {
	Timestamp int64 `json:"ts"`
}

// handleChangeStream serves the group change feed as server-sent events. The
// first event is "ready" once the subscription is live.
func (h *httpHandler) handleChangeStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	groupID := c.Param("groupId")
	if _, err := h.slots.GetGroup(c.Request.Context(), userID, groupID); err != nil {
		h.respondError(c, err)
		return
	}
	table := c.DefaultQuery("table", realtime.TableGroupMachines)
	if table != realtime.TableGroupMachines && table != realtime.TableGroupStores {
		badRequest(c)
		return
	}

	ctx := c.Request.Context()
	events, cleanup := h.hub.SubscribeChanges(ctx, realtime.ChangeFilter{Table: table, GroupID: groupID})
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if err := writeStreamEvent(c.Writer, realtime.StreamEventReady, streamReadyPayload{GroupID: groupID, Table: table}); err != nil {
		return
	}
	h.logger.Debug("change stream opened", zap.String("user_id", userID), zap.String("group_id", groupID), zap.String("table", table))

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("change stream closed", zap.String("user_id", userID), zap.String("group_id", groupID))
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeStreamEvent(c.Writer, realtime.StreamEventChange, event); err != nil {
				h.logger.Debug("change stream write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := writeStreamEvent(c.Writer, realtime.StreamEventHeartbeat, streamHeartbeatPayload{Timestamp: h.clock().UTC().Unix()}); err != nil {
				return
			}
		}
	}
}

func writeStreamEvent(writer gin.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	writer.Flush()
	return nil
}
