package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/ant2api/ant2api/internal/config"
	"github.com/ant2api/ant2api/internal/logging"
	"github.com/ant2api/ant2api/internal/translator/claude"
	"github.com/ant2api/ant2api/internal/translator/common"
	"github.com/ant2api/ant2api/internal/upstream"
	"github.com/ant2api/ant2api/internal/util"
	"github.com/ant2api/ant2api/internal/vertex"
)

// Messages serves POST /v1/messages. Claude models always answer over SSE,
// regardless of the stream flag: the backend only exposes them through the
// streaming surface.
func (s *Server) Messages(c *gin.Context) {
	started := time.Now()
	level := logging.ParseLevel(config.Runtime().Debug)

	body := readBody(c.Request.Body)
	if level.ClientEnabled() {
		logging.ClientRequest(c.Request.Method, c.Request.URL.Path, c.Request.Header, body)
	}

	var req claude.MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.claudeError(c, level, started, http.StatusBadRequest, msgParseRequestFailed)
		return
	}
	req.Model = config.MapClientModelID(req.Model)

	vreq, requestID, err := claude.ToVertexRequest(s.signatures, &req, &common.AccountContext{})
	if err != nil {
		s.claudeError(c, level, started, http.StatusBadRequest, err.Error())
		return
	}

	if req.Stream || util.IsClaude(req.Model) {
		s.claudeStream(c, level, started, &req, vreq, requestID)
		return
	}

	attempts := max(s.store.EnabledCount(), 1)
	used := make(map[string]struct{})
	var lastErr error
	capacityFailures := 0

	for attempt := 0; attempt < attempts; attempt++ {
		acc, errPick := s.store.GetTokenForModelExcluding(req.Model, s.pool, used)
		if errPick != nil {
			s.claudeError(c, level, started, http.StatusServiceUnavailable, errPick.Error())
			return
		}
		used[acc.SessionID] = struct{}{}

		payload := s.payloadFor(vreq, acc)
		endpoint := upstream.CurrentEndpoint()
		if level.BackendEnabled() {
			logging.BackendRequest(endpoint.UnaryURL(), payload)
		}

		respBody, errGen := s.upstream.GenerateContent(c.Request.Context(), endpoint, acc.AccessToken, payload, acc.Email)
		if errGen != nil {
			lastErr = errGen
			if capacityFailures, errPick = s.noteAttemptFailure(errGen, acc, capacityFailures); errPick != nil {
				break
			}
			continue
		}
		if level.BackendEnabled() {
			logging.BackendResponse(http.StatusOK, time.Since(started), respBody)
		}

		out, errMarshal := json.Marshal(claude.ToMessagesResponse(respBody, req.Model, requestID, s.signatures))
		if errMarshal != nil {
			s.claudeError(c, level, started, http.StatusInternalServerError, errMarshal.Error())
			return
		}
		if level.ClientEnabled() {
			logging.ClientResponse(http.StatusOK, time.Since(started), out)
		}
		c.Data(http.StatusOK, "application/json", out)
		return
	}

	status, msg := finalErrorResponse(lastErr, capacityFailures)
	s.claudeError(c, level, started, status, msg)
}

func (s *Server) claudeStream(c *gin.Context, level logging.Level, started time.Time, req *claude.MessagesRequest, vreq *vertex.Request, requestID string) {
	resp, capacityFailures, lastErr := s.openStreamWithRetry(c, level, req.Model, vreq)
	if resp == nil {
		status, msg := finalErrorResponse(lastErr, capacityFailures)
		s.claudeError(c, level, started, status, msg)
		return
	}
	defer resp.Body.Close()

	send := newSSESender(c)

	writer := claude.NewStreamWriter(requestID, req.Model)
	writer.SetLogEnabled(level.ClientEnabled() && !level.RawEnabled())

	var rawLogger func([]byte)
	if level.BackendEnabled() && level.RawEnabled() {
		rawLogger = logging.BackendStreamLine
	}

	result, err := upstream.ParseStream(resp.Body, func(data gjson.Result, _ []byte) error {
		if v := data.Get("response.usageMetadata.promptTokenCount"); v.Exists() {
			writer.SetInputTokens(int(v.Int()))
		}
		data.Get("response.candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
			events, saves := writer.ProcessPart(part)
			send.events(level, events)
			s.applyClaudeSaves(saves)
			return true
		})
		return nil
	}, false, rawLogger)
	if err != nil {
		var pe *upstream.StreamParseError
		if errors.As(err, &pe) && pe.Result != nil {
			result = pe.Result
		}
		log.WithField("request_id", requestID).Warnf("messages stream aborted: %v", err)
		send.events(level, claude.SSEErrorEvents(err.Error()))
		s.flushClientStreamLog(level, started, writer.TakeMergedEventsForLog())
		return
	}

	stopReason := "end_turn"
	if len(result.ToolCalls) > 0 {
		stopReason = "tool_use"
	}
	outputTokens := int(gjson.GetBytes(result.UsageRaw, "candidatesTokenCount").Int())
	outputTokens = max(outputTokens, 0)

	send.events(level, writer.Finish(outputTokens, stopReason))
	s.flushClientStreamLog(level, started, writer.TakeMergedEventsForLog())
}

func (s *Server) applyClaudeSaves(saves []claude.SignatureSave) {
	for _, sv := range saves {
		s.signatures.Save(sv.RequestID, sv.ToolCallID, sv.Signature, sv.Reasoning, sv.Model)
	}
}

func (s *Server) claudeError(c *gin.Context, level logging.Level, started time.Time, status int, msg string) {
	body, err := json.Marshal(gin.H{"type": "error", "error": gin.H{"type": "api_error", "message": msg}})
	if err != nil {
		body = []byte(`{"type":"error","error":{"type":"api_error","message":"internal error"}}`)
	}
	if level.ClientEnabled() {
		logging.ClientResponse(status, time.Since(started), body)
	}
	c.Data(status, "application/json", body)
}
