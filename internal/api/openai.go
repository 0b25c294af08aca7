package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/ant2api/ant2api/internal/config"
	"github.com/ant2api/ant2api/internal/credential"
	"github.com/ant2api/ant2api/internal/logging"
	"github.com/ant2api/ant2api/internal/translator/common"
	"github.com/ant2api/ant2api/internal/translator/openai"
	"github.com/ant2api/ant2api/internal/upstream"
	"github.com/ant2api/ant2api/internal/util"
	"github.com/ant2api/ant2api/internal/vertex"
)

// ChatCompletions serves POST /v1/chat/completions in both unary and SSE
// form, rotating credentials on retryable upstream failures.
func (s *Server) ChatCompletions(c *gin.Context) {
	started := time.Now()
	level := logging.ParseLevel(config.Runtime().Debug)

	body := readBody(c.Request.Body)
	if level.ClientEnabled() {
		logging.ClientRequest(c.Request.Method, c.Request.URL.Path, c.Request.Header, body)
	}

	var req openai.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.openaiError(c, level, started, http.StatusBadRequest, msgParseRequestFailed)
		return
	}
	req.Model = config.MapClientModelID(req.Model)

	vreq, requestID := openai.ToVertexRequest(s.signatures, &req, &common.AccountContext{})

	if req.Stream {
		s.openaiStream(c, level, started, &req, vreq, requestID)
		return
	}

	attempts := max(s.store.EnabledCount(), 1)
	used := make(map[string]struct{})
	var lastErr error
	capacityFailures := 0

	for attempt := 0; attempt < attempts; attempt++ {
		acc, err := s.store.GetTokenForModelExcluding(req.Model, s.pool, used)
		if err != nil {
			s.openaiError(c, level, started, http.StatusServiceUnavailable, err.Error())
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
			if capacityFailures, err = s.noteAttemptFailure(errGen, acc, capacityFailures); err != nil {
				break
			}
			continue
		}
		if level.BackendEnabled() {
			logging.BackendResponse(http.StatusOK, time.Since(started), respBody)
		}

		completion := openai.ToChatCompletion(respBody, req.Model, requestID, s.signatures)
		out, errMarshal := json.Marshal(completion)
		if errMarshal != nil {
			s.openaiError(c, level, started, http.StatusInternalServerError, errMarshal.Error())
			return
		}
		if level.ClientEnabled() {
			logging.ClientResponse(http.StatusOK, time.Since(started), out)
		}
		c.Data(http.StatusOK, "application/json", out)
		return
	}

	status, msg := finalErrorResponse(lastErr, capacityFailures)
	s.openaiError(c, level, started, status, msg)
}

func (s *Server) openaiStream(c *gin.Context, level logging.Level, started time.Time, req *openai.ChatRequest, vreq *vertex.Request, requestID string) {
	resp, capacityFailures, lastErr := s.openStreamWithRetry(c, level, req.Model, vreq)
	if resp == nil {
		status, msg := finalErrorResponse(lastErr, capacityFailures)
		s.openaiError(c, level, started, status, msg)
		return
	}
	defer resp.Body.Close()

	send := newSSESender(c)

	mergedLog := level.ClientEnabled() && !level.RawEnabled()
	writer := openai.NewStreamWriter(util.ChatCompletionID(), started.Unix(), req.Model, requestID, mergedLog)

	var rawLogger func([]byte)
	if level.BackendEnabled() && level.RawEnabled() {
		rawLogger = logging.BackendStreamLine
	}

	result, err := upstream.ParseStream(resp.Body, func(data gjson.Result, _ []byte) error {
		data.Get("response.candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
			events, saves := writer.ProcessPart(part)
			send.data(level, events)
			s.applyOpenAISaves(saves)
			return true
		})
		if fr := data.Get("response.candidates.0.finishReason").String(); fr != "" {
			send.data(level, writer.FlushToolCalls())
		}
		return nil
	}, false, rawLogger)
	if err != nil {
		var pe *upstream.StreamParseError
		if errors.As(err, &pe) && pe.Result != nil {
			result = pe.Result
		}
		log.WithField("request_id", requestID).Warnf("chat completions stream aborted: %v", err)
		send.data(level, openai.SSEErrorEvents(err.Error()))
		s.flushClientStreamLog(level, started, writer.TakeMergedEventsForLog())
		return
	}

	finishReason := result.FinishReason
	if finishReason == "" {
		finishReason = "stop"
	}
	usage := openai.ConvertUsage(gjson.ParseBytes(result.UsageRaw))
	send.data(level, writer.FinishEvents(finishReason, usage))
	s.flushClientStreamLog(level, started, writer.TakeMergedEventsForLog())
}

// openStreamWithRetry rotates credentials until a streaming response is
// established or the retry budget runs out.
func (s *Server) openStreamWithRetry(c *gin.Context, level logging.Level, model string, vreq *vertex.Request) (*http.Response, int, error) {
	ctx := drainContext(c)
	attempts := max(s.store.EnabledCount(), 1)
	used := make(map[string]struct{})
	var lastErr error
	capacityFailures := 0

	for attempt := 0; attempt < attempts; attempt++ {
		acc, err := s.store.GetTokenForModelExcluding(model, s.pool, used)
		if err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return nil, capacityFailures, lastErr
		}
		used[acc.SessionID] = struct{}{}

		payload := s.payloadFor(vreq, acc)
		endpoint := upstream.CurrentEndpoint()
		if level.BackendEnabled() {
			logging.BackendRequest(endpoint.StreamURL(), payload)
		}

		resp, errStream := s.upstream.GenerateContentStream(ctx, endpoint, acc.AccessToken, payload, acc.Email)
		if errStream != nil {
			lastErr = errStream
			if capacityFailures, err = s.noteAttemptFailure(errStream, acc, capacityFailures); err != nil {
				break
			}
			continue
		}
		return resp, capacityFailures, nil
	}
	return nil, capacityFailures, lastErr
}

// noteAttemptFailure updates the retry bookkeeping for one failed attempt.
// The returned error is non-nil when rotation should stop.
func (s *Server) noteAttemptFailure(attemptErr error, acc credential.Account, capacityFailures int) (int, error) {
	if upstream.IsAuthFailure(attemptErr) {
		s.store.TriggerBackgroundRefresh(acc.SessionID)
	}
	if upstream.IsModelCapacityExhausted(attemptErr) {
		capacityFailures++
	} else {
		capacityFailures = 0
	}
	if capacityFailures >= modelCapacityExhaustedMaxRetries || !shouldRetryWithNextToken(attemptErr) {
		return capacityFailures, attemptErr
	}
	log.WithFields(log.Fields{"email": acc.Email, "error": attemptErr}).Warn("api: rotating to next credential")
	return capacityFailures, nil
}

// payloadFor stamps the account's project and session onto the shared
// request envelope and marshals it.
func (s *Server) payloadFor(vreq *vertex.Request, acc credential.Account) []byte {
	vreq.Project = strings.TrimSpace(acc.ProjectID)
	if vreq.Project == "" {
		vreq.Project = util.ProjectID()
	}
	vreq.Request.SessionID = acc.SessionID
	payload, err := json.Marshal(vreq)
	if err != nil {
		log.Errorf("api: marshal backend request: %v", err)
		return nil
	}
	return payload
}

func (s *Server) applyOpenAISaves(saves []openai.SignatureSave) {
	for _, sv := range saves {
		if sv.IsImageKey {
			s.signatures.SaveImageKey(sv.RequestID, sv.ToolCallID, sv.Signature, sv.Reasoning, sv.Model)
		} else {
			s.signatures.Save(sv.RequestID, sv.ToolCallID, sv.Signature, sv.Reasoning, sv.Model)
		}
	}
}

func (s *Server) flushClientStreamLog(level logging.Level, started time.Time, merged []json.RawMessage) {
	if !level.ClientEnabled() || level.RawEnabled() || len(merged) == 0 {
		return
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return
	}
	logging.ClientResponse(http.StatusOK, time.Since(started), out)
}

func (s *Server) openaiError(c *gin.Context, level logging.Level, started time.Time, status int, msg string) {
	body, err := json.Marshal(gin.H{"error": gin.H{"message": msg, "type": "server_error"}})
	if err != nil {
		body = []byte(`{"error":{"message":"internal error","type":"server_error"}}`)
	}
	if level.ClientEnabled() {
		logging.ClientResponse(status, time.Since(started), body)
	}
	c.Data(status, "application/json", body)
}

// ListModels serves GET /v1/models in the OpenAI list format. Selection uses
// plain round-robin: quota grouping is per-model and does not apply here.
func (s *Server) ListModels(c *gin.Context) {
	attempts := max(s.store.EnabledCount(), 1)
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		acc, err := s.store.GetToken()
		if err != nil {
			lastErr = err
			break
		}
		projectID := strings.TrimSpace(acc.ProjectID)
		if projectID == "" {
			projectID = util.ProjectID()
		}

		body, errFetch := s.upstream.FetchAvailableModels(c.Request.Context(), upstream.CurrentEndpoint(), projectID, acc.AccessToken, acc.Email)
		if errFetch != nil {
			lastErr = errFetch
			if upstream.IsAuthFailure(errFetch) {
				s.store.TriggerBackgroundRefresh(acc.SessionID)
			}
			if shouldRetryWithNextToken(errFetch) {
				continue
			}
			break
		}

		c.JSON(http.StatusOK, openai.ToModelsResponse(modelIDSet(body)))
		return
	}

	status, msg := finalErrorResponse(lastErr, 0)
	c.JSON(status, gin.H{"error": gin.H{"message": msg, "type": "server_error"}})
}

// modelIDSet extracts the servable model ids from a fetchAvailableModels
// response body.
func modelIDSet(body []byte) map[string]struct{} {
	ids := make(map[string]struct{})
	gjson.GetBytes(body, "models").ForEach(func(key, _ gjson.Result) bool {
		if id := strings.TrimSpace(key.String()); id != "" {
			ids[id] = struct{}{}
		}
		return true
	})
	return ids
}
