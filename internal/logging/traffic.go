package logging

import (
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

// ClientRequest logs a client request summary block.
func ClientRequest(method, path string, header http.Header, body []byte) {
	var sb strings.Builder
	sb.WriteString("===== CLIENT REQUEST =====\n")
	sb.WriteString(method)
	sb.WriteString(" ")
	sb.WriteString(path)
	sb.WriteString("\n")
	writeHeaders(&sb, header)
	if len(body) > 0 {
		sb.Write(formatJSON(body))
	}
	log.Info(sb.String())
}

// ClientResponse logs a client response summary with elapsed time.
func ClientResponse(status int, elapsed time.Duration, body []byte) {
	var sb strings.Builder
	sb.WriteString("===== CLIENT RESPONSE =====\n")
	sb.WriteString(http.StatusText(status))
	sb.WriteString(" (")
	sb.WriteString(elapsed.Round(time.Millisecond).String())
	sb.WriteString(")\n")
	if len(body) > 0 {
		sb.Write(formatJSON(body))
	}
	log.Info(sb.String())
}

// ClientStreamEvent logs a single SSE event forwarded to the client.
func ClientStreamEvent(event, data string) {
	if event != "" {
		log.Infof("client <- event: %s data: %s", event, data)
	} else {
		log.Infof("client <- data: %s", data)
	}
}

// BackendRequest logs the upstream request payload.
func BackendRequest(url string, body []byte) {
	var sb strings.Builder
	sb.WriteString("===== BACKEND REQUEST =====\n")
	sb.WriteString(url)
	sb.WriteString("\n")
	if len(body) > 0 {
		sb.Write(formatJSON(body))
	}
	log.Info(sb.String())
}

// BackendResponse logs the upstream response payload.
func BackendResponse(status int, elapsed time.Duration, body []byte) {
	var sb strings.Builder
	sb.WriteString("===== BACKEND RESPONSE =====\n")
	sb.WriteString(http.StatusText(status))
	sb.WriteString(" (")
	sb.WriteString(elapsed.Round(time.Millisecond).String())
	sb.WriteString(")\n")
	if len(body) > 0 {
		sb.Write(formatJSON(body))
	}
	log.Info(sb.String())
}

// BackendStreamLine logs one raw SSE line from the upstream.
func BackendStreamLine(line []byte) {
	log.Infof("backend <- %s", string(line))
}

func writeHeaders(sb *strings.Builder, header http.Header) {
	for k, vs := range header {
		// Never log credentials.
		if strings.EqualFold(k, "Authorization") || strings.EqualFold(k, "X-Api-Key") {
			sb.WriteString(k)
			sb.WriteString(": [redacted]\n")
			continue
		}
		for _, v := range vs {
			sb.WriteString(k)
			sb.WriteString(": ")
			sb.WriteString(v)
			sb.WriteString("\n")
		}
	}
}

func formatJSON(body []byte) []byte {
	if !gjson.ValidBytes(body) {
		return body
	}
	return pretty.Pretty(body)
}
