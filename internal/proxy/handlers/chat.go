package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/warden-sh/proxy-warden/internal/convert"
	"github.com/warden-sh/proxy-warden/internal/gateway"
	"github.com/warden-sh/proxy-warden/internal/logging"
	"github.com/warden-sh/proxy-warden/internal/proxyerr"
	"github.com/warden-sh/proxy-warden/internal/util"
)

// GetOrGenerateRequestID retrieves X-Request-ID from the header or generates
// a fresh one.
func GetOrGenerateRequestID(r *http.Request) string {
	if requestID := r.Header.Get("X-Request-ID"); requestID != "" {
		return requestID
	}
	return logging.GenerateRequestID()
}

// OpenAIChatHandler serves POST /v1/chat/completions.
func OpenAIChatHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dispatch(gw, w, r, convert.FormatOpenAI, "")
	}
}

// ClaudeMessagesHandler serves POST /anthropic/v1/messages.
func ClaudeMessagesHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dispatch(gw, w, r, convert.FormatAnthropic, "")
	}
}

// GenAIHandler serves POST /genai/v1beta/models/{model}:generateContent. The
// chi route param carries "{model}:generateContent", so the action suffix is
// stripped here.
func GenAIHandler(gw *gateway.Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		model := chi.URLParam(r, "model")
		if i := strings.IndexByte(model, ':'); i >= 0 {
			model = model[:i]
		}
		dispatch(gw, w, r, convert.FormatGoogle, model)
	}
}

// dispatch decodes the request body, resolves the model name, and routes
// through the gateway. On chain exhaustion the last upstream failure is
// written back verbatim.
func dispatch(gw *gateway.Gateway, w http.ResponseWriter, r *http.Request, source convert.Format, modelOverride string) {
	requestID := GetOrGenerateRequestID(r)
	ctx := logging.WithRequestID(r.Context(), requestID)

	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	model := modelOverride
	if model == "" {
		model, _ = body["model"].(string)
	}
	if model == "" {
		http.Error(w, `{"error": "model is required"}`, http.StatusBadRequest)
		return
	}

	if util.IsVerbose() {
		log.Printf("[%s] 📥 %s request for model %s", requestID, source, model)
	}

	res, err := gw.Dispatch(ctx, model, body, source)
	if err != nil {
		var perr *proxyerr.Error
		if errors.As(err, &perr) && perr.Code == proxyerr.CodeFallbackExhausted && res != nil {
			log.Printf("[%s] ❌ %v", requestID, perr)
			writeResult(w, requestID, res)
			return
		}
		log.Printf("[%s] ❌ Dispatch failed: %v", requestID, err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{"message": err.Error()},
		})
		return
	}

	if util.IsVerbose() && !res.Passthrough {
		log.Printf("[%s] 📤 Served by entry %d (%s/%s) with %d",
			requestID, res.EntryIndex, res.Provider, res.ModelID, res.StatusCode)
	}
	writeResult(w, requestID, res)
}

func writeResult(w http.ResponseWriter, requestID string, res *gateway.Result) {
	contentType := res.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(res.StatusCode)
	w.Write(res.Body)
}
