// Package gateway routes inbound completion requests: virtual model names
// resolve to an ordered fallback chain, each hop's request is rewritten into
// the target provider's wire format, and failing responses walk the chain
// forward until an entry serves or the chain is exhausted.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/warden-sh/proxy-warden/internal/convert"
	"github.com/warden-sh/proxy-warden/internal/db"
	"github.com/warden-sh/proxy-warden/internal/db/models"
	"github.com/warden-sh/proxy-warden/internal/proxyerr"
	"github.com/warden-sh/proxy-warden/internal/routecache"
	"github.com/warden-sh/proxy-warden/internal/util"
	"gorm.io/gorm"
)

// Upstream locates the wrapped proxy instance.
type Upstream interface {
	Endpoint() string
}

// Result is the upstream response handed back to the HTTP layer. On chain
// exhaustion it carries the last failing response verbatim alongside the
// error.
type Result struct {
	StatusCode  int
	Body        []byte
	ContentType string

	Passthrough bool
	EntryIndex  int
	Provider    string
	ModelID     string
}

// Gateway dispatches completion requests through the fallback chain.
type Gateway struct {
	database *gorm.DB
	cache    *routecache.Store
	upstream Upstream
	client   *http.Client
}

// New creates a gateway backed by the given configuration store, route cache,
// and upstream locator.
func New(database *gorm.DB, cache *routecache.Store, upstream Upstream) *Gateway {
	return &Gateway{
		database: database,
		cache:    cache,
		upstream: upstream,
		client:   &http.Client{Timeout: 5 * time.Minute},
	}
}

// Dispatch routes one completion request. model is the name the client asked
// for; sourceFormat is the wire format of the inbound body. Requests naming
// a real (non-virtual) model, or arriving while fallback is disabled, pass
// through unmodified.
func (g *Gateway) Dispatch(ctx context.Context, model string, body map[string]interface{}, sourceFormat convert.Format) (*Result, error) {
	vm := g.lookupVirtualModel(model)
	if vm == nil {
		return g.passthrough(ctx, model, body, sourceFormat)
	}
	if len(vm.Entries) == 0 {
		return nil, &proxyerr.Error{
			Code:       proxyerr.CodeFallbackExhausted,
			Message:    fmt.Sprintf("virtual model %s has no fallback entries", vm.Name),
			EntryIndex: -1,
		}
	}

	start := g.startIndex(vm)

	var lastResult *Result
	for i := start; i < len(vm.Entries); i++ {
		entry := vm.Entries[i]
		target := convert.FormatForProvider(entry.Provider)

		reqBody := convert.Clone(body)
		reqBody["model"] = entry.ModelID
		reqBody = convert.ConvertRequest(reqBody, sourceFormat, target)

		res, err := g.forward(ctx, target, entry.ModelID, reqBody)
		if err != nil {
			log.Printf("⚠️ Entry %d (%s/%s) unreachable: %v", i, entry.Provider, entry.ModelID, err)
			lastResult = &Result{
				StatusCode:  http.StatusBadGateway,
				Body:        []byte(fmt.Sprintf(`{"error":{"message":%q}}`, err.Error())),
				ContentType: "application/json",
				EntryIndex:  i,
				Provider:    entry.Provider,
				ModelID:     entry.ModelID,
			}
			continue
		}
		res.EntryIndex = i
		res.Provider = entry.Provider
		res.ModelID = entry.ModelID

		if !convert.ResponseIndicatesFailure(res.StatusCode, res.Body) {
			g.recordSuccess(vm, i, entry)
			return res, nil
		}

		log.Printf("🔁 Entry %d (%s/%s) failed with %d: %s",
			i, entry.Provider, entry.ModelID, res.StatusCode, util.TruncateBytes(res.Body))
		lastResult = res
	}

	// The chain never wraps: a failure on the last entry ends the request,
	// and the caller gets that upstream response verbatim. The cache is left
	// alone; the next request repeats the search until the chain changes or
	// an entry succeeds.
	return lastResult, &proxyerr.Error{
		Code:       proxyerr.CodeFallbackExhausted,
		Message:    fmt.Sprintf("all %d fallback entries for %s failed", len(vm.Entries), vm.Name),
		EntryIndex: lastResult.EntryIndex,
		HTTPStatus: lastResult.StatusCode,
	}
}

// lookupVirtualModel returns the enabled virtual model for the requested
// name, or nil when the request should pass through untouched.
func (g *Gateway) lookupVirtualModel(model string) *models.VirtualModel {
	if !db.IsFallbackEnabled(g.database) {
		return nil
	}
	vm, err := db.FindVirtualModelByName(g.database, model)
	if err != nil || vm == nil || !vm.IsEnabled {
		return nil
	}
	return vm
}

// startIndex maps the cached entry id back to its position in the chain. A
// missing or stale cache entry, or an id that no longer exists after an edit,
// restarts from the preferred target.
func (g *Gateway) startIndex(vm *models.VirtualModel) int {
	cached, ok := g.cache.GetCachedEntryID(vm.Name)
	if !ok {
		return 0
	}
	for i, entry := range vm.Entries {
		if id, err := uuid.Parse(entry.ID); err == nil && id == cached {
			return i
		}
	}
	return 0
}

func (g *Gateway) recordSuccess(vm *models.VirtualModel, index int, entry models.FallbackEntry) {
	if id, err := uuid.Parse(entry.ID); err == nil {
		g.cache.SetCachedEntryID(vm.Name, id)
	}
	g.cache.SetRouteState(routecache.RouteState{
		VirtualModelName:  vm.Name,
		CurrentEntryIndex: index,
		CurrentEntryID:    entry.ID,
		Provider:          entry.Provider,
		ModelID:           entry.ModelID,
		TotalEntries:      len(vm.Entries),
	})
}

// passthrough forwards the request to the wrapped instance without touching
// the body.
func (g *Gateway) passthrough(ctx context.Context, model string, body map[string]interface{}, sourceFormat convert.Format) (*Result, error) {
	res, err := g.forward(ctx, sourceFormat, model, body)
	if err != nil {
		return nil, err
	}
	res.Passthrough = true
	res.EntryIndex = -1
	return res, nil
}

// forward posts the body to the wrapped instance on the provider-family path
// for the target format and reads the response whole.
func (g *Gateway) forward(ctx context.Context, target convert.Format, model string, body map[string]interface{}) (*Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.upstream.Endpoint()+providerPath(target, model), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Result{
		StatusCode:  resp.StatusCode,
		Body:        respBody,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// providerPath is the wrapped instance's endpoint for each provider family.
func providerPath(target convert.Format, model string) string {
	switch target {
	case convert.FormatAnthropic:
		return "/v1/messages"
	case convert.FormatGoogle:
		return "/v1beta/models/" + url.PathEscape(model) + ":generateContent"
	default:
		return "/v1/chat/completions"
	}
}
