package plexus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ServiceEndpoint identifies one collaborator service that exposes tools.
type ServiceEndpoint struct {
	// Name is the service identity used in tool IDs ("tools-service").
	Name string
	// BaseURL is the service root ("http://tools-service:8080").
	BaseURL string
	// ListPath is the discovery endpoint ("/api/v1/tools/list").
	ListPath string
	// HealthPath is the availability probe endpoint ("/health").
	HealthPath string
	// Type is assigned to every tool discovered from this service.
	Type ToolType
}

// Defaults for the registry's background loops.
const (
	DefaultDiscoveryInterval   = 5 * time.Minute
	DefaultHealthProbeInterval = time.Minute
	defaultToolTimeout         = 15 * time.Second

	// serviceRemovalThreshold is how many successive failed probes a
	// service survives before its tools are removed.
	serviceRemovalThreshold = 2
)

// registryConfig accumulates RegistryOption values.
type registryConfig struct {
	services          []ServiceEndpoint
	discoveryInterval time.Duration
	probeInterval     time.Duration
	client            *http.Client
	logger            *slog.Logger
	tracer            Tracer
}

// RegistryOption configures a ToolRegistry.
type RegistryOption func(*registryConfig)

// WithServices sets the collaborator services the registry discovers from.
func WithServices(services ...ServiceEndpoint) RegistryOption {
	return func(c *registryConfig) { c.services = append(c.services, services...) }
}

// WithDiscoveryInterval sets the discovery refresh interval. Default: 5 min.
func WithDiscoveryInterval(d time.Duration) RegistryOption {
	return func(c *registryConfig) { c.discoveryInterval = d }
}

// WithProbeInterval sets the health probe interval. Default: 60 s.
func WithProbeInterval(d time.Duration) RegistryOption {
	return func(c *registryConfig) { c.probeInterval = d }
}

// WithHTTPClient overrides the HTTP client used for discovery, probes, and
// tool invocation. Default: 15 s timeout client.
func WithHTTPClient(client *http.Client) RegistryOption {
	return func(c *registryConfig) { c.client = client }
}

// WithRegistryLogger sets the structured logger. Default: no output.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(c *registryConfig) { c.logger = l }
}

// WithRegistryTracer sets the tracer for discovery and execution spans.
func WithRegistryTracer(t Tracer) RegistryOption {
	return func(c *registryConfig) { c.tracer = t }
}

// ToolRegistry is the in-memory set of tool definitions, kept fresh by a
// discovery loop and a health probe loop. Selection and execution are
// many-reader; the background loops are the single writer of indices.
type ToolRegistry struct {
	mu         sync.RWMutex
	tools      map[string]*ToolDef
	byCategory map[ToolCategory][]string // tool IDs, rebuild on registration
	byService  map[string][]string

	services     []ServiceEndpoint
	probeMisses  map[string]int // consecutive failed probes per service
	serviceAlive map[string]bool

	discoveryInterval time.Duration
	probeInterval     time.Duration

	client  *http.Client
	logger  *slog.Logger
	tracer  Tracer
	builtin map[string]builtinFunc
}

// NewToolRegistry creates a registry pre-loaded with the builtin tools
// (reasoning and calculator).
func NewToolRegistry(opts ...RegistryOption) *ToolRegistry {
	cfg := registryConfig{
		discoveryInterval: DefaultDiscoveryInterval,
		probeInterval:     DefaultHealthProbeInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.client == nil {
		cfg.client = &http.Client{Timeout: defaultToolTimeout}
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}

	r := &ToolRegistry{
		tools:        make(map[string]*ToolDef),
		byCategory:   make(map[ToolCategory][]string),
		byService:    make(map[string][]string),
		services:     cfg.services,
		probeMisses:  make(map[string]int),
		serviceAlive: make(map[string]bool),

		discoveryInterval: cfg.discoveryInterval,
		probeInterval:     cfg.probeInterval,
		client:            cfg.client,
		logger:            cfg.logger,
		tracer:            cfg.tracer,
		builtin:           make(map[string]builtinFunc),
	}
	for _, b := range builtinTools() {
		r.builtin[b.def.ID] = b.fn
		r.register(b.def)
	}
	return r
}

// Register upserts a tool definition, idempotent by tool ID. Identity fields
// of an existing tool are preserved; live flags and metadata are refreshed.
func (r *ToolRegistry) Register(def ToolDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.register(def)
}

// register upserts without locking. Caller holds the write lock.
func (r *ToolRegistry) register(def ToolDef) {
	if def.ID == "" {
		def.ID = ToolID(def.ServiceName, def.LocalName)
	}
	if def.Timeout <= 0 {
		def.Timeout = defaultToolTimeout
	}
	if existing, ok := r.tools[def.ID]; ok {
		// Keep rolling stats across re-discovery.
		def.TotalCalls = existing.TotalCalls
		def.SuccessRate = existing.SuccessRate
		def.AvgResponseTime = existing.AvgResponseTime
	} else if def.TotalCalls == 0 && def.SuccessRate == 0 {
		// A fresh tool has no history; start optimistic so ranking does
		// not starve it forever.
		def.SuccessRate = 1.0
	}
	r.tools[def.ID] = &def
	r.rebuildIndices()
}

// rebuildIndices recomputes category and service indices. Caller holds the
// write lock; readers always see a complete index.
func (r *ToolRegistry) rebuildIndices() {
	byCategory := make(map[ToolCategory][]string)
	byService := make(map[string][]string)
	for id, t := range r.tools {
		byCategory[t.Category] = append(byCategory[t.Category], id)
		byService[t.ServiceName] = append(byService[t.ServiceName], id)
	}
	r.byCategory = byCategory
	r.byService = byService
}

// Get returns a copy of a tool definition.
func (r *ToolRegistry) Get(toolID string) (ToolDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[toolID]
	if !ok {
		return ToolDef{}, false
	}
	return t.clone(), true
}

// All returns copies of every registered tool.
func (r *ToolRegistry) All() []ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SelectForAgent returns enabled and available tools filtered by categories
// and types (each filter applies only when non-empty), sorted by success
// rate descending then average response time ascending, truncated to
// maxTools. maxTools <= 0 means unbounded.
func (r *ToolRegistry) SelectForAgent(categories []ToolCategory, types []ToolType, maxTools int) []ToolDef {
	wantCat := make(map[ToolCategory]bool, len(categories))
	for _, c := range categories {
		wantCat[c] = true
	}
	wantType := make(map[ToolType]bool, len(types))
	for _, t := range types {
		wantType[t] = true
	}

	r.mu.RLock()
	var out []ToolDef
	for _, t := range r.tools {
		if !t.Usable() {
			continue
		}
		if len(wantCat) > 0 && !wantCat[t.Category] {
			continue
		}
		if len(wantType) > 0 && !wantType[t.Type] {
			continue
		}
		out = append(out, t.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SuccessRate != out[j].SuccessRate {
			return out[i].SuccessRate > out[j].SuccessRate
		}
		if out[i].AvgResponseTime != out[j].AvgResponseTime {
			return out[i].AvgResponseTime < out[j].AvgResponseTime
		}
		return out[i].ID < out[j].ID
	})

	if maxTools > 0 && len(out) > maxTools {
		out = out[:maxTools]
	}
	return out
}

// SchemasFor returns invocation schemas for the given tool IDs, preserving
// request order and silently skipping tools that are no longer usable.
func (r *ToolRegistry) SchemasFor(toolIDs []string) []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ToolSchema
	for _, id := range toolIDs {
		t, ok := r.tools[id]
		if !ok || !t.Usable() {
			continue
		}
		out = append(out, ToolSchema{
			ToolID:      t.ID,
			Name:        t.LocalName,
			Description: t.Description,
			Parameters:  t.Schema,
		})
	}
	return out
}

// --- Execution ---

// Execute runs a tool call. Builtin tools compute locally; everything else
// is forwarded to the owning service's endpoint path with the given timeout
// (the tool's own timeout when zero). Rolling stats are updated either way.
func (r *ToolRegistry) Execute(ctx context.Context, toolID, action string, params map[string]any, timeout time.Duration) (ToolExecution, error) {
	r.mu.RLock()
	t, ok := r.tools[toolID]
	if !ok || !t.Usable() {
		r.mu.RUnlock()
		return ToolExecution{}, &ErrToolUnavailable{ToolID: toolID}
	}
	def := t.clone()
	fn := r.builtin[toolID]
	r.mu.RUnlock()

	if timeout <= 0 {
		timeout = def.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var span Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "registry.execute",
			StringAttr("tool_id", toolID),
			StringAttr("action", action))
		defer span.End()
	}

	start := time.Now()
	var (
		exec ToolExecution
		err  error
	)
	if def.Type == ToolBuiltin && fn != nil {
		exec, err = fn(ctx, action, params)
	} else {
		exec, err = r.executeRemote(ctx, def, action, params)
	}
	elapsed := time.Since(start)
	exec.ToolID = toolID
	exec.Duration = elapsed

	r.recordExecution(toolID, err == nil, elapsed, err)

	if err != nil {
		if span != nil {
			span.Error(err)
		}
		return exec, &ErrUpstream{Op: "tool", Err: err}
	}
	return exec, nil
}

// executeRemote POSTs the call to the tool's service endpoint.
func (r *ToolRegistry) executeRemote(ctx context.Context, def ToolDef, action string, params map[string]any) (ToolExecution, error) {
	svc, ok := r.serviceFor(def.ServiceName)
	if !ok {
		return ToolExecution{}, fmt.Errorf("tool %s: unknown service %q", def.ID, def.ServiceName)
	}

	body, err := json.Marshal(map[string]any{
		"tool":   def.LocalName,
		"action": action,
		"params": params,
	})
	if err != nil {
		return ToolExecution{}, fmt.Errorf("tool %s: marshal params: %w", def.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, svc.BaseURL+def.EndpointPath, bytes.NewReader(body))
	if err != nil {
		return ToolExecution{}, fmt.Errorf("tool %s: build request: %w", def.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return ToolExecution{}, fmt.Errorf("tool %s: %w", def.ID, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ToolExecution{}, fmt.Errorf("tool %s: read response: %w", def.ID, err)
	}
	if resp.StatusCode >= 400 {
		return ToolExecution{}, &ServiceError{Service: def.ServiceName, Status: resp.StatusCode, Body: truncateStr(string(payload), 200)}
	}

	var parsed struct {
		Content string          `json:"content"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		// Non-JSON bodies pass through as raw content.
		return ToolExecution{Content: string(payload)}, nil
	}
	return ToolExecution{Content: parsed.Content, Raw: parsed.Result}, nil
}

// recordExecution folds one call outcome into the tool's stats. A
// service-level failure flips availability until the next successful probe.
func (r *ToolRegistry) recordExecution(toolID string, ok bool, elapsed time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, found := r.tools[toolID]
	if !found {
		return
	}
	t.recordCall(ok, elapsed)
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		t.Available = false
		t.HealthStatus = HealthUnhealthy
		r.logger.Warn("tool marked unavailable", "tool", toolID, "status", svcErr.Status)
	}
}

// AddService registers a collaborator service at runtime and reports
// whether it was new. Existing registrations are replaced in place.
func (r *ToolRegistry) AddService(svc ServiceEndpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.services {
		if s.Name == svc.Name {
			r.services[i] = svc
			return false
		}
	}
	r.services = append(r.services, svc)
	return true
}

// serviceFor finds the configured endpoint for a service name.
func (r *ToolRegistry) serviceFor(name string) (ServiceEndpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.services {
		if s.Name == name {
			return s, true
		}
	}
	return ServiceEndpoint{}, false
}

// serviceSnapshot copies the service list for lock-free iteration.
func (r *ToolRegistry) serviceSnapshot() []ServiceEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ServiceEndpoint(nil), r.services...)
}

// --- Discovery ---

// toolListResponse is the wire shape of a service's list endpoint.
type toolListResponse struct {
	Tools []struct {
		Name            string          `json:"name"`
		DisplayName     string          `json:"display_name"`
		Description     string          `json:"description"`
		Category        string          `json:"category"`
		Type            string          `json:"type,omitempty"` // defaults to the service's type
		Endpoint        string          `json:"endpoint"`
		Schema          json.RawMessage `json:"schema"`
		PermissionLevel string          `json:"permission_level"`
		RateLimit       int             `json:"rate_limit"`
		TimeoutMs       int             `json:"timeout_ms"`
		Enabled         *bool           `json:"enabled"`
	} `json:"tools"`
}

// DiscoverAll refreshes the registry from every configured service
// concurrently. Per-service failures are localized: they count a probe miss
// and never surface as an error from this method.
func (r *ToolRegistry) DiscoverAll(ctx context.Context) {
	services := r.serviceSnapshot()
	var span Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "registry.discover",
			IntAttr("services", len(services)))
		defer span.End()
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, svc := range services {
		g.Go(func() error {
			r.discoverService(ctx, svc)
			return nil
		})
	}
	_ = g.Wait()

	r.removeDeadServiceTools()
}

// discoverService fetches and upserts one service's tool list.
func (r *ToolRegistry) discoverService(ctx context.Context, svc ServiceEndpoint) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.BaseURL+svc.ListPath, nil)
	if err != nil {
		r.noteServiceFailure(svc.Name, err)
		return
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.noteServiceFailure(svc.Name, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		r.noteServiceFailure(svc.Name, &ServiceError{Service: svc.Name, Status: resp.StatusCode})
		return
	}

	var list toolListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		r.noteServiceFailure(svc.Name, fmt.Errorf("decode tool list: %w", err))
		return
	}

	r.noteServiceSuccess(svc.Name)

	for _, raw := range list.Tools {
		category, ok := ParseToolCategory(raw.Category)
		if !ok {
			r.logger.Warn("skipping tool with unknown category",
				"service", svc.Name, "tool", raw.Name, "category", raw.Category)
			continue
		}
		toolType := svc.Type
		if raw.Type != "" {
			t, ok := ParseToolType(raw.Type)
			if !ok {
				r.logger.Warn("skipping tool with unknown type",
					"service", svc.Name, "tool", raw.Name, "type", raw.Type)
				continue
			}
			toolType = t
		}
		enabled := true
		if raw.Enabled != nil {
			enabled = *raw.Enabled
		}
		timeout := defaultToolTimeout
		if raw.TimeoutMs > 0 {
			timeout = time.Duration(raw.TimeoutMs) * time.Millisecond
		}
		r.Register(ToolDef{
			ID:              ToolID(svc.Name, raw.Name),
			ServiceName:     svc.Name,
			LocalName:       raw.Name,
			DisplayName:     raw.DisplayName,
			Description:     raw.Description,
			Type:            toolType,
			Category:        category,
			EndpointPath:    raw.Endpoint,
			Schema:          raw.Schema,
			PermissionLevel: raw.PermissionLevel,
			RateLimit:       raw.RateLimit,
			Timeout:         timeout,
			Enabled:         enabled,
			Available:       true,
			HealthStatus:    HealthHealthy,
		})
	}
}

// ProbeAll checks every configured service's health path. A succeeding probe
// restores availability for the service's tools; failures accumulate toward
// removal.
func (r *ToolRegistry) ProbeAll(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for _, svc := range r.serviceSnapshot() {
		g.Go(func() error {
			r.probeService(ctx, svc)
			return nil
		})
	}
	_ = g.Wait()

	r.removeDeadServiceTools()
}

func (r *ToolRegistry) probeService(ctx context.Context, svc ServiceEndpoint) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.BaseURL+svc.HealthPath, nil)
	if err != nil {
		r.noteServiceFailure(svc.Name, err)
		return
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.noteServiceFailure(svc.Name, err)
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		r.noteServiceFailure(svc.Name, &ServiceError{Service: svc.Name, Status: resp.StatusCode})
		return
	}
	r.noteServiceSuccess(svc.Name)
}

// noteServiceSuccess resets the miss counter and restores availability of
// the service's tools.
func (r *ToolRegistry) noteServiceSuccess(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probeMisses[service] = 0
	r.serviceAlive[service] = true
	for _, id := range r.byService[service] {
		t := r.tools[id]
		t.Available = t.Enabled
		t.HealthStatus = HealthHealthy
	}
}

// noteServiceFailure bumps the miss counter and marks the service's tools
// unavailable. Never propagates the error.
func (r *ToolRegistry) noteServiceFailure(service string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probeMisses[service]++
	r.serviceAlive[service] = false
	for _, id := range r.byService[service] {
		t := r.tools[id]
		t.Available = false
		t.HealthStatus = HealthUnhealthy
	}
	r.logger.Warn("service probe failed",
		"service", service, "misses", r.probeMisses[service], "error", err)
}

// removeDeadServiceTools drops tools whose service has missed
// serviceRemovalThreshold successive probes.
func (r *ToolRegistry) removeDeadServiceTools() {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for service, misses := range r.probeMisses {
		if misses < serviceRemovalThreshold {
			continue
		}
		for _, id := range r.byService[service] {
			delete(r.tools, id)
			removed++
		}
	}
	if removed > 0 {
		r.rebuildIndices()
		r.logger.Info("removed tools from dead services", "count", removed)
	}
}

// Start runs the discovery and probe loops until ctx is cancelled. An
// initial discovery runs immediately.
func (r *ToolRegistry) Start(ctx context.Context) {
	r.DiscoverAll(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.discoveryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.DiscoverAll(ctx)
			}
		}
	}()
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.ProbeAll(ctx)
			}
		}
	}()
	wg.Wait()
}
