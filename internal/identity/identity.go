// Package identity supplies the request envelope (who is calling) and
// persists the global fields the server pushes back in every response.
package identity

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/sdk-runtime/internal/logging"
	"github.com/ChuLiYu/sdk-runtime/internal/store"
	"github.com/ChuLiYu/sdk-runtime/internal/webservice"
	"github.com/google/uuid"
)

// SDKVersion is reported in every request header.
const SDKVersion = "1.4.0"

// Provider implements webservice.EnvelopeSource and
// webservice.EnvelopeApplier on top of the durable store.
type Provider struct {
	store      store.Store
	appVersion string
	log        *slog.Logger

	mu             sync.RWMutex
	apiKey         string
	installationID string
	sessionID      func() string
}

var (
	_ webservice.EnvelopeSource  = (*Provider)(nil)
	_ webservice.EnvelopeApplier = (*Provider)(nil)
)

// NewProvider creates a provider and makes sure an installation id exists.
func NewProvider(st store.Store, apiKey, appVersion string, log *slog.Logger) (*Provider, error) {
	p := &Provider{
		store:      st,
		apiKey:     apiKey,
		appVersion: appVersion,
		log:        logging.Or(log),
		sessionID:  func() string { return "" },
	}

	id, ok, err := st.Get(store.KeyInstallationID)
	if err != nil {
		return nil, fmt.Errorf("identity: read installation id: %w", err)
	}
	if !ok || id == "" {
		id = uuid.NewString()
		if err := st.Set(store.KeyInstallationID, id); err != nil {
			return nil, fmt.Errorf("identity: persist installation id: %w", err)
		}
		p.log.Info("Generated installation id", "installation_id", id)
	}
	p.installationID = id
	return p, nil
}

// APIKey implements webservice.EnvelopeSource.
func (p *Provider) APIKey() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.apiKey
}

// SetAPIKey replaces the key used by later requests.
func (p *Provider) SetAPIKey(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.apiKey = key
}

// InstallationID returns the locally generated installation id.
func (p *Provider) InstallationID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.installationID
}

// BindSession makes the envelope carry the current session id.
func (p *Provider) BindSession(fn func() string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionID = fn
}

// Envelope implements webservice.EnvelopeSource.
func (p *Provider) Envelope() map[string]any {
	p.mu.RLock()
	sessionFn := p.sessionID
	header := map[string]any{
		"installationId": p.installationID,
		"appVersion":     p.appVersion,
		"sdkVersion":     SDKVersion,
	}
	p.mu.RUnlock()

	if sid := sessionFn(); sid != "" {
		header["sessionId"] = sid
	}
	if serverID, ok, err := p.store.Get(store.KeyServerInstallationID); err == nil && ok {
		header["serverInstallationId"] = serverID
	}
	return header
}

// ApplyEnvelope implements webservice.EnvelopeApplier.
func (p *Provider) ApplyEnvelope(g webservice.GlobalFields) error {
	for name, v := range g.Parameters {
		if err := p.store.Set(store.ServerParamPrefix+name, fmt.Sprint(v)); err != nil {
			return fmt.Errorf("identity: store parameter %s: %w", name, err)
		}
	}
	if g.InstallationID != "" {
		if err := p.store.Set(store.KeyServerInstallationID, g.InstallationID); err != nil {
			return fmt.Errorf("identity: store server installation id: %w", err)
		}
	}
	if len(g.Parameters) > 0 {
		p.log.Debug("Applied server parameters", "count", len(g.Parameters))
	}
	return nil
}
