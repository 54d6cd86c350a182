package channel

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds all registered channel adapters. It must be created via
// NewRegistry and passed explicitly to components that need it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[ChannelType]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: map[ChannelType]Adapter{},
	}
}

// Register adds an adapter to the registry.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	ct := normalizeChannelType(adapter.Type().String())
	if ct == "" {
		return fmt.Errorf("channel type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[ct]; exists {
		return fmt.Errorf("channel type already registered: %s", ct)
	}
	r.adapters[ct] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given channel type.
func (r *Registry) Get(channelType ChannelType) (Adapter, bool) {
	ct := normalizeChannelType(channelType.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[ct]
	return adapter, ok
}

// List returns all registered adapters ordered by channel type.
func (r *Registry) List() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		items = append(items, a)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Type() < items[j].Type() })
	return items
}

// Types returns all registered channel types.
func (r *Registry) Types() []ChannelType {
	adapters := r.List()
	items := make([]ChannelType, 0, len(adapters))
	for _, a := range adapters {
		items = append(items, normalizeChannelType(a.Type().String()))
	}
	return items
}

// ParseChannelType validates and normalizes a raw string into a registered ChannelType.
func (r *Registry) ParseChannelType(raw string) (ChannelType, error) {
	ct := normalizeChannelType(raw)
	if ct == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, raw)
	}
	if _, ok := r.Get(ct); !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, raw)
	}
	return ct, nil
}

// --- Descriptor accessors ---

// GetDescriptor returns the descriptor for the given channel type.
func (r *Registry) GetDescriptor(channelType ChannelType) (Descriptor, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return Descriptor{}, false
	}
	return adapter.Descriptor(), true
}

// GetOutboundPolicy returns the normalized outbound policy for the given channel type.
func (r *Registry) GetOutboundPolicy(channelType ChannelType) (OutboundPolicy, bool) {
	desc, ok := r.GetDescriptor(channelType)
	if !ok {
		return NormalizeOutboundPolicy(OutboundPolicy{}), false
	}
	return NormalizeOutboundPolicy(desc.OutboundPolicy), true
}

// --- Optional interface accessors ---

// GetSender returns the Sender for the given channel type, or nil if unsupported.
func (r *Registry) GetSender(channelType ChannelType) (Sender, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	sender, ok := adapter.(Sender)
	return sender, ok
}

// GetHandshaker returns the Handshaker for the given channel type, or nil if unsupported.
func (r *Registry) GetHandshaker(channelType ChannelType) (Handshaker, bool) {
	adapter, ok := r.Get(channelType)
	if !ok {
		return nil, false
	}
	h, ok := adapter.(Handshaker)
	return h, ok
}

// AttachmentAuthorizerFor returns the first adapter that owns rawURL.
func (r *Registry) AttachmentAuthorizerFor(rawURL string) (AttachmentAuthorizer, bool) {
	for _, adapter := range r.List() {
		authz, ok := adapter.(AttachmentAuthorizer)
		if ok && authz.OwnsAttachment(rawURL) {
			return authz, true
		}
	}
	return nil, false
}

func normalizeChannelType(raw string) ChannelType {
	normalized := strings.TrimSpace(strings.ToLower(raw))
	if normalized == "" {
		return ""
	}
	return ChannelType(normalized)
}

// NormalizeChannelType lowercases and trims a raw channel name.
func NormalizeChannelType(raw string) ChannelType {
	return normalizeChannelType(raw)
}
