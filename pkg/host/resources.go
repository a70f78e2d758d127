package host

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MegaGrindStone/go-mcp-agent/pkg/mcp"
)

const (
	resourceCacheLimit = 50
	resourceCacheTTL   = 5 * time.Minute
)

// Subscription records a live resource subscription on one server.
type Subscription struct {
	URI          string
	Server       string
	SubscribedAt time.Time
	UpdatedAt    time.Time
}

// Attachment is a resource a user attached to the conversation. Contents
// load asynchronously; Loading stays true until the fetch settles.
type Attachment struct {
	ID       string
	Server   string
	Resource mcp.Resource
	Contents []mcp.ResourceContents
	Loading  bool
	Err      error
}

type cacheEntry struct {
	server     string
	contents   []mcp.ResourceContents
	fetchedAt  time.Time
	subscribed bool
}

// resourceManager caches resource contents and tracks subscriptions and
// attachments. The cache is bounded FIFO by insertion order: overwriting an
// entry refreshes its contents but keeps its original position, and when
// the bound is exceeded the oldest insertion is evicted whether or not it
// is subscribed. Reads treat unsubscribed entries older than the TTL as
// misses; subscribed entries never go stale because updates invalidate
// them explicitly.
type resourceManager struct {
	clock func() time.Time

	mu            sync.Mutex
	cache         map[string]*cacheEntry
	order         []string
	subscriptions map[string]*Subscription
	attachments   map[string]*Attachment
	attachOrder   []string
}

func newResourceManager(clock func() time.Time) *resourceManager {
	return &resourceManager{
		clock:         clock,
		cache:         make(map[string]*cacheEntry),
		subscriptions: make(map[string]*Subscription),
		attachments:   make(map[string]*Attachment),
	}
}

func (m *resourceManager) put(uri, server string, contents []mcp.ResourceContents) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.cache[uri]; ok {
		entry.server = server
		entry.contents = contents
		entry.fetchedAt = m.clock()
		return
	}

	_, subscribed := m.subscriptions[uri]
	m.cache[uri] = &cacheEntry{
		server:     server,
		contents:   contents,
		fetchedAt:  m.clock(),
		subscribed: subscribed,
	}
	m.order = append(m.order, uri)

	for len(m.order) > resourceCacheLimit {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.cache, oldest)
	}
}

func (m *resourceManager) get(uri string) ([]mcp.ResourceContents, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.cache[uri]
	if !ok {
		return nil, false
	}
	if !entry.subscribed && m.clock().Sub(entry.fetchedAt) > resourceCacheTTL {
		return nil, false
	}
	contents := make([]mcp.ResourceContents, len(entry.contents))
	copy(contents, entry.contents)
	return contents, true
}

func (m *resourceManager) invalidate(uri string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cache[uri]; !ok {
		return
	}
	delete(m.cache, uri)
	for i, cached := range m.order {
		if cached == uri {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *resourceManager) subscribe(uri, server string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subscriptions[uri] = &Subscription{
		URI:          uri,
		Server:       server,
		SubscribedAt: now,
	}
	if entry, ok := m.cache[uri]; ok {
		entry.subscribed = true
	}
}

func (m *resourceManager) unsubscribe(uri string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.subscriptions, uri)
	if entry, ok := m.cache[uri]; ok {
		entry.subscribed = false
	}
}

func (m *resourceManager) markUpdated(uri string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sub, ok := m.subscriptions[uri]; ok {
		sub.UpdatedAt = now
	}
}

func (m *resourceManager) subscriptionList() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := make([]Subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		subs = append(subs, *sub)
	}
	return subs
}

func (m *resourceManager) attach(id, server string, resource mcp.Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attachments[id] = &Attachment{
		ID:       id,
		Server:   server,
		Resource: resource,
		Loading:  true,
	}
	m.attachOrder = append(m.attachOrder, id)
}

// finishAttachment settles a pending attachment. Attachments removed while
// their fetch was in flight are dropped silently.
func (m *resourceManager) finishAttachment(id string, contents []mcp.ResourceContents, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attachment, ok := m.attachments[id]
	if !ok {
		return
	}
	attachment.Contents = contents
	attachment.Err = err
	attachment.Loading = false
}

func (m *resourceManager) attachment(id string) (Attachment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attachment, ok := m.attachments[id]
	if !ok {
		return Attachment{}, false
	}
	return *attachment, true
}

func (m *resourceManager) attachmentList() []Attachment {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := make([]Attachment, 0, len(m.attachOrder))
	for _, id := range m.attachOrder {
		if attachment, ok := m.attachments[id]; ok {
			list = append(list, *attachment)
		}
	}
	return list
}

func (m *resourceManager) removeAttachment(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.attachments[id]; !ok {
		return
	}
	delete(m.attachments, id)
	for i, pending := range m.attachOrder {
		if pending == id {
			m.attachOrder = append(m.attachOrder[:i], m.attachOrder[i+1:]...)
			break
		}
	}
}

// takeAttachments removes and returns every attachment, pending ones
// included. Callers consume attachments exactly once per message send.
func (m *resourceManager) takeAttachments() []Attachment {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := make([]Attachment, 0, len(m.attachOrder))
	for _, id := range m.attachOrder {
		if attachment, ok := m.attachments[id]; ok {
			list = append(list, *attachment)
		}
	}
	m.attachments = make(map[string]*Attachment)
	m.attachOrder = nil
	return list
}

func (m *resourceManager) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache = make(map[string]*cacheEntry)
	m.order = nil
	m.subscriptions = make(map[string]*Subscription)
	m.attachments = make(map[string]*Attachment)
	m.attachOrder = nil
}

// ListResources returns every resource the named server advertises.
func (h *Host) ListResources(ctx context.Context, server string) ([]mcp.Resource, error) {
	conn, err := h.connection(server)
	if err != nil {
		return nil, err
	}
	return conn.client.ListAllResources(ctx), nil
}

// ListResourceTemplates returns every resource template the named server
// advertises.
func (h *Host) ListResourceTemplates(ctx context.Context, server string) ([]mcp.ResourceTemplate, error) {
	conn, err := h.connection(server)
	if err != nil {
		return nil, err
	}
	return conn.client.ListAllResourceTemplates(ctx), nil
}

// ReadResource reads a resource directly from the named server, bypassing
// the cache.
func (h *Host) ReadResource(ctx context.Context, server, uri string) ([]mcp.ResourceContents, error) {
	conn, err := h.connection(server)
	if err != nil {
		return nil, err
	}
	result, err := conn.client.ReadResource(ctx, mcp.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, err
	}
	return result.Contents, nil
}

// FetchResource returns the resource contents, serving from the cache when
// a fresh entry exists and reading from the server otherwise.
func (h *Host) FetchResource(ctx context.Context, server, uri string) ([]mcp.ResourceContents, error) {
	if contents, ok := h.resources.get(uri); ok {
		return contents, nil
	}
	contents, err := h.ReadResource(ctx, server, uri)
	if err != nil {
		return nil, err
	}
	h.resources.put(uri, server, contents)
	return contents, nil
}

// CachedContent returns the cached contents for a URI without touching the
// server. Stale unsubscribed entries report a miss.
func (h *Host) CachedContent(uri string) ([]mcp.ResourceContents, bool) {
	return h.resources.get(uri)
}

// SubscribeResource subscribes to change notifications for a resource. The
// local record is only added once the server accepts the subscription.
func (h *Host) SubscribeResource(ctx context.Context, server, uri string) error {
	conn, err := h.connection(server)
	if err != nil {
		return err
	}
	if err := conn.client.SubscribeResource(ctx, mcp.SubscribeResourceParams{URI: uri}); err != nil {
		return err
	}
	h.resources.subscribe(uri, server, time.Now())
	return nil
}

// UnsubscribeResource removes a resource subscription. The local record is
// dropped even when the server call fails, so a dead server cannot pin a
// subscription forever.
func (h *Host) UnsubscribeResource(ctx context.Context, server, uri string) error {
	h.resources.unsubscribe(uri)
	conn, err := h.connection(server)
	if err != nil {
		return err
	}
	return conn.client.UnsubscribeResource(ctx, mcp.UnsubscribeResourceParams{URI: uri})
}

// Subscriptions returns the live resource subscriptions.
func (h *Host) Subscriptions() []Subscription {
	return h.resources.subscriptionList()
}

// AttachResource registers a resource as a pending attachment and starts
// loading its contents in the background. The returned ID addresses the
// attachment in later calls.
func (h *Host) AttachResource(ctx context.Context, server string, resource mcp.Resource) string {
	id := uuid.New().String()
	h.resources.attach(id, server, resource)
	go func() {
		contents, err := h.FetchResource(ctx, server, resource.URI)
		h.resources.finishAttachment(id, contents, err)
	}()
	return id
}

// Attachment returns a snapshot of one attachment.
func (h *Host) Attachment(id string) (Attachment, bool) {
	return h.resources.attachment(id)
}

// Attachments returns snapshots of all attachments in attach order.
func (h *Host) Attachments() []Attachment {
	return h.resources.attachmentList()
}

// RemoveAttachment discards an attachment. Removing one whose fetch is
// still in flight discards the eventual result as well.
func (h *Host) RemoveAttachment(id string) {
	h.resources.removeAttachment(id)
}

// TakeAttachments removes and returns every attachment. Used when a message
// is sent and its attachments move into the conversation.
func (h *Host) TakeAttachments() []Attachment {
	return h.resources.takeAttachments()
}
