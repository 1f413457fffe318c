// Package peertable tracks every live WebSocket peer with a typed role and
// last-ping state (spec §4.2, data model §3 "Peer").
package peertable

import (
	"sync"
	"time"
)

type RoleKind int

const (
	RoleController RoleKind = iota
	RolePageAgent
	RolePeerBridge
)

func (k RoleKind) String() string {
	switch k {
	case RoleController:
		return "controller"
	case RolePageAgent:
		return "page-agent"
	case RolePeerBridge:
		return "peer-bridge"
	default:
		return "unknown"
	}
}

// Role identifies what kind of peer a connection is and, for page-agent and
// peer-bridge roles, which session/instance it is keyed by.
type Role struct {
	Kind       RoleKind
	SessionID  string // set for RolePageAgent
	InstanceID string // set for RolePeerBridge
}

// Sender is the minimal outbound capability the table needs from a
// connection; internal/wsconn.Conn implements it.
type Sender interface {
	Send(raw []byte) bool
	Close()
}

// Peer is a live WebSocket peer.
type Peer struct {
	ID   string
	Role Role
	Conn Sender

	mu       sync.Mutex
	lastSeen time.Time
	url      string
	title    string
}

func (p *Peer) Touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

func (p *Peer) LastSeen() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

func (p *Peer) SetMetadata(url, title string) {
	p.mu.Lock()
	if url != "" {
		p.url = url
	}
	if title != "" {
		p.title = title
	}
	p.mu.Unlock()
}

func (p *Peer) Metadata() (url, title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, p.title
}

// Table is the shared, mutex-guarded registry of live peers.
type Table struct {
	mu          sync.RWMutex
	byID        map[string]*Peer
	controller  *Peer
	pageAgents  map[string]*Peer // sessionID -> peer
	peerBridges map[string]*Peer // instanceID -> peer
}

func NewTable() *Table {
	return &Table{
		byID:        make(map[string]*Peer),
		pageAgents:  make(map[string]*Peer),
		peerBridges: make(map[string]*Peer),
	}
}

// Register installs peer under its declared role. If a peer already holds
// that slot (single controller, one page-agent per session, one entry per
// peer-bridge instance id), the previous occupant is returned so the caller
// can tear it down as a replacement (spec §4.2, §9 Open Question: treated as
// replacement).
func (t *Table) Register(id string, conn Sender, role Role) (replaced *Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := &Peer{ID: id, Role: role, Conn: conn, lastSeen: time.Now()}
	t.byID[id] = p

	switch role.Kind {
	case RoleController:
		replaced = t.controller
		t.controller = p
	case RolePageAgent:
		replaced = t.pageAgents[role.SessionID]
		t.pageAgents[role.SessionID] = p
	case RolePeerBridge:
		replaced = t.peerBridges[role.InstanceID]
		t.peerBridges[role.InstanceID] = p
	}
	return replaced
}

// Unregister removes a peer by id, clearing its role slot if it is still the
// current occupant (a replaced peer's stale Unregister call is a no-op).
func (t *Table) Unregister(id string) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[id]
	if !ok {
		return nil
	}
	delete(t.byID, id)
	switch p.Role.Kind {
	case RoleController:
		if t.controller == p {
			t.controller = nil
		}
	case RolePageAgent:
		if t.pageAgents[p.Role.SessionID] == p {
			delete(t.pageAgents, p.Role.SessionID)
		}
	case RolePeerBridge:
		if t.peerBridges[p.Role.InstanceID] == p {
			delete(t.peerBridges, p.Role.InstanceID)
		}
	}
	return p
}

// Disconnect closes and unregisters the peer with the given id, used by the
// admin surface to force a stuck peer off the table (spec §9 operator
// visibility). Reports whether a peer was found.
func (t *Table) Disconnect(id string) bool {
	p := t.Unregister(id)
	if p == nil {
		return false
	}
	p.Conn.Close()
	return true
}

func (t *Table) Get(id string) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.byID[id]
	return p, ok
}

func (t *Table) Controller() (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.controller == nil {
		return nil, false
	}
	return t.controller, true
}

func (t *Table) PageAgent(sessionID string) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.pageAgents[sessionID]
	return p, ok
}

func (t *Table) PeerBridge(instanceID string) (*Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peerBridges[instanceID]
	return p, ok
}

// AllPeerBridges returns a snapshot of every connected peer-bridge peer,
// used to broadcast background_status notices.
func (t *Table) AllPeerBridges() []*Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Peer, 0, len(t.peerBridges))
	for _, p := range t.peerBridges {
		out = append(out, p)
	}
	return out
}

// Summary is a read-only snapshot of one peer, for admin/diagnostic listing.
type Summary struct {
	ID       string
	Role     Role
	LastSeen time.Time
	URL      string
	Title    string
}

// All returns a snapshot of every live peer, for the admin surface (spec §9
// operator visibility).
func (t *Table) All() []Summary {
	t.mu.RLock()
	peers := make([]*Peer, 0, len(t.byID))
	for _, p := range t.byID {
		peers = append(peers, p)
	}
	t.mu.RUnlock()

	out := make([]Summary, 0, len(peers))
	for _, p := range peers {
		url, title := p.Metadata()
		out = append(out, Summary{ID: p.ID, Role: p.Role, LastSeen: p.LastSeen(), URL: url, Title: title})
	}
	return out
}

// Counts reports the number of peers in each role, for diagnostics.
type Counts struct {
	Controller  int
	PageAgents  int
	PeerBridges int
	Total       int
}

func (t *Table) Counts() Counts {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := Counts{PageAgents: len(t.pageAgents), PeerBridges: len(t.peerBridges), Total: len(t.byID)}
	if t.controller != nil {
		c.Controller = 1
	}
	return c
}
