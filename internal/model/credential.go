// Package model holds the data shapes shared by every component that
// touches a credential: Store, PortAllocator, CredentialService,
// PluginHandler and BotDispatcher. None of the mutation logic lives here
// — only the shape, the status enum, and the pure helpers (proxy name
// derivation, game-type whitelist) that every caller needs identically.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Status is a Credential's place in its lifecycle. Transitions only ever
// move pending -> {active, expired, revoked} or active -> {expired,
// revoked, disconnected}; all three terminal states are sinks.
type Status string

const (
	StatusPending      Status = "pending"
	StatusActive       Status = "active"
	StatusExpired      Status = "expired"
	StatusRevoked      Status = "revoked"
	StatusDisconnected Status = "disconnected"
)

// Terminal reports whether s is a sink state.
func (s Status) Terminal() bool {
	switch s {
	case StatusExpired, StatusRevoked, StatusDisconnected:
		return true
	default:
		return false
	}
}

// NonTerminal reports whether s is pending or active.
func (s Status) NonTerminal() bool {
	return s == StatusPending || s == StatusActive
}

// Credential is the central record of the control plane. See spec §3 for
// the full invariant list (I1-I7); CredentialService is the only package
// that may mutate instances of this type once stored.
type Credential struct {
	ID         int64     `json:"id"`
	TunnelID   string    `json:"tunnelId"`
	Key        string    `json:"key"`
	UserID     string    `json:"userId"`
	UserName   string    `json:"userName"`
	GroupID    string    `json:"groupId,omitempty"`
	GameType   string    `json:"gameType"`
	Status     Status    `json:"status"`
	RemotePort int       `json:"remotePort"`
	ProxyName  string    `json:"proxyName"`
	ClientID   string    `json:"clientId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	ActivatedAt *time.Time `json:"activatedAt,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// GetID and SetID satisfy store.IDer.
func (c *Credential) GetID() int64  { return c.ID }
func (c *Credential) SetID(id int64) { c.ID = id }

// HoldsPort reports whether this record currently holds its RemotePort
// per invariant I2 — only pending/active records hold their port.
func (c *Credential) HoldsPort() bool {
	return c.Status.NonTerminal()
}

// AuditEntry is one row of the append-only audit log (I7).
type AuditEntry struct {
	ID        int64     `json:"id"`
	EventType string    `json:"eventType"`
	KeyID     int64     `json:"keyId,omitempty"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// GetID and SetID satisfy store.IDer.
func (a *AuditEntry) GetID() int64  { return a.ID }
func (a *AuditEntry) SetID(id int64) { a.ID = id }

const (
	EventKeyCreated      = "key_created"
	EventKeyActivated    = "key_activated"
	EventKeyExpired      = "key_expired"
	EventKeyRevoked      = "key_revoked"
	EventKeyDisconnected = "key_disconnected"
	EventProxyOpened     = "proxy_opened"
	EventProxyClosed     = "proxy_closed"
	EventClientRejected  = "client_rejected"
)

// gameAbbrev maps a canonical game type to the 4-character abbreviation
// used in ProxyName (spec §3: "ff-{id}-{4-char gameAbbrev}").
var gameAbbrev = map[string]string{
	"minecraft":             "mine",
	"terraria":              "terr",
	"dont_starve_together":  "dst_",
	"starbound":             "strb",
	"factorio":              "fact",
	"valheim":               "valh",
	"palworld":              "palw",
}

// gameAliases is the closed whitelist of spec §6.9, mapping every
// recognised (case-insensitive) alias to its canonical form.
var gameAliases = map[string]string{
	"minecraft": "minecraft",
	"mc":        "minecraft",
	"terraria":  "terraria",
	"tr":        "terraria",
	"dont_starve_together": "dont_starve_together",
	"dst":                  "dont_starve_together",
	"starbound":            "starbound",
	"factorio":             "factorio",
	"valheim":              "valheim",
	"palworld":             "palworld",
}

// CanonicalGameType resolves a (possibly aliased, case-insensitive) game
// type string against the whitelist of spec §6.9. ok is false for any
// value outside the whitelist.
func CanonicalGameType(raw string) (canonical string, ok bool) {
	canonical, ok = gameAliases[strings.ToLower(strings.TrimSpace(raw))]
	return canonical, ok
}

// GameTypeWhitelist returns the canonical game types in a stable order,
// for use in "legal set" error messages.
func GameTypeWhitelist() []string {
	return []string{
		"minecraft", "terraria", "dont_starve_together",
		"starbound", "factorio", "valheim", "palworld",
	}
}

// DisplayGameName renders a canonical game type for chat output.
func DisplayGameName(canonical string) string {
	switch canonical {
	case "dont_starve_together":
		return "Don't Starve Together"
	default:
		if canonical == "" {
			return "unknown"
		}
		return strings.ToUpper(canonical[:1]) + canonical[1:]
	}
}

// ProxyName derives the daemon-facing proxy name from a credential's id
// and game type (spec §3: "ff-{id}-{4-char gameAbbrev}"). Stable after
// creation (I6) because id never changes.
func ProxyName(id int64, gameType string) string {
	abbrev, ok := gameAbbrev[gameType]
	if !ok {
		abbrev = "gen_"
	}
	return fmt.Sprintf("ff-%d-%s", id, abbrev)
}
