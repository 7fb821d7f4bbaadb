// Package access holds the role table that gates every bot command.
//
// The table is an explicit value owned by a Guard. Reload swaps it
// atomically; readers never observe a half-applied table.
package access

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/drapik/tg-stream-bot/internal/config"
)

// Role is a position in the admin > moderator > user hierarchy.
type Role string

const (
	Admin     Role = "admin"
	Moderator Role = "moderator"
	User      Role = "user"
)

func (r Role) level() int {
	switch r {
	case Admin:
		return 3
	case Moderator:
		return 2
	case User:
		return 1
	default:
		return 0
	}
}

// Satisfies reports whether r is at least required.
func (r Role) Satisfies(required Role) bool {
	return r.level() > 0 && r.level() >= required.level()
}

// ParseRole accepts a role name in any case.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if r.level() == 0 {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Decision is the result of a permission check.
type Decision int

const (
	Allowed Decision = iota
	// Unknown means the user is not in the table at all.
	Unknown
	// Insufficient means the user is known but their role is too weak.
	Insufficient
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Unknown:
		return "unknown"
	case Insufficient:
		return "insufficient"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Entry is one row of the table.
type Entry struct {
	UserID int64 `json:"user_id"`
	Role   Role  `json:"role"`
}

// Table maps user ids to roles. The zero value denies everyone.
type Table struct {
	roles map[int64]Role
}

// NewTable validates and copies entries.
func NewTable(entries map[int64]string) (Table, error) {
	t := Table{roles: make(map[int64]Role, len(entries))}
	for id, name := range entries {
		r, err := ParseRole(name)
		if err != nil {
			return Table{}, fmt.Errorf("user %d: %w", id, err)
		}
		t.roles[id] = r
	}
	return t, nil
}

// TableFromConfig builds a table from the access section. admin_ids are
// always admins.
func TableFromConfig(cfg config.AccessConfig) (Table, error) {
	merged := make(map[int64]string, len(cfg.Whitelist)+len(cfg.AdminIDs))
	for id, r := range cfg.Whitelist {
		merged[id] = r
	}
	for _, id := range cfg.AdminIDs {
		merged[id] = string(Admin)
	}
	return NewTable(merged)
}

// LoadTable reads the access section from the config file at path.
func LoadTable(path string) (Table, error) {
	cfg, err := config.LoadAccess(path)
	if err != nil {
		return Table{}, err
	}
	return TableFromConfig(cfg)
}

func (t Table) Len() int { return len(t.roles) }

// Guard answers permission questions against the current table.
type Guard struct {
	mu    sync.RWMutex
	table Table
}

func NewGuard(t Table) *Guard {
	return &Guard{table: t}
}

// Role returns the user's role; ok is false for users not in the table.
func (g *Guard) Role(userID int64) (Role, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.table.roles[userID]
	return r, ok
}

// Check decides whether userID may use something that requires role.
func (g *Guard) Check(userID int64, required Role) Decision {
	r, ok := g.Role(userID)
	if !ok {
		return Unknown
	}
	if !r.Satisfies(required) {
		return Insufficient
	}
	return Allowed
}

// Entries lists the table ordered by user id.
func (g *Guard) Entries() []Entry {
	g.mu.RLock()
	out := make([]Entry, 0, len(g.table.roles))
	for id, r := range g.table.roles {
		out = append(out, Entry{UserID: id, Role: r})
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Reload replaces the table.
func (g *Guard) Reload(t Table) {
	g.mu.Lock()
	g.table = t
	g.mu.Unlock()
}

// Loader produces a fresh table, typically by re-reading the config file.
type Loader func() (Table, error)

// ReloadFrom calls load and swaps the table only on success. It returns
// the number of entries now in effect.
func (g *Guard) ReloadFrom(load Loader) (int, error) {
	t, err := load()
	if err != nil {
		return 0, fmt.Errorf("reload access table: %w", err)
	}
	g.Reload(t)
	return t.Len(), nil
}
