package strategy

import (
	"sort"
	"strings"

	"github.com/coachpo/stratdesk/errs"
)

// Definition binds a strategy's two spellings and how it is executed.
type Definition struct {
	ID        ID
	BackendID BackendID
	// Script is the backend script name; strategies with a script use the
	// python script command family instead of run_strategy.
	Script string
	// Fallback whitelists the strategy for local execution when the channel is down.
	Fallback bool
}

// Catalog is the fixed bijective table between frontend and backend identifiers.
type Catalog struct {
	byID      map[ID]Definition
	byBackend map[BackendID]Definition
	order     []ID
}

// DefaultDefinitions lists the strategies the console ships with.
func DefaultDefinitions() []Definition {
	return []Definition{
		{ID: "iron-condor", BackendID: "iron_condor", Script: "iron_condor.py", Fallback: true},
		{ID: "pml", BackendID: "pml", Script: "pml.py", Fallback: true},
		{ID: "divergence", BackendID: "divergence", Script: "", Fallback: false},
	}
}

// NewCatalog validates the definitions and builds lookup tables.
func NewCatalog(defs []Definition) (*Catalog, error) {
	c := &Catalog{
		byID:      make(map[ID]Definition, len(defs)),
		byBackend: make(map[BackendID]Definition, len(defs)),
		order:     make([]ID, 0, len(defs)),
	}
	for _, def := range defs {
		def.ID = ID(strings.TrimSpace(string(def.ID)))
		def.BackendID = BackendID(strings.TrimSpace(string(def.BackendID)))
		def.Script = strings.TrimSpace(def.Script)
		if def.ID == "" {
			return nil, errs.New("strategy/catalog", errs.CodeInvalid, errs.WithMessage("strategy id required"))
		}
		if def.BackendID == "" {
			def.BackendID = BackendID(strings.ReplaceAll(string(def.ID), "-", "_"))
		}
		if _, dup := c.byID[def.ID]; dup {
			return nil, errs.New("strategy/catalog", errs.CodeInvalid,
				errs.WithStrategy(string(def.ID)), errs.WithMessage("duplicate strategy id"))
		}
		if other, dup := c.byBackend[def.BackendID]; dup {
			return nil, errs.New("strategy/catalog", errs.CodeInvalid,
				errs.WithStrategy(string(def.ID)),
				errs.WithMessage("backend id already mapped"),
				errs.WithField("backend_id", string(def.BackendID)),
				errs.WithField("mapped_to", string(other.ID)))
		}
		c.byID[def.ID] = def
		c.byBackend[def.BackendID] = def
		c.order = append(c.order, def.ID)
	}
	sort.Slice(c.order, func(i, j int) bool { return c.order[i] < c.order[j] })
	return c, nil
}

// Lookup returns the definition for a frontend identifier.
func (c *Catalog) Lookup(id ID) (Definition, bool) {
	def, ok := c.byID[id]
	return def, ok
}

// Backend translates a frontend identifier to its backend spelling.
func (c *Catalog) Backend(id ID) (BackendID, bool) {
	def, ok := c.byID[id]
	return def.BackendID, ok
}

// Frontend translates a backend identifier to its frontend spelling.
func (c *Catalog) Frontend(id BackendID) (ID, bool) {
	def, ok := c.byBackend[id]
	return def.ID, ok
}

// IDs returns all frontend identifiers in sorted order.
func (c *Catalog) IDs() []ID {
	return append([]ID(nil), c.order...)
}
