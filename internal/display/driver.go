package display

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/tphakala/birdnet-tiles/internal/logger"
)

// Driver receives tile updates for display contexts.
type Driver interface {
	UpdateTile(contextID string, m Model, v Variant)
	SetError(contextID string)
	SetWaiting(contextID string)
}

// Remover is implemented by drivers that keep per-context state which should
// be dropped when the context goes away.
type Remover interface {
	Remove(contextID string)
}

// TileState is the last thing pushed to a context.
type TileState struct {
	ContextID string    `json:"contextId"`
	Variant   Variant   `json:"variant,omitempty"`
	Model     Model     `json:"model"`
	UpdatedAt time.Time `json:"updatedAt"`
	Updates   int       `json:"updates"`
}

// Board is an in-memory Driver that records the latest state per context.
// It is the reference driver behind the HTTP surface. Safe for concurrent use.
type Board struct {
	mu    sync.RWMutex
	tiles map[string]*TileState
	now   func() time.Time
	log   logger.Logger
}

var (
	_ Driver  = (*Board)(nil)
	_ Remover = (*Board)(nil)
)

// NewBoard creates an empty board.
func NewBoard(log logger.Logger) *Board {
	if log == nil {
		log = logger.Global().Module("display")
	}
	return &Board{
		tiles: make(map[string]*TileState),
		now:   time.Now,
		log:   log,
	}
}

// UpdateTile stores m as the context's tile.
func (b *Board) UpdateTile(contextID string, m Model, v Variant) {
	b.set(contextID, m, v)
	b.log.Trace("tile updated",
		logger.String("context_id", contextID),
		logger.String("variant", string(v)),
		logger.String("state", string(m.State)),
		logger.String("species", m.Name))
}

// SetError shows the error placeholder.
func (b *Board) SetError(contextID string) {
	b.set(contextID, Failed(), "")
}

// SetWaiting shows the waiting placeholder.
func (b *Board) SetWaiting(contextID string) {
	b.set(contextID, Waiting(), "")
}

func (b *Board) set(contextID string, m Model, v Variant) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.tiles[contextID]
	if !ok {
		st = &TileState{ContextID: contextID}
		b.tiles[contextID] = st
	}
	st.Model = m
	st.Variant = v
	st.UpdatedAt = b.now()
	st.Updates++
}

// Get returns a copy of the context's tile.
func (b *Board) Get(contextID string) (TileState, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.tiles[contextID]
	if !ok {
		return TileState{}, false
	}
	return *st, true
}

// All returns every tile ordered by context ID.
func (b *Board) All() []TileState {
	b.mu.RLock()
	out := make([]TileState, 0, len(b.tiles))
	for _, st := range b.tiles {
		out = append(out, *st)
	}
	b.mu.RUnlock()
	slices.SortFunc(out, func(x, y TileState) int { return cmp.Compare(x.ContextID, y.ContextID) })
	return out
}

// Remove forgets a context's tile.
func (b *Board) Remove(contextID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tiles, contextID)
}
