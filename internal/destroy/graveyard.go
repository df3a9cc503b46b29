//go:build !nogpu

package destroy

import (
	"sync"

	"github.com/gogpu/wgpu/hal"
)

// Token reports whether a submission has completed on the GPU.
type Token interface {
	Done() bool
}

type grave struct {
	tokens []Token
	items  []Item
}

// Graveyard keeps released objects alive until every submission that was in
// flight at release time has completed.
type Graveyard struct {
	mu     sync.Mutex
	graves []grave
}

// Bury stores items until all tokens report done. With no tokens the items
// are destroyed on the next Collect.
func (g *Graveyard) Bury(tokens []Token, items ...Item) {
	if len(items) == 0 {
		return
	}
	g.mu.Lock()
	g.graves = append(g.graves, grave{tokens: tokens, items: items})
	g.mu.Unlock()
}

// Collect destroys every batch whose tokens are done and returns how many
// objects were destroyed. Within a batch items are released newest first.
func (g *Graveyard) Collect(device hal.Device) int {
	g.mu.Lock()
	var ready []grave
	kept := g.graves[:0]
	for _, gr := range g.graves {
		if allDone(gr.tokens) {
			ready = append(ready, gr)
		} else {
			kept = append(kept, gr)
		}
	}
	clear(g.graves[len(kept):])
	g.graves = kept
	g.mu.Unlock()

	return releaseAll(device, ready)
}

// Flush destroys everything regardless of tokens. Callers must have waited
// for the device to go idle.
func (g *Graveyard) Flush(device hal.Device) int {
	g.mu.Lock()
	all := g.graves
	g.graves = nil
	g.mu.Unlock()

	return releaseAll(device, all)
}

// Len returns the number of buried objects.
func (g *Graveyard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, gr := range g.graves {
		n += len(gr.items)
	}
	return n
}

func allDone(tokens []Token) bool {
	for _, t := range tokens {
		if !t.Done() {
			return false
		}
	}
	return true
}

func releaseAll(device hal.Device, graves []grave) int {
	n := 0
	for i := len(graves) - 1; i >= 0; i-- {
		items := graves[i].items
		for j := len(items) - 1; j >= 0; j-- {
			Release(device, items[j])
			n++
		}
	}
	return n
}
