package id

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixedIDs(t *testing.T) {
	term := NewTerminalID()
	assert.True(t, strings.HasPrefix(term.String(), "term_"))

	run := NewRunID()
	assert.True(t, strings.HasPrefix(run.String(), "run_"))

	req := NewRequestID()
	assert.True(t, strings.HasPrefix(req.String(), "req_"))
}

func TestGenerateUnique(t *testing.T) {
	g := Default()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := g.GenerateWithPrefix(TerminalPrefix)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestGenerateConcurrent(t *testing.T) {
	g := Default()
	var (
		mu  sync.Mutex
		ids = make(map[string]bool)
		wg  sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := g.Generate().String()
				mu.Lock()
				ids[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ids, 800)
}
