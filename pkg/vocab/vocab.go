package vocab

import (
	"sync"
)

const (
	// UnknownToken is the symbol stored at UnknownIndex
	UnknownToken = "<UNK>"
	// UnknownIndex is returned for unseen tokens once the vocabulary is frozen
	UnknownIndex = 0
)

// Vocab maps tokens to stable integer indices.
// It grows on lookup until frozen; freezing is permanent.
type Vocab struct {
	// Hash tables for token name mapping
	TokenHash map[string]int
	TokenKeys []string

	frozen bool
	mu     sync.RWMutex
}

// New creates a vocabulary holding only the unknown token
func New() *Vocab {
	v := &Vocab{
		TokenHash: make(map[string]int),
		TokenKeys: make([]string, 0),
	}
	v.getOrCreate(UnknownToken)
	return v
}

// FromTokens rebuilds a vocabulary from an index-ordered token list.
// The first entry must be the unknown token.
func FromTokens(tokens []string) *Vocab {
	v := New()
	for i, tok := range tokens {
		if i == UnknownIndex && tok == UnknownToken {
			continue
		}
		v.getOrCreate(tok)
	}
	return v
}

// Get returns the index of token, adding it when the vocabulary is
// still growable. Frozen vocabularies map unseen tokens to UnknownIndex.
func (v *Vocab) Get(token string) int {
	v.mu.RLock()
	id, exists := v.TokenHash[token]
	frozen := v.frozen
	v.mu.RUnlock()

	if exists {
		return id
	}
	if frozen {
		return UnknownIndex
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.frozen {
		if id, exists := v.TokenHash[token]; exists {
			return id
		}
		return UnknownIndex
	}
	return v.getOrCreate(token)
}

// Lookup returns the index of token without ever growing the vocabulary
func (v *Vocab) Lookup(token string) (int, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	id, ok := v.TokenHash[token]
	return id, ok
}

// getOrCreate gets or creates a token ID; callers hold the write lock
func (v *Vocab) getOrCreate(token string) int {
	if id, exists := v.TokenHash[token]; exists {
		return id
	}

	id := len(v.TokenKeys)
	v.TokenHash[token] = id
	v.TokenKeys = append(v.TokenKeys, token)
	return id
}

// Token returns the token stored at id, or "" when out of range
func (v *Vocab) Token(id int) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if id < 0 || id >= len(v.TokenKeys) {
		return ""
	}
	return v.TokenKeys[id]
}

// Tokens returns a copy of all tokens in index order
func (v *Vocab) Tokens() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, len(v.TokenKeys))
	copy(out, v.TokenKeys)
	return out
}

// Len returns the number of tokens including the unknown token
func (v *Vocab) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.TokenKeys)
}

// Freeze stops vocabulary growth
func (v *Vocab) Freeze() {
	v.mu.Lock()
	v.frozen = true
	v.mu.Unlock()
}

// Frozen reports whether the vocabulary stopped growing
func (v *Vocab) Frozen() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.frozen
}
