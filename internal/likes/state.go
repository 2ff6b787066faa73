package likes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pauljones0/portfolio-backend/internal/localstore"
)

const stateKey = "like-state"

// state is the device-local cache persisted under stateKey. Likes, dislikes
// and reactions are keyed by flagKey; counts by item title.
type state struct {
	Likes     map[string]bool   `json:"likes"`
	Dislikes  map[string]bool   `json:"dislikes,omitempty"`
	Reactions map[string]string `json:"reactions,omitempty"`
	Counts    map[string]int    `json:"counts"`
}

func newState() state {
	return state{
		Likes:     make(map[string]bool),
		Dislikes:  make(map[string]bool),
		Reactions: make(map[string]string),
		Counts:    make(map[string]int),
	}
}

func loadState(ctx context.Context, store localstore.Store) (state, error) {
	s := newState()
	data, ok, err := store.Get(ctx, stateKey)
	if err != nil {
		return s, fmt.Errorf("read like state: %w", err)
	}
	if !ok {
		return s, nil
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return newState(), fmt.Errorf("decode like state: %w", err)
	}
	if s.Likes == nil {
		s.Likes = make(map[string]bool)
	}
	if s.Dislikes == nil {
		s.Dislikes = make(map[string]bool)
	}
	if s.Reactions == nil {
		s.Reactions = make(map[string]string)
	}
	if s.Counts == nil {
		s.Counts = make(map[string]int)
	}
	return s, nil
}

func saveState(ctx context.Context, store localstore.Store, s state) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode like state: %w", err)
	}
	if err := store.Set(ctx, stateKey, data); err != nil {
		return fmt.Errorf("write like state: %w", err)
	}
	return nil
}
