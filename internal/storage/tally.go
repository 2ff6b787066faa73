package storage

import (
	"slices"

	"github.com/pauljones0/portfolio-backend/internal/models"
)

// change describes the effect of one vote on an item document. likedBy and
// dislikedBy are +1 to add the identity, -1 to remove it, 0 to leave it.
type change struct {
	likedBy    int
	dislikedBy int
	reactions  map[string]int
}

func (c change) empty() bool {
	return c.likedBy == 0 && c.dislikedBy == 0 && len(c.reactions) == 0
}

// planLike adds the identity to likedBy unless it is already there. A previous
// dislike by the same identity is withdrawn.
func planLike(it models.Item, identity string) change {
	if it.HasLiked(identity) {
		return change{}
	}
	c := change{likedBy: 1}
	if it.HasDisliked(identity) {
		c.dislikedBy = -1
	}
	return c
}

func planUnlike(it models.Item, identity string) change {
	if !it.HasLiked(identity) {
		return change{}
	}
	return change{likedBy: -1}
}

func planDislike(it models.Item, identity string) change {
	if it.HasDisliked(identity) {
		return change{}
	}
	c := change{dislikedBy: 1}
	if it.HasLiked(identity) {
		c.likedBy = -1
	}
	return c
}

// planReact moves one reaction from prev to emoji.
func planReact(emoji, prev string) change {
	if emoji == prev {
		return change{}
	}
	c := change{reactions: map[string]int{}}
	if emoji != "" {
		c.reactions[emoji] = 1
	}
	if prev != "" {
		c.reactions[prev] = -1
	}
	return c
}

// apply mutates it in place. Counters never drop below zero.
func (c change) apply(it *models.Item, identity string) {
	switch c.likedBy {
	case 1:
		it.LikedBy = append(it.LikedBy, identity)
		it.Likes++
	case -1:
		it.LikedBy = slices.DeleteFunc(it.LikedBy, func(s string) bool { return s == identity })
		it.Likes = max(0, it.Likes-1)
	}
	switch c.dislikedBy {
	case 1:
		it.DislikedBy = append(it.DislikedBy, identity)
		it.Dislikes++
	case -1:
		it.DislikedBy = slices.DeleteFunc(it.DislikedBy, func(s string) bool { return s == identity })
		it.Dislikes = max(0, it.Dislikes-1)
	}
	for emoji, delta := range c.reactions {
		if it.Reactions == nil {
			it.Reactions = make(map[string]int)
		}
		it.Reactions[emoji] = max(0, it.Reactions[emoji]+delta)
	}
}
