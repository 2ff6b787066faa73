package models

import (
	"slices"

	"github.com/pauljones0/portfolio-backend/internal/util"
)

const (
	CollectionProjects = "projects"
	CollectionBlogs    = "blogs"
)

// Collections lists every collection that carries likeable items.
var Collections = []string{CollectionProjects, CollectionBlogs}

// Item is a likeable project or blog post as stored in the document store.
type Item struct {
	ID         string         `firestore:"-" json:"id"`
	Key        string         `firestore:"-" json:"key"`
	Collection string         `firestore:"-" json:"collection"`
	Slug       string         `firestore:"slug,omitempty" json:"slug,omitempty"`
	Title      string         `firestore:"title" json:"title"`
	Likes      int            `firestore:"likes" json:"likes"`
	LikedBy    []string       `firestore:"likedBy" json:"-"`
	Dislikes   int            `firestore:"dislikes,omitempty" json:"dislikes,omitempty"`
	DislikedBy []string       `firestore:"dislikedBy,omitempty" json:"-"`
	Reactions  map[string]int `firestore:"reactions,omitempty" json:"reactions,omitempty"`
}

// Normalize resolves the canonical key and document id of an item. It is the
// only place the slug-or-title fallback is applied.
func (it *Item) Normalize(collection string) {
	if collection != "" {
		it.Collection = collection
	}
	if it.Key == "" {
		if it.Slug != "" {
			it.Key = it.Slug
		} else {
			it.Key = util.Slugify(it.Title)
		}
	}
	if it.Slug == "" {
		it.Slug = it.Key
	}
	if it.ID == "" {
		it.ID = it.Key
	}
}

// CountLabel is the key under which the local count snapshot is stored.
func (it Item) CountLabel() string {
	if it.Title != "" {
		return it.Title
	}
	return it.Key
}

func (it Item) HasLiked(identity string) bool {
	return identity != "" && slices.Contains(it.LikedBy, identity)
}

func (it Item) HasDisliked(identity string) bool {
	return identity != "" && slices.Contains(it.DislikedBy, identity)
}
