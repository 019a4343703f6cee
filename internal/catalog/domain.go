// internal/catalog/domain.go
package catalog

import (
	"time"

	"github.com/google/uuid"
)

// Genre is the closed set of shelf categories a book can belong to.
type Genre string

const (
	GenreFiction    Genre = "FICTION"
	GenreNonFiction Genre = "NON_FICTION"
	GenreScience    Genre = "SCIENCE"
	GenreHistory    Genre = "HISTORY"
	GenreBiography  Genre = "BIOGRAPHY"
	GenreFantasy    Genre = "FANTASY"
)

// Genres lists every valid genre in declaration order.
var Genres = []Genre{
	GenreFiction,
	GenreNonFiction,
	GenreScience,
	GenreHistory,
	GenreBiography,
	GenreFantasy,
}

// Valid reports whether g is one of the catalog genres.
func (g Genre) Valid() bool {
	for _, known := range Genres {
		if g == known {
			return true
		}
	}
	return false
}

// Book is a catalog record together with its stock of physical copies.
// Available is a cached derivation of Copies and is never set independently.
type Book struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	Genre       Genre     `json:"genre"`
	ISBN        string    `json:"isbn"`
	Description string    `json:"description,omitempty"`
	Copies      int       `json:"copies"`
	Available   bool      `json:"available"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// SetCopies is the only way copies change on a Book value; it keeps Available in step.
func (b *Book) SetCopies(copies int) {
	b.Copies = copies
	b.Available = Availability(copies)
}

// Consistent reports whether the copies/available pair satisfies the catalog invariant.
func (b Book) Consistent() bool {
	return b.Copies >= 0 && b.Available == Availability(b.Copies)
}

// Availability derives the available flag from a copy count.
func Availability(copies int) bool {
	return copies > 0
}

// MaxCopies is the largest stock a book can hold; copies live in a 32-bit column.
const MaxCopies = 2147483647

// NewBook carries the fields accepted when a book is added to the catalog.
// Available is accepted for compatibility but never trusted.
type NewBook struct {
	Title       string `json:"title" validate:"required"`
	Author      string `json:"author" validate:"required"`
	Genre       Genre  `json:"genre" validate:"required,genre"`
	ISBN        string `json:"isbn" validate:"required"`
	Description string `json:"description"`
	Copies      *int   `json:"copies" validate:"required,gte=0,lte=2147483647"`
	Available   *bool  `json:"available"`
}

// BookPatch is a partial update; nil fields are left unchanged.
type BookPatch struct {
	Title       *string `json:"title" validate:"omitempty,min=1"`
	Author      *string `json:"author" validate:"omitempty,min=1"`
	Genre       *Genre  `json:"genre" validate:"omitempty,genre"`
	ISBN        *string `json:"isbn" validate:"omitempty,min=1"`
	Description *string `json:"description"`
	Copies      *int    `json:"copies" validate:"omitempty,gte=0,lte=2147483647"`
	Available   *bool   `json:"available"`
}

// Empty reports whether the patch changes nothing that is persisted.
// Available alone does not count: it is always derived from copies.
func (p BookPatch) Empty() bool {
	return p.Title == nil && p.Author == nil && p.Genre == nil &&
		p.ISBN == nil && p.Description == nil && p.Copies == nil
}

// apply merges the patch into b. Copies goes through SetCopies so that Available
// is re-derived whatever the caller sent.
func (p BookPatch) apply(b *Book) {
	if p.Title != nil {
		b.Title = *p.Title
	}
	if p.Author != nil {
		b.Author = *p.Author
	}
	if p.Genre != nil {
		b.Genre = *p.Genre
	}
	if p.ISBN != nil {
		b.ISBN = *p.ISBN
	}
	if p.Description != nil {
		b.Description = *p.Description
	}
	if p.Copies != nil {
		b.SetCopies(*p.Copies)
	}
}

// SortField names a column a listing can be ordered by.
type SortField string

const (
	SortByTitle     SortField = "title"
	SortByAuthor    SortField = "author"
	SortByGenre     SortField = "genre"
	SortByISBN      SortField = "isbn"
	SortByCopies    SortField = "copies"
	SortByAvailable SortField = "available"
	SortByCreatedAt SortField = "createdAt"
	SortByUpdatedAt SortField = "updatedAt"
)

var sortFields = map[SortField]bool{
	SortByTitle:     true,
	SortByAuthor:    true,
	SortByGenre:     true,
	SortByISBN:      true,
	SortByCopies:    true,
	SortByAvailable: true,
	SortByCreatedAt: true,
	SortByUpdatedAt: true,
}

// Valid reports whether the field can be sorted on.
func (f SortField) Valid() bool {
	return sortFields[f]
}

// ListQuery narrows and orders a catalog listing.
type ListQuery struct {
	Genre      Genre
	SortBy     SortField
	Descending bool
	// Limit caps the number of books returned; zero means no cap.
	Limit int
}

