package domain

import "fmt"

// ListType names a family of ordered lists (tabs, pages, memberships)
type ListType string

const (
	ListOnDeck           ListType = "on_deck"
	ListRecentlyAdded    ListType = "recently_added"
	ListLibrarySeries    ListType = "library_series"
	ListBrowse           ListType = "browse"
	ListWantToRead       ListType = "want_to_read"
	ListCollectionSeries ListType = "collection_series"
	ListReadingListItems ListType = "reading_list_series"
	ListCollections      ListType = "collections"
	ListReadingLists     ListType = "reading_lists"
	ListPeople           ListType = "people"
)

// Kind returns the entity kind the list's members belong to
func (t ListType) Kind() EntityKind {
	switch t {
	case ListCollections:
		return KindCollection
	case ListReadingLists:
		return KindReadingList
	case ListPeople:
		return KindPerson
	default:
		return KindSeries
	}
}

// CheckMembers returns ErrKindMismatch for the first entity whose kind is
// not the list's member kind
func (t ListType) CheckMembers(entities []Entity) error {
	want := t.Kind()
	for _, e := range entities {
		if e.Kind() != want {
			return fmt.Errorf("%w: %s %d in %s list", ErrKindMismatch, e.Kind(), e.EntityID(), t)
		}
	}
	return nil
}

// ValidateListType checks if a list type is known
func ValidateListType(t ListType) bool {
	switch t {
	case ListOnDeck, ListRecentlyAdded, ListLibrarySeries, ListBrowse, ListWantToRead,
		ListCollectionSeries, ListReadingListItems, ListCollections, ListReadingLists, ListPeople:
		return true
	}
	return false
}

// ListRef is an ordered membership of an entity in a named list. Deleting a
// membership never deletes the entity row it references.
type ListRef struct {
	ListType  ListType `json:"list_type" gorm:"primaryKey"`
	ListKey   string   `json:"list_key" gorm:"primaryKey"`
	EntityID  int64    `json:"entity_id" gorm:"primaryKey;autoIncrement:false"`
	Position  int      `json:"position" gorm:"not null"`
	UpdatedAt int64    `json:"updated_at" gorm:"autoUpdateTime:false"`
}

// TableName specifies the table name for GORM
func (ListRef) TableName() string {
	return "list_refs"
}

// ListOrder selects how a cached list is ordered on read
type ListOrder string

const (
	OrderPosition ListOrder = "position" // stored position (paged/list queries)
	OrderName     ListOrder = "name"     // case-insensitive name (tab queries)
)

// CacheScope selects which policy toggle gates a write
type CacheScope string

const (
	ScopeLibrary CacheScope = "library"
	ScopeBrowse  CacheScope = "browse"
)

// CachePolicy is the set of toggles gating cache writes
type CachePolicy struct {
	GlobalEnabled  bool `json:"global_enabled"`
	LibraryEnabled bool `json:"library_enabled"`
	BrowseEnabled  bool `json:"browse_enabled"`
}

// LibraryWriteAllowed reports whether library-scoped writes are allowed
func (p CachePolicy) LibraryWriteAllowed() bool {
	return p.GlobalEnabled && p.LibraryEnabled
}

// BrowseWriteAllowed reports whether browse-scoped writes are allowed
func (p CachePolicy) BrowseWriteAllowed() bool {
	return p.GlobalEnabled && p.BrowseEnabled
}

// Allows reports whether a write in the given scope is allowed
func (p CachePolicy) Allows(scope CacheScope) bool {
	if scope == ScopeBrowse {
		return p.BrowseWriteAllowed()
	}
	return p.LibraryWriteAllowed()
}

// ClearScope selects the granularity of a cache clear
type ClearScope string

const (
	ClearAll        ClearScope = "all"
	ClearThumbnails ClearScope = "thumbnails"
	ClearData       ClearScope = "data"
	ClearDetails    ClearScope = "details"
)
