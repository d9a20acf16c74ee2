package domain

import "time"

// EntityKind identifies the cached table an entity belongs to
type EntityKind string

const (
	KindSeries      EntityKind = "series"
	KindVolume      EntityKind = "volume"
	KindChapter     EntityKind = "chapter"
	KindCollection  EntityKind = "collection"
	KindPerson      EntityKind = "person"
	KindReadingList EntityKind = "reading_list"
)

// ValidateKind checks if an entity kind is known
func ValidateKind(kind EntityKind) bool {
	switch kind {
	case KindSeries, KindVolume, KindChapter, KindCollection, KindPerson, KindReadingList:
		return true
	}
	return false
}

// Entity is a cached snapshot of server state. Rows are keyed by the server id
// and written as full-row replacements.
type Entity interface {
	EntityID() int64
	Kind() EntityKind
	Thumbnail() string
	SetThumbnail(path string)
	Touch(updatedAt int64)
}

// NowMillis returns the current time as epoch milliseconds
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Series is a cached series row
type Series struct {
	ID            int64  `json:"id" gorm:"primaryKey;autoIncrement:false"`
	LibraryID     int64  `json:"library_id" gorm:"index"`
	Name          string `json:"name" gorm:"not null"`
	SortName      string `json:"sort_name,omitempty"`
	Format        string `json:"format,omitempty"`
	Pages         int    `json:"pages"`
	CoverImage    string `json:"cover_image,omitempty"`
	ThumbnailPath string `json:"thumbnail_path,omitempty"`
	UpdatedAt     int64  `json:"updated_at" gorm:"autoUpdateTime:false"`
}

func (s *Series) EntityID() int64          { return s.ID }
func (s *Series) Kind() EntityKind         { return KindSeries }
func (s *Series) Thumbnail() string        { return s.ThumbnailPath }
func (s *Series) SetThumbnail(path string) { s.ThumbnailPath = path }
func (s *Series) Touch(updatedAt int64)    { s.UpdatedAt = updatedAt }

// Volume is a cached volume row, scoped to its series
type Volume struct {
	ID            int64   `json:"id" gorm:"primaryKey;autoIncrement:false"`
	SeriesID      int64   `json:"series_id" gorm:"index;not null"`
	Number        float64 `json:"number"`
	Name          string  `json:"name"`
	Pages         int     `json:"pages"`
	ThumbnailPath string  `json:"thumbnail_path,omitempty"`
	UpdatedAt     int64   `json:"updated_at" gorm:"autoUpdateTime:false"`
}

func (v *Volume) EntityID() int64          { return v.ID }
func (v *Volume) Kind() EntityKind         { return KindVolume }
func (v *Volume) Thumbnail() string        { return v.ThumbnailPath }
func (v *Volume) SetThumbnail(path string) { v.ThumbnailPath = path }
func (v *Volume) Touch(updatedAt int64)    { v.UpdatedAt = updatedAt }

// Chapter is a cached chapter row, scoped to its volume and series
type Chapter struct {
	ID            int64  `json:"id" gorm:"primaryKey;autoIncrement:false"`
	VolumeID      int64  `json:"volume_id" gorm:"index;not null"`
	SeriesID      int64  `json:"series_id" gorm:"index;not null"`
	Number        string `json:"number"`
	Title         string `json:"title"`
	Pages         int    `json:"pages"`
	IsSpecial     bool   `json:"is_special"`
	ThumbnailPath string `json:"thumbnail_path,omitempty"`
	UpdatedAt     int64  `json:"updated_at" gorm:"autoUpdateTime:false"`
}

func (c *Chapter) EntityID() int64          { return c.ID }
func (c *Chapter) Kind() EntityKind         { return KindChapter }
func (c *Chapter) Thumbnail() string        { return c.ThumbnailPath }
func (c *Chapter) SetThumbnail(path string) { c.ThumbnailPath = path }
func (c *Chapter) Touch(updatedAt int64)    { c.UpdatedAt = updatedAt }

// Collection is a cached collection row
type Collection struct {
	ID            int64  `json:"id" gorm:"primaryKey;autoIncrement:false"`
	Title         string `json:"title" gorm:"not null"`
	Summary       string `json:"summary,omitempty"`
	ItemCount     int    `json:"item_count"`
	ThumbnailPath string `json:"thumbnail_path,omitempty"`
	UpdatedAt     int64  `json:"updated_at" gorm:"autoUpdateTime:false"`
}

func (c *Collection) EntityID() int64          { return c.ID }
func (c *Collection) Kind() EntityKind         { return KindCollection }
func (c *Collection) Thumbnail() string        { return c.ThumbnailPath }
func (c *Collection) SetThumbnail(path string) { c.ThumbnailPath = path }
func (c *Collection) Touch(updatedAt int64)    { c.UpdatedAt = updatedAt }

// Person is a cached person (writer, artist, ...) row
type Person struct {
	ID            int64  `json:"id" gorm:"primaryKey;autoIncrement:false"`
	Name          string `json:"name" gorm:"not null"`
	Role          string `json:"role,omitempty"`
	ThumbnailPath string `json:"thumbnail_path,omitempty"`
	UpdatedAt     int64  `json:"updated_at" gorm:"autoUpdateTime:false"`
}

func (p *Person) EntityID() int64          { return p.ID }
func (p *Person) Kind() EntityKind         { return KindPerson }
func (p *Person) Thumbnail() string        { return p.ThumbnailPath }
func (p *Person) SetThumbnail(path string) { p.ThumbnailPath = path }
func (p *Person) Touch(updatedAt int64)    { p.UpdatedAt = updatedAt }

// TableName specifies the table name for GORM
func (Person) TableName() string {
	return "people"
}

// ReadingList is a cached reading-list row
type ReadingList struct {
	ID            int64  `json:"id" gorm:"primaryKey;autoIncrement:false"`
	Title         string `json:"title" gorm:"not null"`
	ItemCount     int    `json:"item_count"`
	Promoted      bool   `json:"promoted"`
	ThumbnailPath string `json:"thumbnail_path,omitempty"`
	UpdatedAt     int64  `json:"updated_at" gorm:"autoUpdateTime:false"`
}

func (r *ReadingList) EntityID() int64          { return r.ID }
func (r *ReadingList) Kind() EntityKind         { return KindReadingList }
func (r *ReadingList) Thumbnail() string        { return r.ThumbnailPath }
func (r *ReadingList) SetThumbnail(path string) { r.ThumbnailPath = path }
func (r *ReadingList) Touch(updatedAt int64)    { r.UpdatedAt = updatedAt }

// SeriesDetail holds the detail-only fields of a series. Its presence marks
// that a full detail snapshot has been cached for the series.
type SeriesDetail struct {
	SeriesID          int64  `json:"series_id" gorm:"primaryKey;autoIncrement:false"`
	Summary           string `json:"summary,omitempty"`
	Genres            string `json:"genres,omitempty"`
	PublicationStatus string `json:"publication_status,omitempty"`
	TotalChapters     int    `json:"total_chapters"`
	UpdatedAt         int64  `json:"updated_at" gorm:"autoUpdateTime:false"`
}

// VolumeDetail is a volume with its chapters
type VolumeDetail struct {
	Volume   Volume    `json:"volume"`
	Chapters []Chapter `json:"chapters"`
}

// Detail is the aggregate of a series and its full child collection
type Detail struct {
	Series  Series         `json:"series"`
	Info    SeriesDetail   `json:"info"`
	Volumes []VolumeDetail `json:"volumes"`
}

// ChapterCount returns the number of chapters across all volumes
func (d *Detail) ChapterCount() int {
	n := 0
	for _, v := range d.Volumes {
		n += len(v.Chapters)
	}
	return n
}
