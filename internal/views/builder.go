// Package views renders read-only projections of the ingestion buffer for the dashboard.
package views

import (
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/DalinLim/KerbTrack-Project-UON/internal/gps"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/ingest"
	"github.com/DalinLim/KerbTrack-Project-UON/internal/records"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	defaultCacheTTL      = 2 * time.Second
	cacheCleanupEvery    = time.Minute
	presentationMarkdown = "markdown"
	missingAddress       = "N/A"
)

var (
	errMissingBuffer      = errors.New("views: ingestion buffer is required")
	errMissingAnnotations = errors.New("views: annotation source is required")
)

// AnnotationSource exposes the latest resolved annotations and a version that changes
// whenever they do.
type AnnotationSource interface {
	Current() (map[string]string, uint64)
}

// Column describes one table column.
type Column struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Presentation string `json:"presentation,omitempty"`
}

// Row is one rendered buffer record.
type Row struct {
	ID               string `json:"ID"`
	GPS              string `json:"GPS"`
	Address          string `json:"Address"`
	Message          string `json:"Message"`
	Image            string `json:"Image"`
	ImageDescription string `json:"Image_Description"`
}

// Table is the filtered table view.
type Table struct {
	Columns []Column `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// Popup is the marker detail shown on the map.
type Popup struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	ImageURL string `json:"image_url,omitempty"`
}

// Marker is one plottable record.
type Marker struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Popup Popup   `json:"popup"`
}

var tableColumns = []Column{
	{ID: "ID", Name: "ID"},
	{ID: "GPS", Name: "GPS"},
	{ID: "Address", Name: "Address"},
	{ID: "Message", Name: "Message"},
	{ID: "Image", Name: "Image", Presentation: presentationMarkdown},
	{ID: "Image_Description", Name: "Image Description"},
}

// BuilderConfig describes the dependencies of a Builder.
type BuilderConfig struct {
	Buffer      *ingest.Buffer
	Annotations AnnotationSource
	CacheTTL    time.Duration
	Logger      *zap.Logger
}

// Builder produces views without mutating the buffer or the store. Results are reused
// while the buffer length and annotation version are unchanged.
type Builder struct {
	buffer      *ingest.Buffer
	annotations AnnotationSource
	cache       *gocache.Cache
	logger      *zap.Logger
}

// NewBuilder validates the configuration.
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if cfg.Buffer == nil {
		return nil, errMissingBuffer
	}
	if cfg.Annotations == nil {
		return nil, errMissingAnnotations
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		buffer:      cfg.Buffer,
		annotations: cfg.Annotations,
		cache:       gocache.New(ttl, cacheCleanupEvery),
		logger:      logger,
	}, nil
}

// Table joins every buffered record, duplicates included and in arrival order, with the
// annotation map and keeps the rows matching query case-insensitively.
func (b *Builder) Table(query string) Table {
	snapshot := b.buffer.Snapshot()
	annotations, version := b.annotations.Current()
	needle := strings.ToLower(strings.TrimSpace(query))

	key := fmt.Sprintf("table|%d|%d|%s", len(snapshot), version, needle)
	if cached, ok := b.cache.Get(key); ok {
		return cached.(Table)
	}

	rows := make([]Row, 0, len(snapshot))
	for _, record := range snapshot {
		row := renderRow(record, annotations)
		if needle != "" && !row.matches(needle) {
			continue
		}
		rows = append(rows, row)
	}
	table := Table{Columns: tableColumns, Rows: rows}
	b.cache.SetDefault(key, table)
	return table
}

// Markers returns one marker per buffered record whose GPS text parses.
func (b *Builder) Markers() []Marker {
	snapshot := b.buffer.Snapshot()
	key := fmt.Sprintf("markers|%d", len(snapshot))
	if cached, ok := b.cache.Get(key); ok {
		return cached.([]Marker)
	}

	markers := make([]Marker, 0, len(snapshot))
	skipped := 0
	for _, record := range snapshot {
		point, err := gps.Parse(record.GPS)
		if err != nil {
			skipped++
			continue
		}
		address := strings.TrimSpace(record.Address)
		if address == "" {
			address = missingAddress
		}
		markers = append(markers, Marker{
			Lat: point.Lat,
			Lon: point.Lon,
			Popup: Popup{
				ID:       record.Key(),
				Address:  address,
				ImageURL: strings.TrimSpace(record.ImageURL),
			},
		})
	}
	if skipped > 0 {
		b.logger.Debug("records without plottable coordinates", zap.Int("skipped", skipped))
	}
	b.cache.SetDefault(key, markers)
	return markers
}

func renderRow(record records.Record, annotations map[string]string) Row {
	description := records.PendingPlaceholder
	if text, ok := annotations[record.Key()]; ok {
		description = text
	} else if record.Annotation.IsResolved() {
		description = record.Annotation.Text()
	}
	return Row{
		ID:               record.ID,
		GPS:              record.GPS,
		Address:          record.Address,
		Message:          record.Message,
		Image:            ImageLink(record.ImageURL),
		ImageDescription: description,
	}
}

func (r Row) matches(needle string) bool {
	for _, field := range []string{r.ID, r.GPS, r.Address, r.Message, r.ImageDescription} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

// ImageLink renders an image url as a link opening in a new tab. Empty urls render empty.
func ImageLink(url string) string {
	url = strings.TrimSpace(url)
	if url == "" {
		return ""
	}
	return fmt.Sprintf(`<a href="%s" target="_blank">View Image</a>`, html.EscapeString(url))
}
