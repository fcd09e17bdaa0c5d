package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Column aliases accepted in the CSV header, normalized to lower case.
var (
	textAliases   = []string{"text", "tweet"}
	mediaAliases  = []string{"media", "media_path", "media_file"}
	urlAliases    = []string{"media_url", "url"}
	postedAliases = []string{"posted", "is_posted"}
	postIDAliases = []string{"post_id"}
)

// CSVSource reads the posting queue from a CSV file and marks posted rows
// in place. The file is reloaded on every call so hand edits between runs
// are picked up; writes go through a temp file and rename.
type CSVSource struct {
	path   string
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewCSVSource creates a source backed by the CSV file at path.
func NewCSVSource(path string, logger zerolog.Logger) *CSVSource {
	return &CSVSource{
		path:   path,
		logger: logger.With().Str("component", "source").Logger(),
	}
}

type csvFile struct {
	header []string
	rows   [][]string

	textCol   int
	mediaCol  int
	urlCol    int
	postedCol int
	postIDCol int
}

func (s *CSVSource) Next(_ context.Context) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	for i, row := range f.rows {
		if it, ok := f.item(i, row); ok {
			return it, nil
		}
	}
	return nil, ErrNoPending
}

func (s *CSVSource) MarkPosted(_ context.Context, it *Item, postID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	if it.Row < 0 || it.Row >= len(f.rows) {
		return fmt.Errorf("marking row %d: file has %d rows", it.Row, len(f.rows))
	}
	row := f.rows[it.Row]
	if got := strings.TrimSpace(cell(row, f.textCol)); got != it.Text {
		return fmt.Errorf("marking row %d: text changed since it was read", it.Row)
	}

	if f.postedCol < 0 {
		f.header = append(f.header, "posted")
		f.postedCol = len(f.header) - 1
	}
	f.rows[it.Row] = setCell(row, f.postedCol, "true")
	if f.postIDCol >= 0 && postID != "" {
		f.rows[it.Row] = setCell(f.rows[it.Row], f.postIDCol, postID)
	}

	if err := s.write(f); err != nil {
		return err
	}
	s.logger.Info().Int("row", it.Row).Str("post_id", postID).Msg("item marked posted")
	return nil
}

func (s *CSVSource) PendingCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return 0, err
	}
	n := 0
	for i, row := range f.rows {
		if _, ok := f.item(i, row); ok {
			n++
		}
	}
	return n, nil
}

func (s *CSVSource) load() (*csvFile, error) {
	fh, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("opening source: %w", err)
	}
	defer fh.Close()

	r := csv.NewReader(fh)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading source: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("source %s has no header row", s.path)
	}

	f := &csvFile{
		header:    records[0],
		rows:      records[1:],
		textCol:   findColumn(records[0], textAliases),
		mediaCol:  findColumn(records[0], mediaAliases),
		urlCol:    findColumn(records[0], urlAliases),
		postedCol: findColumn(records[0], postedAliases),
		postIDCol: findColumn(records[0], postIDAliases),
	}
	if f.textCol < 0 {
		return nil, fmt.Errorf("source %s has no text column (tried %s)", s.path, strings.Join(textAliases, ", "))
	}
	return f, nil
}

func (s *CSVSource) write(f *csvFile) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".queue-*.csv")
	if err != nil {
		return fmt.Errorf("staging source write: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(f.header); err != nil {
		tmp.Close()
		return fmt.Errorf("writing source header: %w", err)
	}
	for _, row := range f.rows {
		if err := w.Write(row); err != nil {
			tmp.Close()
			return fmt.Errorf("writing source row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flushing source: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing source temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing source: %w", err)
	}
	return nil
}

// item builds an Item from a data row, reporting false for rows that are
// already posted or carry no text.
func (f *csvFile) item(i int, row []string) (*Item, bool) {
	text := strings.TrimSpace(cell(row, f.textCol))
	if text == "" || truthy(cell(row, f.postedCol)) {
		return nil, false
	}
	return &Item{
		Row:       i,
		Text:      text,
		MediaPath: strings.TrimSpace(cell(row, f.mediaCol)),
		MediaURL:  strings.TrimSpace(cell(row, f.urlCol)),
	}, true
}

func findColumn(header, aliases []string) int {
	for i, name := range header {
		n := strings.ToLower(strings.TrimSpace(name))
		for _, a := range aliases {
			if n == a {
				return i
			}
		}
	}
	return -1
}

func cell(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return row[col]
}

func setCell(row []string, col int, v string) []string {
	for len(row) <= col {
		row = append(row, "")
	}
	row[col] = v
	return row
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y", "x":
		return true
	}
	return false
}
