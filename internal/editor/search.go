package editor

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/ensemble-ai/ensemble/internal/core"
)

// Hit is one content-search match.
type Hit struct {
	Path   string `json:"path"`
	Line   int    `json:"line"`
	Text   string `json:"text"`
	Column int    `json:"column"`
}

// Search runs a grep-like substring search under path (default the
// root). Binary files are skipped by NUL sniffing; results stop at the
// hit cap.
func (m *Manager) Search(query, path string, caseSensitive bool) ([]Hit, error) {
	if query == "" {
		return nil, core.ErrInvalidInput("search query must not be empty")
	}
	startAbs, err := m.resolve(path)
	if err != nil {
		return nil, err
	}

	needle := query
	if !caseSensitive {
		needle = strings.ToLower(query)
	}

	hits := make([]Hit, 0, 32)
	walkErr := filepath.WalkDir(startAbs, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if len(hits) >= m.limits.SearchMaxHits {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != startAbs {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > m.limits.MaxFileSize {
			return nil
		}
		m.searchFile(p, needle, caseSensitive, &hits)
		return nil
	})
	if walkErr != nil {
		return nil, core.ErrIO("search walk", walkErr)
	}
	return hits, nil
}

func (m *Manager) searchFile(abs, needle string, caseSensitive bool, hits *[]Hit) {
	f, err := os.Open(abs)
	if err != nil {
		return
	}
	defer f.Close()

	// Binary sniff on the first 8 KiB.
	head := make([]byte, 8192)
	n, _ := f.Read(head)
	if isBinaryContent(head[:n]) {
		return
	}
	if _, err := f.Seek(0, 0); err != nil {
		return
	}

	rel := m.relFromRoot(abs)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		haystack := line
		if !caseSensitive {
			haystack = strings.ToLower(line)
		}
		col := strings.Index(haystack, needle)
		if col < 0 {
			continue
		}
		*hits = append(*hits, Hit{Path: rel, Line: lineNo, Column: col + 1, Text: line})
		if len(*hits) >= m.limits.SearchMaxHits {
			return
		}
	}
}

// FileMatch is one fuzzy file-name match, best first.
type FileMatch struct {
	Path  string `json:"path"`
	Score int    `json:"score"`
}

// FindFiles fuzzy-matches file paths against the query, serving the
// UI's quick-open panel and the editor_find_files tool.
func (m *Manager) FindFiles(query string, limit int) ([]FileMatch, error) {
	if query == "" {
		return nil, core.ErrInvalidInput("query must not be empty")
	}
	if limit <= 0 || limit > m.limits.SearchMaxHits {
		limit = m.limits.SearchMaxHits
	}

	var paths []string
	budget := m.limits.TreeMaxNodes
	_ = filepath.WalkDir(m.rootReal, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if budget <= 0 {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != m.rootReal {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		budget--
		paths = append(paths, m.relFromRoot(p))
		return nil
	})

	matches := fuzzy.Find(query, paths)
	out := make([]FileMatch, 0, limit)
	for _, match := range matches {
		out = append(out, FileMatch{Path: match.Str, Score: match.Score})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
