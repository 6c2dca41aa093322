// Package importer loads extracted page records from disk. The upstream
// extraction stage writes one JSON file per capture (or per capture group):
// either a single PageRecord object or an array of them. A batch is simply a
// directory of such files.
package importer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/scrypster/marketarc/pkg/types"
)

// Batch is the outcome of reading one batch directory.
type Batch struct {
	// Records holds every decoded PageRecord in stable path order.
	Records []types.PageRecord

	FilesFound   int
	FilesDecoded int
	FilesSkipped int

	// Errors lists per-file problems; a skipped file never fails the batch.
	Errors []string
}

// ReadBatch walks dir and decodes every *.json file into page records.
// Hidden directories are skipped. Undecodable files are counted and reported
// in Errors but do not abort the read; only an unreadable directory does.
func ReadBatch(dir string) (*Batch, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot access batch directory %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%q is not a directory", dir)
	}

	files, err := collectJSONFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("walk %q: %w", dir, err)
	}

	batch := &Batch{FilesFound: len(files)}
	for _, path := range files {
		rel, _ := filepath.Rel(dir, path)

		data, err := os.ReadFile(path)
		if err != nil {
			batch.FilesSkipped++
			batch.Errors = append(batch.Errors, fmt.Sprintf("%s: read error: %v", rel, err))
			continue
		}
		records, err := decodeRecords(data)
		if err != nil {
			batch.FilesSkipped++
			batch.Errors = append(batch.Errors, fmt.Sprintf("%s: decode error: %v", rel, err))
			continue
		}
		batch.Records = append(batch.Records, records...)
		batch.FilesDecoded++
	}
	return batch, nil
}

// decodeRecords accepts either a single PageRecord object or an array.
func decodeRecords(data []byte) ([]types.PageRecord, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty file")
	}
	if trimmed[0] == '[' {
		var records []types.PageRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, err
		}
		return records, nil
	}
	var record types.PageRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return []types.PageRecord{record}, nil
}

// collectJSONFiles returns every .json file under dir in walk order, skipping
// hidden directories.
func collectJSONFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(d.Name()), ".json") {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
