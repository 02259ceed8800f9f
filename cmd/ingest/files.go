package main

import (
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"price-ingest/internal/models"
)

const dirDateLayout = "2006-01-02"

// collectFiles lists the files under root laid out as
// <root>/<RETAILER>/<YYYY-MM-DD>/<file>, the layout the fetcher writes.
// A non-empty retailer treats root as a single retailer's directory; date
// is used when a file's directory does not carry one.
func collectFiles(root, retailer string, date time.Time) ([]*models.SourceFile, error) {
	var files []*models.SourceFile

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")

		file := &models.SourceFile{
			Retailer:        retailer,
			FileName:        d.Name(),
			Path:            path,
			PublicationDate: date,
		}
		dirs := parts[:len(parts)-1]
		if file.Retailer == "" {
			if len(dirs) == 0 {
				return nil
			}
			file.Retailer = strings.ToUpper(dirs[0])
			dirs = dirs[1:]
		}
		for _, dir := range dirs {
			if t, err := time.Parse(dirDateLayout, dir); err == nil {
				file.PublicationDate = t
				break
			}
		}

		files = append(files, file)
		return nil
	})
	return files, err
}
