// Package publish hands a session's frames to the collaborators that live
// outside the capture loop: an HTML index, an SSH upload target and ffmpeg.
package publish

import (
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cjeanneret/fieldcam/internal/debug"
	"github.com/cjeanneret/fieldcam/internal/hw/camera"
)

// IndexName is the file written into the output directory.
const IndexName = "index.html"

// indexExts are the media files listed by the index.
var indexExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".mp4": true,
}

var indexTmpl = template.Must(template.New("index").Parse(`<!doctype html>
<html>
<head>
  <meta charset="utf-8">
  <title>{{.Title}}</title>
  <meta name="viewport" content="width=device-width,initial-scale=1">
  <style>
    body { font-family: Arial, sans-serif; margin: 0; padding: 1rem; }
    .grid { display: grid; grid-template-columns: repeat(auto-fill,minmax(200px,1fr)); grid-gap: 10px; }
    .card { border: 1px solid #ddd; padding: 6px; background: #fff; }
    img, video { max-width: 100%; height: auto; display: block; }
    .meta { font-size: 0.85rem; color: #555; margin-top: 6px; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <p class="meta">{{len .Items}} files, generated {{.Generated}}</p>
  <div class="grid">
{{- range .Items}}
    <div class="card">
      {{if .Video}}<video src="{{.Name}}" controls></video>{{else}}<a href="{{.Name}}"><img src="{{.Name}}" alt="{{.Name}}" loading="lazy"></a>{{end}}
      <div class="meta">{{.Name}} &middot; {{.ModTime}} &middot; {{.SizeKB}} KB</div>
    </div>
{{- end}}
  </div>
</body>
</html>
`))

// IndexItem is one listed file.
type IndexItem struct {
	Name    string
	ModTime string
	SizeKB  int64
	Video   bool
}

type indexPage struct {
	Title     string
	Generated string
	Items     []IndexItem
}

// ListMedia returns the media files of dir, newest first. Frame names start
// with their zero-padded sequence id so reverse name order is capture order.
func ListMedia(dir string) ([]IndexItem, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	items := make([]IndexItem, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || camera.IsTempPath(e.Name()) {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !indexExts[ext] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, IndexItem{
			Name:    e.Name(),
			ModTime: info.ModTime().Format("2006-01-02 15:04:05"),
			SizeKB:  info.Size() / 1024,
			Video:   ext == ".mp4",
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name > items[j].Name })
	return items, nil
}

// BuildIndex writes dir/index.html listing the media in dir and returns its path.
func BuildIndex(dir, title string) (string, error) {
	items, err := ListMedia(dir)
	if err != nil {
		return "", err
	}
	if title == "" {
		title = "Image Index"
	}
	page := indexPage{
		Title:     title,
		Generated: time.Now().Format("2006-01-02 15:04:05"),
		Items:     items,
	}

	path := filepath.Join(dir, IndexName)
	err = camera.WriteAtomic(path, func(w io.Writer) error {
		return indexTmpl.Execute(w, page)
	})
	if err != nil {
		return "", fmt.Errorf("write index: %w", err)
	}
	debug.Verbose("Index: %d files listed in %s", len(items), path)
	return path, nil
}
