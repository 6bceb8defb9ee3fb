package web

import (
	"embed"
	"io/fs"
)

//go:embed dashboard.html
var content embed.FS

// StaticFS exposes the embedded dashboard assets. The page is static; all
// data comes from /summary client-side.
func StaticFS() fs.FS {
	return content
}
