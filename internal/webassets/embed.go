// Package webassets embeds the placeholder site that `sitedeploy serve`
// previews when no asset tree is given.
package webassets

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed placeholder
var embedded embed.FS

// Placeholder returns the placeholder tree rooted at its index.html. It
// carries the error document the distribution remaps 403 and 404 to.
func Placeholder() fs.FS {
	sub, err := fs.Sub(embedded, "placeholder")
	if err != nil {
		panic(fmt.Errorf("webassets: placeholder subfs: %w", err))
	}
	return sub
}
