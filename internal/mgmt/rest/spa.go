package rest

import (
	"embed"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"
)

// embeddedUI is an empty-by-default SPA mount point; the build process
// may overwrite web/dist/browser with a real build's output before
// compiling.
//
//go:embed web/dist/browser/*
var embeddedUI embed.FS

func embeddedFS() static.ServeFileSystem {
	fs, err := static.EmbedFolder(embeddedUI, "web/dist/browser")
	if err != nil {
		panic("rest: embedded UI filesystem: " + err.Error())
	}
	return fs
}

// mountSPA serves the embedded UI (or its placeholder) for any route that
// isn't under /api or /swagger.
func mountSPA(r *gin.Engine, logger *slog.Logger) {
	distFS := embeddedFS()
	r.Use(static.Serve("/", distFS))

	r.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.RequestURI, "/api") || strings.HasPrefix(c.Request.RequestURI, "/swagger") {
			return
		}
		index, err := distFS.Open("index.html")
		if err != nil {
			if logger != nil {
				logger.Error("rest: open index.html", "error", err)
			}
			c.Status(http.StatusNotFound)
			return
		}
		defer index.Close()
		stat, _ := index.Stat()
		http.ServeContent(c.Writer, c.Request, "index.html", stat.ModTime(), index)
	})
}
