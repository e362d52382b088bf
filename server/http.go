package server

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/ratelimit"
	"github.com/ceyewan/huddle/pkg/health"
	"github.com/gin-gonic/gin"
)

// newRouter 组装 gin 路由：/ws 升级、健康探针、可选的静态前端。
func newRouter(
	ws *wsHandler,
	probe *health.Probe,
	limiter ratelimit.Limiter,
	distDir string,
	logger clog.Logger,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))
	r.Use(globalIPLimit(limiter, ratelimit.Limit{Rate: 100, Burst: 200}, logger))

	r.GET("/ws", func(c *gin.Context) {
		ws.HandleUpgrade(c.Writer, c.Request)
	})

	r.GET("/health", gin.WrapF(probe.LivenessHandler()))
	r.GET("/ready", gin.WrapF(probe.ReadinessHandler()))

	if distDir != "" {
		mountStatic(r, distDir, logger)
	}

	return r
}

// mountStatic 托管前端构建产物，未命中的路径回落到 index.html（SPA）。
func mountStatic(r *gin.Engine, distDir string, logger clog.Logger) {
	info, err := os.Stat(distDir)
	if err != nil || !info.IsDir() {
		logger.Warn("static dist directory not found, ui disabled",
			clog.String("dist", distDir))
		return
	}

	indexPath := filepath.Join(distDir, "index.html")
	fileSystem := http.Dir(distDir)
	fileServer := http.FileServer(fileSystem)

	r.NoRoute(func(c *gin.Context) {
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			c.String(http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		requestPath := sanitizePath(c.Request.URL.Path)
		if requestPath != "" && staticExists(fileSystem, requestPath) {
			if !strings.HasSuffix(requestPath, ".html") {
				c.Header("Cache-Control", "public, max-age=3600")
			} else {
				c.Header("Cache-Control", "no-cache")
			}
			fileServer.ServeHTTP(c.Writer, c.Request)
			return
		}

		c.Header("Cache-Control", "no-cache")
		http.ServeFile(c.Writer, c.Request, indexPath)
	})
}

func sanitizePath(requestPath string) string {
	clean := path.Clean(requestPath)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "." {
		return ""
	}
	return clean
}

func staticExists(fs http.FileSystem, requestPath string) bool {
	f, err := fs.Open(requestPath)
	if err != nil {
		return false
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false
	}
	if info.IsDir() {
		_, err := fs.Open(path.Join(requestPath, "index.html"))
		return err == nil
	}
	return true
}
