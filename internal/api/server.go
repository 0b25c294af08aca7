// Package api exposes the gateway's HTTP surface: the OpenAI and Claude
// dialect endpoints, the health check, and the manager API for account and
// settings administration.
package api

import (
	"io"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/ant2api/ant2api/internal/config"
	"github.com/ant2api/ant2api/internal/credential"
	"github.com/ant2api/ant2api/internal/quota"
	"github.com/ant2api/ant2api/internal/signature"
	"github.com/ant2api/ant2api/internal/upstream"
)

// Server carries the shared state behind every handler.
type Server struct {
	cfg         *config.Config
	store       *credential.Store
	pool        *quota.Pool
	quotaCache  *quota.AdminCache
	signatures  *signature.Manager
	upstream    *upstream.Client
	oauthStates *credential.StateStore
}

func NewServer(cfg *config.Config, store *credential.Store, pool *quota.Pool, quotaCache *quota.AdminCache, signatures *signature.Manager, client *upstream.Client) *Server {
	return &Server{
		cfg:         cfg,
		store:       store,
		pool:        pool,
		quotaCache:  quotaCache,
		signatures:  signatures,
		upstream:    client,
		oauthStates: credential.NewStateStore(),
	}
}

// NewRouter builds the gin engine with all routes registered.
func (s *Server) NewRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	gin.DefaultWriter = log.StandardLogger().WriterLevel(log.DebugLevel)
	gin.DefaultErrorWriter = log.StandardLogger().WriterLevel(log.ErrorLevel)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) { c.String(200, "ok") })
	r.POST("/login", s.Login)
	r.GET("/logout", s.Logout)

	v1 := r.Group("/v1", s.RequireAPIKey)
	{
		v1.GET("/models", s.ListModels)
		v1.POST("/chat/completions", s.ChatCompletions)
		v1.POST("/chat/completions/", s.ChatCompletions)
		v1.POST("/messages", s.Messages)
		v1.POST("/messages/", s.Messages)
	}

	mgr := r.Group("/manager/api", s.RequireManagerSession)
	{
		mgr.GET("/stats", s.ManagerStats)
		mgr.GET("/list", s.ManagerList)
		mgr.POST("/delete", s.ManagerDelete)
		mgr.POST("/toggle", s.ManagerToggle)
		mgr.POST("/refresh", s.ManagerRefresh)
		mgr.POST("/refresh_all", s.ManagerRefreshAll)
		mgr.GET("/quota", s.ManagerQuota)
		mgr.POST("/quota/all", s.ManagerQuotaAll)
		mgr.GET("/oauth/url", s.ManagerOAuthURL)
		mgr.POST("/oauth/parse-url", s.ManagerOAuthParseURL)
		mgr.GET("/settings", s.ManagerSettingsGet)
		mgr.POST("/settings", s.ManagerSettingsPost)
		mgr.POST("/cache/cleanup", s.ManagerCacheCleanup)
		mgr.GET("/model-id-mapping", s.ManagerModelIDMappingGet)
		mgr.POST("/model-id-mapping", s.ManagerModelIDMappingPost)
	}

	return r
}

func readBody(r io.Reader) []byte {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil
	}
	return body
}
