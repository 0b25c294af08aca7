package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ant2api/ant2api/internal/config"
)

const (
	sessionCookieName  = "grok_admin_session"
	sessionCookieValue = "authenticated"
)

// RequireAPIKey guards the dialect endpoints. With no key configured the
// gateway is open.
func (s *Server) RequireAPIKey(c *gin.Context) {
	key := strings.TrimSpace(config.Runtime().APIKey)
	if key == "" {
		c.Next()
		return
	}

	supplied := strings.TrimSpace(c.GetHeader("x-api-key"))
	if supplied == "" {
		auth := strings.TrimSpace(c.GetHeader("Authorization"))
		if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
			supplied = strings.TrimSpace(after)
		}
	}
	if supplied != key {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{"message": "invalid api key", "type": "authentication_error"},
		})
		return
	}
	c.Next()
}

// RequireManagerSession guards the manager API behind the login cookie.
func (s *Server) RequireManagerSession(c *gin.Context) {
	if managerAuthenticated(c) {
		c.Next()
		return
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": "未登录或会话已过期，请先登录管理面板",
	})
}

func managerAuthenticated(c *gin.Context) bool {
	v, err := c.Cookie(sessionCookieName)
	return err == nil && v == sessionCookieValue
}

// Login validates the manager password and sets the session cookie.
func (s *Server) Login(c *gin.Context) {
	password := c.PostForm("password")
	if password == "" {
		var body struct {
			Password string `json:"password"`
		}
		if err := c.ShouldBindJSON(&body); err == nil {
			password = body.Password
		}
	}

	settings := config.Runtime()
	if settings.WebUIPassword == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "管理密码未配置，请设置 WEBUI_PASSWORD 环境变量"})
		return
	}
	if password != settings.WebUIPassword {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "密码错误"})
		return
	}

	http.SetCookie(c.Writer, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionCookieValue,
		Path:     "/",
		HttpOnly: true,
		Expires:  time.Now().Add(24 * time.Hour),
	})
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Logout clears the session cookie.
func (s *Server) Logout(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	c.JSON(http.StatusOK, gin.H{"success": true})
}
